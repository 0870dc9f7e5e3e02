package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenSet is the session held in cookies. IDToken is required for a valid session.
type TokenSet struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
}

// Empty reports whether no token is present.
func (t TokenSet) Empty() bool {
	return t.IDToken == "" && t.AccessToken == "" && t.RefreshToken == ""
}

// TokenExchanger is the identity provider surface the flow controller needs.
type TokenExchanger interface {
	ExchangeCode(ctx context.Context, redirectURI, code, codeVerifier string) (TokenSet, error)
	ExchangeRefreshToken(ctx context.Context, redirectURI, refreshToken string) (TokenSet, error)
	Revoke(ctx context.Context, refreshToken string) error
}

// TokenClient talks to the user pool's token and revoke endpoints.
type TokenClient struct {
	appID      string
	appSecret  string
	tokenURL   string
	revokeURL  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTokenClient constructs a TokenClient. A nil httpClient gets a 10s-timeout default.
func NewTokenClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *TokenClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	base := cfg.ProviderBaseURL()
	return &TokenClient{
		appID:      cfg.UserPool.AppID,
		appSecret:  cfg.UserPool.AppSecret,
		tokenURL:   base + "/oauth2/token",
		revokeURL:  base + "/oauth2/revoke",
		httpClient: httpClient,
		logger:     logger,
	}
}

// oauthConfig builds the per-call oauth2 configuration. The app secret, when set, is sent
// with HTTP Basic auth; otherwise the client id travels in the form body.
func (c *TokenClient) oauthConfig(redirectURI string) *oauth2.Config {
	endpoint := oauth2.Endpoint{
		TokenURL:  c.tokenURL,
		AuthStyle: oauth2.AuthStyleInParams,
	}
	if c.appSecret != "" {
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     c.appID,
		ClientSecret: c.appSecret,
		RedirectURL:  redirectURI,
		Endpoint:     endpoint,
	}
}

func (c *TokenClient) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// ExchangeCode trades an authorization code for tokens.
func (c *TokenClient) ExchangeCode(ctx context.Context, redirectURI, code, codeVerifier string) (TokenSet, error) {
	const op = "exchange code"
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("client_id", c.appID)}
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	tok, err := c.oauthConfig(redirectURI).Exchange(c.context(ctx), code, opts...)
	if err != nil {
		c.logger.Warn("token exchange failed", "grant_type", "authorization_code", "error", err)
		return TokenSet{}, exchangeError(op, err)
	}
	return tokenSetFrom(op, tok)
}

// ExchangeRefreshToken obtains fresh tokens. The provider does not rotate the refresh token,
// so the one passed in is carried over into the result.
func (c *TokenClient) ExchangeRefreshToken(ctx context.Context, redirectURI, refreshToken string) (TokenSet, error) {
	const op = "exchange refresh token"
	if refreshToken == "" {
		return TokenSet{}, newError(KindTokenMissing, op, "refresh token missing", nil)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.appID)
	form.Set("redirect_uri", redirectURI)
	form.Set("refresh_token", refreshToken)

	tok, err := c.refresh(ctx, form)
	if err != nil {
		c.logger.Warn("token exchange failed", "grant_type", "refresh_token", "error", err)
		return TokenSet{}, exchangeError(op, err)
	}
	set, err := tokenSetFrom(op, tok)
	if err != nil {
		return TokenSet{}, err
	}
	set.RefreshToken = refreshToken
	return set, nil
}

// tokenResponse is the token endpoint's JSON body, success or error.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	IDToken          string `json:"id_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// refresh posts a refresh_token grant. x/oauth2's token source only sends grant_type and
// refresh_token, while the user pool expects client_id and redirect_uri with every grant.
// Failures are reported as *oauth2.RetrieveError so both grants classify the same way.
func (c *TokenClient) refresh(ctx context.Context, form url.Values) (*oauth2.Token, error) {
	resp, err := c.postForm(ctx, c.tokenURL, form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oauth2: cannot read token response: %w", err)
	}
	var tr tokenResponse
	jsonErr := json.Unmarshal(body, &tr)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || tr.Error != "" {
		return nil, &oauth2.RetrieveError{
			Response:         resp,
			Body:             body,
			ErrorCode:        tr.Error,
			ErrorDescription: tr.ErrorDescription,
		}
	}
	if jsonErr != nil {
		return nil, fmt.Errorf("oauth2: cannot parse token response: %w", jsonErr)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("oauth2: server response missing access_token")
	}

	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok.WithExtra(map[string]any{"id_token": tr.IDToken}), nil
}

// postForm sends a form-encoded POST, authenticating with the app secret when one is set.
func (c *TokenClient) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.appSecret != "" {
		req.SetBasicAuth(url.QueryEscape(c.appID), url.QueryEscape(c.appSecret))
	}
	return c.httpClient.Do(req)
}

// Revoke invalidates a refresh token and every access token issued from it.
func (c *TokenClient) Revoke(ctx context.Context, refreshToken string) error {
	const op = "revoke"
	if refreshToken == "" {
		return newError(KindTokenMissing, op, "refresh token missing", nil)
	}

	form := url.Values{}
	form.Set("client_id", c.appID)
	form.Set("token", refreshToken)

	resp, err := c.postForm(ctx, c.revokeURL, form)
	if err != nil {
		c.logger.Warn("revoke request failed", "error", err)
		return newError(KindRevoke, op, "", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("revoke rejected", "status", resp.StatusCode)
		return newError(KindRevoke, op, fmt.Sprintf("provider returned %d", resp.StatusCode), nil)
	}
	return nil
}

func tokenSetFrom(op string, tok *oauth2.Token) (TokenSet, error) {
	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return TokenSet{}, newError(KindTokenExchange, op, "id_token missing in response", nil)
	}
	return TokenSet{
		IDToken:      idToken,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}, nil
}

// exchangeError keeps only the OAuth error code as user-facing detail.
func exchangeError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		detail := re.ErrorCode
		if detail == "" && re.Response != nil {
			detail = fmt.Sprintf("provider returned %d", re.Response.StatusCode)
		}
		return newError(KindTokenExchange, op, detail, err)
	}
	return newError(KindTokenExchange, op, "provider unreachable", err)
}
