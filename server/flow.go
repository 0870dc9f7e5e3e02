package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// AuthState is the classification of an inbound request by the default gate.
type AuthState int

const (
	Unauthenticated AuthState = iota
	HasValidSession
	HasExpiredSessionWithRefresh
	HasExpiredSessionNoRefresh
	CallbackWithCode
	LogoutRequested
)

func (s AuthState) String() string {
	switch s {
	case HasValidSession:
		return "valid_session"
	case HasExpiredSessionWithRefresh:
		return "expired_with_refresh"
	case HasExpiredSessionNoRefresh:
		return "expired_no_refresh"
	case CallbackWithCode:
		return "callback_with_code"
	case LogoutRequested:
		return "logout_requested"
	default:
		return "unauthenticated"
	}
}

// FlowController implements the gate, sign-in, callback, refresh and sign-out flows.
// It holds no request state; one instance serves all requests concurrently.
type FlowController struct {
	cfg       Config
	cookies   *CookieCodec
	verifier  TokenVerifier
	tokens    TokenExchanger
	authorize oauth2.Endpoint
	secret    []byte
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

// FlowOption customises a FlowController.
type FlowOption func(*FlowController)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) FlowOption {
	return func(fc *FlowController) { fc.now = now }
}

// WithMetrics records flow outcomes on m.
func WithMetrics(m *Metrics) FlowOption {
	return func(fc *FlowController) { fc.metrics = m }
}

// NewFlowController wires a controller. cfg must already be validated.
func NewFlowController(cfg Config, verifier TokenVerifier, tokens TokenExchanger, logger *slog.Logger, opts ...FlowOption) *FlowController {
	fc := &FlowController{
		cfg:       cfg,
		cookies:   NewCookieCodec(cfg.UserPool.AppID, cfg.Cookies),
		verifier:  verifier,
		tokens:    tokens,
		authorize: oauth2.Endpoint{AuthURL: cfg.ProviderBaseURL() + "/authorize"},
		logger:    logger,
		now:       time.Now,
	}
	if cfg.CSRFEnabled() {
		fc.secret = []byte(cfg.CSRFProtection.NonceSigningSecret)
	}
	for _, opt := range opts {
		opt(fc)
	}
	if fc.metrics == nil {
		fc.metrics, _ = NewMetrics(nil)
	}
	return fc
}

// Cookies exposes the codec used for naming and serialization.
func (fc *FlowController) Cookies() *CookieCodec {
	return fc.cookies
}

type session struct {
	tokens TokenSet
	claims Claims
}

// classify maps a request onto exactly one AuthState:
//
//	logout path matches                         -> LogoutRequested
//	id token verifies                           -> HasValidSession
//	refresh token present                       -> HasExpiredSessionWithRefresh
//	code param present                          -> CallbackWithCode
//	id token present but invalid                -> HasExpiredSessionNoRefresh
//	otherwise                                   -> Unauthenticated
func (fc *FlowController) classify(ctx context.Context, req Request) (AuthState, session) {
	if fc.cfg.Logout != nil && req.URI == normalizePath(fc.cfg.Logout.LogoutURI) {
		return LogoutRequested, session{}
	}

	tokens, err := fc.extractTokens(req.Cookies())
	if err != nil {
		fc.logger.Debug("no session cookies", "reason", KindOf(err))
	}

	if tokens.IDToken != "" {
		claims, err := fc.verifier.Verify(ctx, tokens.IDToken)
		if err == nil {
			return HasValidSession, session{tokens: tokens, claims: claims}
		}
		fc.logger.Debug("id token rejected", "error", err)
	}
	if tokens.RefreshToken != "" {
		return HasExpiredSessionWithRefresh, session{tokens: tokens}
	}
	if req.Query().Get("code") != "" {
		return CallbackWithCode, session{tokens: tokens}
	}
	if tokens.IDToken != "" {
		return HasExpiredSessionNoRefresh, session{tokens: tokens}
	}
	return Unauthenticated, session{}
}

// Handle is the default gate run on every request to the protected site.
func (fc *FlowController) Handle(ctx context.Context, req Request) Result {
	const flow = "handle"
	state, sess := fc.classify(ctx, req)
	fc.logger.Debug("request classified", "flow", flow, "state", state.String(), "uri", req.URI)

	switch state {
	case LogoutRequested:
		return fc.signOut(ctx, req, flow)
	case HasValidSession:
		fc.metrics.recordOutcome(ctx, flow, "forward")
		return forward(req)
	case HasExpiredSessionWithRefresh:
		res, err := fc.refresh(ctx, req, sess.tokens, safeDestination(req.RequestURI(), req))
		if err == nil {
			fc.metrics.recordOutcome(ctx, flow, "refreshed")
			return res
		}
		fc.logger.Warn("refresh failed, reauthenticating", "flow", flow, "error", err)
		if req.Query().Get("code") != "" {
			return fc.gateCallback(ctx, req)
		}
		return fc.authorizeRedirect(ctx, req, flow, req.RequestURI())
	case CallbackWithCode:
		return fc.gateCallback(ctx, req)
	case HasExpiredSessionNoRefresh:
		return fc.authorizeRedirect(ctx, req, flow, req.RequestURI(), fc.staleSessionCookies(ctx, req, sess.tokens)...)
	default:
		return fc.authorizeRedirect(ctx, req, flow, req.RequestURI())
	}
}

// gateCallback completes a code callback that arrived on an arbitrary path. Failures send
// the browser back to the identity provider instead of surfacing an error.
func (fc *FlowController) gateCallback(ctx context.Context, req Request) Result {
	const flow = "handle"
	tokens, username, dest, err := fc.exchangeCallback(ctx, req)
	if err != nil {
		fc.logger.Warn("callback failed, reauthenticating", "flow", flow, "error", err)
		return fc.authorizeRedirect(ctx, req, flow, withoutAuthParams(req))
	}
	fc.metrics.recordOutcome(ctx, flow, "signed_in")
	return respond(redirect(dest, fc.sessionCookies(req, username, tokens), fc.clearCSRF(req)))
}

// HandleSignIn redirects signed-in users to their destination and everyone else to the
// identity provider.
func (fc *FlowController) HandleSignIn(ctx context.Context, req Request) Result {
	const flow = "sign_in"
	dest := safeDestination(req.Query().Get("redirect_uri"), req)

	tokens, err := fc.extractTokens(req.Cookies())
	if err == nil && tokens.IDToken != "" {
		if _, err := fc.verifier.Verify(ctx, tokens.IDToken); err == nil {
			fc.metrics.recordOutcome(ctx, flow, "already_signed_in")
			return respond(redirect(dest))
		}
	}
	return fc.authorizeRedirect(ctx, req, flow, dest)
}

// HandleParseAuth completes the authorization code callback on the configured callback
// path. It is the only flow that returns client errors.
func (fc *FlowController) HandleParseAuth(ctx context.Context, req Request) Result {
	const flow = "parse_auth"
	if fc.cfg.ParseAuthPath == "" {
		fc.logger.Error("callback received but parse_auth_path is not configured", "uri", req.URI)
		fc.metrics.recordOutcome(ctx, flow, "misconfigured")
		return respond(Response{
			Status:  http.StatusInternalServerError,
			Headers: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
			Body:    "callback path is not configured",
		})
	}

	tokens, username, dest, err := fc.exchangeCallback(ctx, req)
	if err != nil {
		fc.logger.Warn("callback rejected", "flow", flow, "kind", KindOf(err), "csrf", IsCSRF(err), "error", err)
		fc.metrics.recordOutcome(ctx, flow, "rejected")
		return respond(badRequest(describe(err), fc.clearCSRF(req)))
	}

	fc.metrics.recordOutcome(ctx, flow, "signed_in")
	return respond(redirect(dest, fc.sessionCookies(req, username, tokens), fc.clearCSRF(req)))
}

// HandleRefreshToken forces a refresh of a still valid session.
func (fc *FlowController) HandleRefreshToken(ctx context.Context, req Request) Result {
	const flow = "refresh"
	dest := safeDestination(req.Query().Get("redirect_uri"), req)

	tokens, err := fc.extractTokens(req.Cookies())
	if err != nil {
		fc.logger.Debug("refresh without session", "error", err)
		return fc.authorizeRedirect(ctx, req, flow, dest)
	}
	if _, err := fc.verifier.Verify(ctx, tokens.IDToken); err != nil {
		fc.logger.Debug("refresh with invalid id token", "error", err)
		return fc.authorizeRedirect(ctx, req, flow, dest)
	}
	if tokens.RefreshToken == "" {
		fc.logger.Debug("refresh without refresh token")
		return fc.authorizeRedirect(ctx, req, flow, dest)
	}

	res, err := fc.refresh(ctx, req, tokens, dest)
	if err != nil {
		fc.logger.Warn("refresh failed, reauthenticating", "flow", flow, "error", err)
		return fc.authorizeRedirect(ctx, req, flow, dest)
	}
	fc.metrics.recordOutcome(ctx, flow, "refreshed")
	return res
}

// HandleSignOut revokes the refresh token and clears the session cookies. Cookies are
// cleared whether or not revocation succeeds.
func (fc *FlowController) HandleSignOut(ctx context.Context, req Request) Result {
	return fc.signOut(ctx, req, "sign_out")
}

func (fc *FlowController) signOut(ctx context.Context, req Request, flow string) Result {
	tokens, err := fc.extractTokens(req.Cookies())
	if err != nil {
		fc.logger.Debug("sign-out without session", "flow", flow, "reason", KindOf(err))
	}

	if tokens.RefreshToken != "" {
		err := fc.tokens.Revoke(ctx, tokens.RefreshToken)
		fc.metrics.recordRevoke(ctx, err)
		if err != nil {
			fc.logger.Warn("revoke failed, clearing cookies anyway", "flow", flow, "error", err)
		}
	}

	dest := req.SiteRoot()
	if fc.cfg.Logout != nil && fc.cfg.Logout.LogoutRedirectURI != "" {
		dest = fc.cfg.Logout.LogoutRedirectURI
	} else if ru := req.Query().Get("redirect_uri"); ru != "" {
		dest = safeDestination(ru, req)
	}

	fc.metrics.recordOutcome(ctx, flow, "signed_out")
	return respond(redirect(dest, fc.ClearCookies(ctx, req, tokens)))
}

// ClearCookies expires the session cookies. When the ID token verifies, exactly the known
// cookies of its user are cleared; otherwise every request cookie under the app prefix is.
func (fc *FlowController) ClearCookies(ctx context.Context, req Request, tokens TokenSet) []SetCookie {
	now := fc.now()
	if tokens.IDToken != "" {
		if claims, err := fc.verifier.Verify(ctx, tokens.IDToken); err == nil {
			return fc.cookies.ClearUserCookies(claims.Username, req.Host(), now)
		}
	}
	return fc.cookies.ClearPrefixed(req.Cookies(), req.Host(), now)
}

// refresh exchanges the refresh token and re-sets the session cookies.
func (fc *FlowController) refresh(ctx context.Context, req Request, tokens TokenSet, dest string) (Result, error) {
	fresh, err := fc.tokens.ExchangeRefreshToken(ctx, fc.redirectURI(req), tokens.RefreshToken)
	fc.metrics.recordExchange(ctx, "refresh_token", err)
	if err != nil {
		return Result{}, err
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tokens.RefreshToken
	}
	username, err := usernameFromFreshToken(fresh.IDToken)
	if err != nil {
		return Result{}, newError(KindTokenExchange, "refresh", "id token unreadable", err)
	}
	return respond(redirect(dest, fc.sessionCookies(req, username, fresh))), nil
}

// exchangeCallback validates a callback and trades its code for tokens. CSRF validation
// runs before the token endpoint is contacted.
func (fc *FlowController) exchangeCallback(ctx context.Context, req Request) (TokenSet, string, string, error) {
	const op = "callback"
	q := req.Query()

	if e := q.Get("error"); e != "" {
		detail := "provider returned " + e
		if d := q.Get("error_description"); d != "" {
			detail += " (" + d + ")"
		}
		return TokenSet{}, "", "", newError(KindTokenExchange, op, detail, nil)
	}

	stateParam := q.Get("state")
	var verifier string
	if fc.cfg.CSRFEnabled() {
		cookies := req.Cookies()
		csrf := CSRFCookies{
			Nonce:     cookies[fc.cookies.CSRFName(CookieNonce)],
			NonceHMAC: cookies[fc.cookies.CSRFName(CookieNonceHMAC)],
			PKCE:      cookies[fc.cookies.CSRFName(CookiePKCE)],
		}
		if err := ValidateCSRF(stateParam, csrf, fc.secret); err != nil {
			fc.metrics.recordCSRFFailure(ctx, err)
			return TokenSet{}, "", "", err
		}
		verifier = csrf.PKCE
	}

	code := q.Get("code")
	if code == "" {
		return TokenSet{}, "", "", newError(KindTokenExchange, op, "authorization code missing", nil)
	}

	tokens, err := fc.tokens.ExchangeCode(ctx, fc.redirectURI(req), code, verifier)
	fc.metrics.recordExchange(ctx, "authorization_code", err)
	if err != nil {
		return TokenSet{}, "", "", err
	}

	username, err := usernameFromFreshToken(tokens.IDToken)
	if err != nil {
		return TokenSet{}, "", "", newError(KindTokenExchange, op, "id token unreadable", err)
	}

	dest := req.SiteRoot()
	if payload, err := DecodeState(stateParam); err == nil {
		dest = safeDestination(payload.RedirectURI, req)
	}
	return tokens, username, dest, nil
}

// authorizeRedirect sends the browser to the identity provider. With CSRF protection the
// nonce, its HMAC and the PKCE verifier are set as cookies.
func (fc *FlowController) authorizeRedirect(ctx context.Context, req Request, flow, dest string, clear ...SetCookie) Result {
	var (
		state    string
		verifier string
		cookies  []SetCookie
	)
	if fc.cfg.CSRFEnabled() {
		st, err := GenerateCSRF(dest, fc.secret)
		if err != nil {
			fc.logger.Error("generate csrf state", "error", err)
			return respond(Response{Status: http.StatusInternalServerError, Headers: http.Header{}, Body: "internal error"})
		}
		state, verifier = st.State, st.PKCEVerifier
		cookies = fc.cookies.CSRFCookies(st, req.Host(), fc.now())
	} else {
		s, err := EncodeState(StatePayload{RedirectURI: dest})
		if err != nil {
			fc.logger.Error("encode state", "error", err)
			return respond(Response{Status: http.StatusInternalServerError, Headers: http.Header{}, Body: "internal error"})
		}
		state = s
	}

	fc.metrics.recordOutcome(ctx, flow, "authorize_redirect")
	return respond(redirect(fc.authorizeURL(fc.redirectURI(req), state, verifier), clear, cookies))
}

// staleSessionCookies clears a session that can no longer be used. CSRF cookies are left to
// the authorize redirect that replaces them.
func (fc *FlowController) staleSessionCookies(ctx context.Context, req Request, tokens TokenSet) []SetCookie {
	csrf := map[string]bool{}
	for _, kind := range csrfKinds {
		csrf[fc.cookies.CSRFName(kind)] = true
	}
	var out []SetCookie
	for _, c := range fc.ClearCookies(ctx, req, tokens) {
		if !csrf[c.Name] {
			out = append(out, c)
		}
	}
	return out
}

func (fc *FlowController) authorizeURL(redirectURI, state, verifier string) string {
	cfg := &oauth2.Config{
		ClientID:    fc.cfg.UserPool.AppID,
		RedirectURL: redirectURI,
		Endpoint:    fc.authorize,
	}
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return cfg.AuthCodeURL(state, opts...)
}

// redirectURI is the OAuth redirect_uri: the callback path on the request host.
func (fc *FlowController) redirectURI(req Request) string {
	return req.Scheme() + "://" + req.Host() + "/" + strings.TrimLeft(fc.cfg.ParseAuthPath, "/")
}

func (fc *FlowController) sessionCookies(req Request, username string, tokens TokenSet) []SetCookie {
	return fc.cookies.SessionCookies(username, tokens, req.Host(), fc.now())
}

func (fc *FlowController) clearCSRF(req Request) []SetCookie {
	if !fc.cfg.CSRFEnabled() {
		return nil
	}
	return fc.cookies.ClearCSRFCookies(req.Host(), fc.now())
}

// extractTokens reads the token set of the last signed-in user from the request cookies.
// Without a LastAuthUser cookie the first user with an idToken cookie is used.
func (fc *FlowController) extractTokens(cookies map[string]string) (TokenSet, error) {
	const op = "extract tokens"
	if len(cookies) == 0 {
		return TokenSet{}, newError(KindCookieMissing, op, "no cookies", nil)
	}

	segment := ""
	if user := cookies[fc.cookies.LastAuthUserName()]; user != "" {
		segment = escapeCookie(user)
	} else {
		segment = fc.findUserSegment(cookies)
	}
	if segment == "" {
		return TokenSet{}, newError(KindTokenMissing, op, "no session cookies", nil)
	}

	base := fc.cookies.Prefix() + "." + segment + "."
	tokens := TokenSet{
		IDToken:      cookies[base+string(CookieIDToken)],
		AccessToken:  cookies[base+string(CookieAccessToken)],
		RefreshToken: cookies[base+string(CookieRefreshToken)],
	}
	if tokens.IDToken == "" && tokens.RefreshToken == "" {
		return tokens, newError(KindTokenMissing, op, "no token cookies", nil)
	}
	return tokens, nil
}

func (fc *FlowController) findUserSegment(cookies map[string]string) string {
	prefix := fc.cookies.Prefix() + "."
	suffix := "." + string(CookieIDToken)
	var segments []string
	for name := range cookies {
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix) && len(name) > len(prefix)+len(suffix) {
			segments = append(segments, name[len(prefix):len(name)-len(suffix)])
		}
	}
	if len(segments) == 0 {
		return ""
	}
	sort.Strings(segments)
	return segments[0]
}

// withoutAuthParams is the request URI minus the callback's code and state parameters.
func withoutAuthParams(req Request) string {
	q := req.Query()
	q.Del("code")
	q.Del("state")
	if len(q) == 0 {
		return req.URI
	}
	return req.URI + "?" + url.Values(q).Encode()
}
