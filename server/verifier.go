package server

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified identity carried by an ID token.
type Claims struct {
	Username string
	Subject  string
	Expiry   time.Time
	Raw      map[string]any
}

// TokenVerifier validates an ID token's signature and claims.
type TokenVerifier interface {
	Verify(ctx context.Context, idToken string) (Claims, error)
}

// IDTokenVerifier verifies user pool ID tokens with go-oidc.
type IDTokenVerifier struct {
	verifier *oidc.IDTokenVerifier
}

type idTokenClaims struct {
	TokenUse        string `json:"token_use"`
	CognitoUsername string `json:"cognito:username"`
	Username        string `json:"username"`
}

// NewIDTokenVerifier builds a verifier for the configured pool. Keys come from
// user_pool.jwks_file when set, otherwise from the pool's published JWKS.
func NewIDTokenVerifier(ctx context.Context, cfg Config, httpClient *http.Client) (*IDTokenVerifier, error) {
	issuer := cfg.Issuer()

	var keySet oidc.KeySet
	if cfg.UserPool.JWKSFile != "" {
		static, err := LoadStaticKeySet(cfg.UserPool.JWKSFile)
		if err != nil {
			return nil, err
		}
		keySet = static
	} else {
		if httpClient != nil {
			ctx = oidc.ClientContext(ctx, httpClient)
		}
		keySet = oidc.NewRemoteKeySet(ctx, cfg.JWKSURL())
	}

	return NewIDTokenVerifierWithKeySet(issuer, cfg.UserPool.AppID, keySet), nil
}

// NewIDTokenVerifierWithKeySet builds a verifier over an explicit key set.
func NewIDTokenVerifierWithKeySet(issuer, appID string, keySet oidc.KeySet) *IDTokenVerifier {
	return &IDTokenVerifier{
		verifier: oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: appID}),
	}
}

// Verify checks signature, issuer, audience and expiry, then requires an ID token with a
// username claim.
func (v *IDTokenVerifier) Verify(ctx context.Context, idToken string) (Claims, error) {
	const op = "verify id token"
	if idToken == "" {
		return Claims{}, newError(KindTokenMissing, op, "id token missing", nil)
	}

	tok, err := v.verifier.Verify(ctx, idToken)
	if err != nil {
		return Claims{}, newError(KindTokenVerification, op, "", err)
	}

	var typed idTokenClaims
	if err := tok.Claims(&typed); err != nil {
		return Claims{}, newError(KindTokenVerification, op, "claims unreadable", err)
	}
	if typed.TokenUse != "" && typed.TokenUse != "id" {
		return Claims{}, newError(KindTokenVerification, op, fmt.Sprintf("token_use %q is not id", typed.TokenUse), nil)
	}
	username := typed.CognitoUsername
	if username == "" {
		username = typed.Username
	}
	if username == "" {
		return Claims{}, newError(KindTokenVerification, op, "username claim missing", nil)
	}

	var raw map[string]any
	if err := tok.Claims(&raw); err != nil {
		return Claims{}, newError(KindTokenVerification, op, "claims unreadable", err)
	}

	return Claims{
		Username: username,
		Subject:  tok.Subject,
		Expiry:   tok.Expiry,
		Raw:      raw,
	}, nil
}

// LoadStaticKeySet reads a JSON Web Key Set file into a key set usable by the verifier.
func LoadStaticKeySet(path string) (*oidc.StaticKeySet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwks file: %w", err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(b, &set); err != nil {
		return nil, fmt.Errorf("parse jwks file: %w", err)
	}

	keys := make([]crypto.PublicKey, 0, len(set.Keys))
	for _, k := range set.Keys {
		if !k.Valid() {
			continue
		}
		if k.IsPublic() {
			keys = append(keys, k.Key)
		} else {
			keys = append(keys, k.Public().Key)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("jwks file %s holds no usable keys", path)
	}
	return &oidc.StaticKeySet{PublicKeys: keys}, nil
}

// usernameFromFreshToken reads the username of an ID token that was just returned by the
// token endpoint over TLS. It does not verify the signature.
func usernameFromFreshToken(idToken string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return "", fmt.Errorf("parse id token: %w", err)
	}
	for _, key := range []string{"cognito:username", "username"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("username claim missing")
}
