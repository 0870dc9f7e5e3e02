package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// CSRFState is everything generated for one protected authorization redirect.
// Nonce, NonceHMAC and PKCEVerifier go into cookies; State goes into the authorize URL.
type CSRFState struct {
	Nonce         string
	NonceHMAC     string
	PKCEVerifier  string
	CodeChallenge string
	RedirectURI   string
	State         string
}

// CSRFCookies are the CSRF values read back from a callback request.
type CSRFCookies struct {
	Nonce     string
	NonceHMAC string
	PKCE      string
}

// StatePayload is the JSON object carried, base64url encoded, in the OAuth state parameter.
type StatePayload struct {
	Nonce         string `json:"nonce,omitempty"`
	RedirectURI   string `json:"redirect_uri"`
	CodeChallenge string `json:"code_challenge,omitempty"`
}

// GenerateCSRF creates a nonce, its HMAC under secret, a PKCE verifier and the state
// parameter binding them to redirectURI.
func GenerateCSRF(redirectURI string, secret []byte) (CSRFState, error) {
	nonce, err := generateNonce()
	if err != nil {
		return CSRFState{}, fmt.Errorf("generate nonce: %w", err)
	}
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	state, err := EncodeState(StatePayload{
		Nonce:         nonce,
		RedirectURI:   redirectURI,
		CodeChallenge: challenge,
	})
	if err != nil {
		return CSRFState{}, err
	}

	return CSRFState{
		Nonce:         nonce,
		NonceHMAC:     signNonce(nonce, secret),
		PKCEVerifier:  verifier,
		CodeChallenge: challenge,
		RedirectURI:   redirectURI,
		State:         state,
	}, nil
}

// ValidateCSRF checks a callback's state against the CSRF cookies. It performs no I/O and
// must succeed before the authorization code is exchanged.
func ValidateCSRF(state string, cookies CSRFCookies, secret []byte) error {
	const op = "validate csrf"

	if cookies.Nonce == "" {
		return newError(KindMissingNonceCookie, op, "nonce cookie missing", nil)
	}

	payload, err := DecodeState(state)
	if err != nil {
		return newError(KindNonceMismatch, op, "state parameter unreadable", err)
	}
	if subtle.ConstantTimeCompare([]byte(payload.Nonce), []byte(cookies.Nonce)) != 1 {
		return newError(KindNonceMismatch, op, "nonce in state does not match nonce cookie", nil)
	}

	if cookies.PKCE == "" {
		return newError(KindMissingPKCECookie, op, "pkce cookie missing", nil)
	}
	if payload.CodeChallenge != "" && oauth2.S256ChallengeFromVerifier(cookies.PKCE) != payload.CodeChallenge {
		return newError(KindMissingPKCECookie, op, "pkce cookie does not match state", nil)
	}

	if !hmac.Equal([]byte(signNonce(payload.Nonce, secret)), []byte(cookies.NonceHMAC)) {
		return newError(KindSignatureMismatch, op, "nonce signature mismatch", nil)
	}
	return nil
}

// EncodeState serializes the payload into a URL-safe state parameter.
func EncodeState(p StatePayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeState parses a state parameter produced by EncodeState. Padded input is accepted.
func DecodeState(state string) (StatePayload, error) {
	if state == "" {
		return StatePayload{}, fmt.Errorf("state is empty")
	}
	b, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		b, err = base64.URLEncoding.DecodeString(state)
		if err != nil {
			return StatePayload{}, fmt.Errorf("decode state: %w", err)
		}
	}
	var p StatePayload
	if err := json.Unmarshal(b, &p); err != nil {
		return StatePayload{}, fmt.Errorf("parse state: %w", err)
	}
	return p, nil
}

func signNonce(nonce string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(nonce))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// generateNonce returns "<unix seconds>T<32 hex chars>".
func generateNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strconv.FormatInt(time.Now().Unix(), 10) + "T" + hex.EncodeToString(buf), nil
}
