package server

import "errors"

// Kind classifies a gateway failure so flows can branch on it.
type Kind string

const (
	KindConfiguration      Kind = "configuration"
	KindCookieMissing      Kind = "cookie_missing"
	KindTokenMissing       Kind = "token_missing"
	KindTokenVerification  Kind = "token_verification"
	KindMissingNonceCookie Kind = "missing_nonce_cookie"
	KindNonceMismatch      Kind = "nonce_mismatch"
	KindMissingPKCECookie  Kind = "missing_pkce_cookie"
	KindSignatureMismatch  Kind = "signature_mismatch"
	KindTokenExchange      Kind = "token_exchange"
	KindRevoke             Kind = "revoke"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Error is a classified failure. Detail is safe to show to end users, Err is not.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Description renders the failure for a response body without the wrapped cause.
func (e *Error) Description() string {
	var base string
	switch e.Kind {
	case KindMissingNonceCookie, KindNonceMismatch, KindMissingPKCECookie, KindSignatureMismatch:
		base = "CSRF validation failed"
	case KindTokenExchange:
		base = "token exchange failed"
	case KindTokenVerification:
		base = "token verification failed"
	case KindCookieMissing, KindTokenMissing:
		base = "no session"
	case KindRevoke:
		base = "token revocation failed"
	default:
		base = "request failed"
	}
	if e.Detail != "" {
		return base + ": " + e.Detail
	}
	return base
}

func newError(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

// KindOf returns the Kind carried by err, or "" when err is not a classified failure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsCSRF reports whether err is one of the CSRF validation kinds.
func IsCSRF(err error) bool {
	switch KindOf(err) {
	case KindMissingNonceCookie, KindNonceMismatch, KindMissingPKCECookie, KindSignatureMismatch:
		return true
	}
	return false
}

// describe turns any error into a response-safe description.
func describe(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Description()
	}
	return "request failed"
}
