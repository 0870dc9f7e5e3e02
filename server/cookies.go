package server

import (
	"net"
	"net/url"
	"sort"
	"strings"
	"time"
)

// CookieNamespace prefixes every cookie the gateway reads or writes.
const CookieNamespace = "CognitoIdentityServiceProvider"

// CookieKind is the last dot-separated segment of a gateway cookie name.
type CookieKind string

const (
	CookieIDToken      CookieKind = "idToken"
	CookieAccessToken  CookieKind = "accessToken"
	CookieRefreshToken CookieKind = "refreshToken"
	CookieTokenScopes  CookieKind = "tokenScopesString"
	CookieLastAuthUser CookieKind = "LastAuthUser"
	CookiePKCE         CookieKind = "pkce"
	CookieNonce        CookieKind = "nonce"
	CookieNonceHMAC    CookieKind = "nonceHmac"
)

// tokenScopes is the scope string stored next to the tokens for hosted UI compatibility.
const tokenScopes = "phone email profile openid aws.cognito.signin.user.admin"

var (
	sessionKinds = []CookieKind{CookieIDToken, CookieAccessToken, CookieRefreshToken, CookieTokenScopes}
	csrfKinds    = []CookieKind{CookiePKCE, CookieNonce, CookieNonceHMAC}
	expiredAt    = time.Unix(0, 0).UTC()
)

// CookieAttributes are the Set-Cookie attributes of a single cookie.
// Zero-valued fields are not rendered.
type CookieAttributes struct {
	Domain   string
	Path     string
	Expires  time.Time
	Secure   bool
	HTTPOnly bool
	SameSite string
}

// SetCookie is one cookie to emit.
type SetCookie struct {
	Name  string
	Value string
	Attrs CookieAttributes
}

// String serializes the cookie into a Set-Cookie header value.
func (c SetCookie) String() string {
	return SerializeCookie(c.Name, c.Value, c.Attrs)
}

// CookieCodec names, parses and serializes gateway cookies under one app registration.
type CookieCodec struct {
	appID  string
	policy CookieConfig
}

// NewCookieCodec builds a codec for the given app id and cookie policy.
func NewCookieCodec(appID string, policy CookieConfig) *CookieCodec {
	return &CookieCodec{appID: appID, policy: policy}
}

// Prefix is the name prefix shared by all cookies of the app.
func (c *CookieCodec) Prefix() string {
	return CookieNamespace + "." + c.appID
}

// SessionName returns the per-user cookie name for a token kind.
func (c *CookieCodec) SessionName(username string, kind CookieKind) string {
	return c.Prefix() + "." + escapeCookie(username) + "." + string(kind)
}

// LastAuthUserName returns the name of the cookie holding the last signed-in username.
func (c *CookieCodec) LastAuthUserName() string {
	return c.Prefix() + "." + string(CookieLastAuthUser)
}

// CSRFName returns the name of a CSRF cookie. CSRF cookies carry no username.
func (c *CookieCodec) CSRFName(kind CookieKind) string {
	return c.Prefix() + "." + string(kind)
}

// BaseAttributes derives the attributes shared by all cookies for a request host.
func (c *CookieCodec) BaseAttributes(host string, now time.Time) CookieAttributes {
	attrs := CookieAttributes{
		Path:     c.policy.Path,
		Expires:  now.Add(days(c.policy.ExpirationDays)),
		Secure:   true,
		HTTPOnly: c.policy.HTTPOnly,
	}
	if ss, ok := parseSameSite(c.policy.SameSite); ok {
		attrs.SameSite = ss
	}
	if !c.policy.DisableDomain {
		if c.policy.Domain != "" {
			attrs.Domain = c.policy.Domain
		} else {
			attrs.Domain = hostWithoutPort(host)
		}
	}
	return attrs
}

// Attributes returns the resolved attributes for a cookie kind, overrides applied.
func (c *CookieCodec) Attributes(kind CookieKind, host string, now time.Time) CookieAttributes {
	base := c.BaseAttributes(host, now)
	switch kind {
	case CookieIDToken:
		return ApplyOverride(base, c.policy.Overrides.IDToken, now)
	case CookieAccessToken:
		return ApplyOverride(base, c.policy.Overrides.AccessToken, now)
	case CookieRefreshToken:
		return ApplyOverride(base, c.policy.Overrides.RefreshToken, now)
	case CookiePKCE, CookieNonce, CookieNonceHMAC:
		base.Domain = ""
		base.Expires = now.Add(DefaultCSRFCookieTTL)
		return ApplyOverride(base, c.policy.Overrides.CSRFTokens, now)
	default:
		return base
	}
}

// ApplyOverride merges an override into base. Every override field that is set replaces the
// base value; unset fields keep it. ExpirationDays recomputes Expires relative to now.
func ApplyOverride(base CookieAttributes, o *CookieSettings, now time.Time) CookieAttributes {
	if o == nil {
		return base
	}
	out := base
	if o.HTTPOnly != nil {
		out.HTTPOnly = *o.HTTPOnly
	}
	if o.SameSite != nil {
		if ss, ok := parseSameSite(*o.SameSite); ok {
			out.SameSite = ss
		}
	}
	if o.Path != nil {
		out.Path = *o.Path
	}
	if o.ExpirationDays != nil {
		out.Expires = now.Add(days(*o.ExpirationDays))
	}
	return out
}

// Expire turns attributes into their clearing form.
func Expire(attrs CookieAttributes) CookieAttributes {
	attrs.Expires = expiredAt
	return attrs
}

// SessionCookies returns the cookies persisting a token set for username.
func (c *CookieCodec) SessionCookies(username string, tokens TokenSet, host string, now time.Time) []SetCookie {
	out := []SetCookie{
		{Name: c.SessionName(username, CookieIDToken), Value: tokens.IDToken, Attrs: c.Attributes(CookieIDToken, host, now)},
		{Name: c.SessionName(username, CookieAccessToken), Value: tokens.AccessToken, Attrs: c.Attributes(CookieAccessToken, host, now)},
	}
	if tokens.RefreshToken != "" {
		out = append(out, SetCookie{Name: c.SessionName(username, CookieRefreshToken), Value: tokens.RefreshToken, Attrs: c.Attributes(CookieRefreshToken, host, now)})
	}
	out = append(out,
		SetCookie{Name: c.SessionName(username, CookieTokenScopes), Value: tokenScopes, Attrs: c.Attributes(CookieTokenScopes, host, now)},
		SetCookie{Name: c.LastAuthUserName(), Value: username, Attrs: c.Attributes(CookieLastAuthUser, host, now)},
	)
	return out
}

// ClearUserCookies expires exactly the known session cookies of username.
func (c *CookieCodec) ClearUserCookies(username, host string, now time.Time) []SetCookie {
	out := make([]SetCookie, 0, len(sessionKinds)+1)
	for _, kind := range sessionKinds {
		out = append(out, SetCookie{Name: c.SessionName(username, kind), Attrs: Expire(c.Attributes(kind, host, now))})
	}
	out = append(out, SetCookie{Name: c.LastAuthUserName(), Attrs: Expire(c.Attributes(CookieLastAuthUser, host, now))})
	return out
}

// ClearPrefixed expires every request cookie whose name starts with the app prefix.
func (c *CookieCodec) ClearPrefixed(cookies map[string]string, host string, now time.Time) []SetCookie {
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		if strings.HasPrefix(name, c.Prefix()+".") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]SetCookie, 0, len(names))
	for _, name := range names {
		kind := CookieKind(name[strings.LastIndex(name, ".")+1:])
		out = append(out, SetCookie{Name: name, Attrs: Expire(c.Attributes(kind, host, now))})
	}
	return out
}

// CSRFCookies returns the cookies carrying a freshly generated CSRF state.
func (c *CookieCodec) CSRFCookies(st CSRFState, host string, now time.Time) []SetCookie {
	return []SetCookie{
		{Name: c.CSRFName(CookiePKCE), Value: st.PKCEVerifier, Attrs: c.Attributes(CookiePKCE, host, now)},
		{Name: c.CSRFName(CookieNonce), Value: st.Nonce, Attrs: c.Attributes(CookieNonce, host, now)},
		{Name: c.CSRFName(CookieNonceHMAC), Value: st.NonceHMAC, Attrs: c.Attributes(CookieNonceHMAC, host, now)},
	}
}

// ClearCSRFCookies expires the CSRF cookies.
func (c *CookieCodec) ClearCSRFCookies(host string, now time.Time) []SetCookie {
	out := make([]SetCookie, 0, len(csrfKinds))
	for _, kind := range csrfKinds {
		out = append(out, SetCookie{Name: c.CSRFName(kind), Attrs: Expire(c.Attributes(kind, host, now))})
	}
	return out
}

// ParseCookies reads every Cookie header into a name/value map. The first occurrence of a
// name wins. Malformed pairs are skipped so they read as absent.
func ParseCookies(headers []string) map[string]string {
	out := make(map[string]string)
	for _, header := range headers {
		for _, part := range strings.Split(header, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, value, ok := strings.Cut(part, "=")
			name = strings.TrimSpace(name)
			if !ok || name == "" {
				continue
			}
			value = strings.TrimSpace(value)
			if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
				value = value[1 : len(value)-1]
			}
			if strings.Contains(value, "%") {
				if decoded, err := url.PathUnescape(value); err == nil {
					value = decoded
				}
			}
			if _, seen := out[name]; !seen {
				out[name] = value
			}
		}
	}
	return out
}

// SerializeCookie renders a Set-Cookie value.
func SerializeCookie(name, value string, attrs CookieAttributes) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(escapeCookie(value))
	if attrs.Domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(attrs.Domain)
	}
	if attrs.Path != "" {
		b.WriteString("; Path=")
		b.WriteString(attrs.Path)
	}
	if !attrs.Expires.IsZero() {
		b.WriteString("; Expires=")
		b.WriteString(attrs.Expires.UTC().Format(cookieTimeFormat))
	}
	if attrs.Secure {
		b.WriteString("; Secure")
	}
	if attrs.HTTPOnly {
		b.WriteString("; HttpOnly")
	}
	if attrs.SameSite != "" {
		b.WriteString("; SameSite=")
		b.WriteString(attrs.SameSite)
	}
	return b.String()
}

const cookieTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// escapeCookie percent-encodes bytes outside the RFC 6265 cookie-octet set, and '%'.
func escapeCookie(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if isCookieOctet(ch) {
			b.WriteByte(ch)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[ch>>4])
		b.WriteByte(hex[ch&0x0f])
	}
	return b.String()
}

func isCookieOctet(ch byte) bool {
	switch {
	case ch == '%':
		return false
	case ch == 0x21, ch >= 0x23 && ch <= 0x2B, ch >= 0x2D && ch <= 0x3A, ch >= 0x3C && ch <= 0x5B, ch >= 0x5D && ch <= 0x7E:
		return true
	}
	return false
}

func parseSameSite(v string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return "Strict", true
	case "lax":
		return "Lax", true
	case "none":
		return "None", true
	}
	return "", false
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func hostWithoutPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
