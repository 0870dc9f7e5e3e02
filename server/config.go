package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Cookie and CSRF defaults
const (
	DefaultCookieExpirationDays = 365
	MaxCookieExpirationDays     = 3650
	DefaultCSRFCookieTTL        = time.Hour
)

var pathPattern = regexp.MustCompile(`^/[a-zA-Z0-9\-/_.]+$`)

// Config captures the full gateway configuration loaded from YAML and environment variables.
// It is validated once at startup and never mutated afterwards.
type Config struct {
	Server         ServerConfig  `yaml:"server"`
	UserPool       UserPool      `yaml:"user_pool"`
	Cookies        CookieConfig  `yaml:"cookies"`
	CSRFProtection *CSRFConfig   `yaml:"csrf_protection,omitempty"`
	Logout         *LogoutConfig `yaml:"logout,omitempty"`
	ParseAuthPath  string        `yaml:"parse_auth_path,omitempty"`
	Proxy          ProxyConfig   `yaml:"proxy"`
}

// ServerConfig controls listener, TLS, and the explicit flow paths.
type ServerConfig struct {
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	TLS             TLSConfig `yaml:"tls"`
	SignInPath      string    `yaml:"sign_in_path,omitempty"`
	RefreshPath     string    `yaml:"refresh_path,omitempty"`
	SignOutPath     string    `yaml:"sign_out_path,omitempty"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// UserPool identifies the hosted identity provider and the app registration.
type UserPool struct {
	Region    string `yaml:"region"`
	ID        string `yaml:"id"`
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret,omitempty"`
	Domain    string `yaml:"domain"`
	// JWKSFile pins the signing keys to a local JSON Web Key Set instead of fetching them.
	JWKSFile string `yaml:"jwks_file,omitempty"`
}

// CookieConfig is the cookie policy applied to every cookie the gateway writes.
type CookieConfig struct {
	ExpirationDays int                     `yaml:"expiration_days"`
	DisableDomain  bool                    `yaml:"disable_domain"`
	Domain         string                  `yaml:"domain,omitempty"`
	HTTPOnly       bool                    `yaml:"http_only"`
	SameSite       string                  `yaml:"same_site,omitempty"`
	Path           string                  `yaml:"path,omitempty"`
	Overrides      CookieSettingsOverrides `yaml:"overrides"`
}

// CookieSettingsOverrides holds optional per-kind attribute overrides.
type CookieSettingsOverrides struct {
	IDToken      *CookieSettings `yaml:"id_token,omitempty"`
	AccessToken  *CookieSettings `yaml:"access_token,omitempty"`
	RefreshToken *CookieSettings `yaml:"refresh_token,omitempty"`
	CSRFTokens   *CookieSettings `yaml:"csrf_tokens,omitempty"`
}

// CookieSettings overrides individual attributes. Nil fields leave the base value untouched.
type CookieSettings struct {
	ExpirationDays *int    `yaml:"expiration_days,omitempty"`
	Path           *string `yaml:"path,omitempty"`
	HTTPOnly       *bool   `yaml:"http_only,omitempty"`
	SameSite       *string `yaml:"same_site,omitempty"`
}

// CSRFConfig enables nonce/PKCE protection of the authorization code exchange.
type CSRFConfig struct {
	NonceSigningSecret string `yaml:"nonce_signing_secret"`
}

// LogoutConfig routes a path on the protected site to sign-out handling.
type LogoutConfig struct {
	LogoutURI         string `yaml:"logout_uri"`
	LogoutRedirectURI string `yaml:"logout_redirect_uri,omitempty"`
}

// ProxyConfig defines the origins requests are forwarded to once authenticated.
type ProxyConfig struct {
	Routes []ProxyRoute `yaml:"routes"`
}

// ProxyRoute maps a hostname to an origin. Host "*" matches any host.
type ProxyRoute struct {
	Host               string `yaml:"host"`
	Target             string `yaml:"target"`
	PreserveHost       bool   `yaml:"preserve_host"`
	Timeout            string `yaml:"timeout,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir: ".secrets/tls",
			},
		},
		Cookies: CookieConfig{
			ExpirationDays: DefaultCookieExpirationDays,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"EDGEGATE_USER_POOL_APP_SECRET":   func(v string) { cfg.UserPool.AppSecret = v },
		"EDGEGATE_USER_POOL_DOMAIN":       func(v string) { cfg.UserPool.Domain = v },
		"EDGEGATE_SERVER_DEV_MODE":        func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"EDGEGATE_SERVER_DEV_LISTEN_ADDR": func(v string) { cfg.Server.DevListenAddr = v },
		"EDGEGATE_SERVER_TLS_DOMAINS":     func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"EDGEGATE_SERVER_TLS_EMAIL":       func(v string) { cfg.Server.TLS.Email = v },
		"EDGEGATE_CSRF_SECRET": func(v string) {
			if cfg.CSRFProtection == nil {
				cfg.CSRFProtection = &CSRFConfig{}
			}
			cfg.CSRFProtection.NonceSigningSecret = v
		},
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
}

// Validate reports every missing or malformed setting the gateway needs.
func (c Config) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"user_pool.region", c.UserPool.Region},
		{"user_pool.id", c.UserPool.ID},
		{"user_pool.app_id", c.UserPool.AppID},
		{"user_pool.domain", c.UserPool.Domain},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			slog.Error("Missing required configuration", "field", r.field)
			return invalid("%s is required", r.field)
		}
	}

	if c.Cookies.ExpirationDays <= 0 || c.Cookies.ExpirationDays > MaxCookieExpirationDays {
		slog.Error("Invalid configuration value", "field", "cookies.expiration_days", "value", c.Cookies.ExpirationDays)
		return invalid("cookies.expiration_days must be between 1 and %d, got: %d", MaxCookieExpirationDays, c.Cookies.ExpirationDays)
	}

	if c.Cookies.SameSite != "" {
		if _, ok := parseSameSite(c.Cookies.SameSite); !ok {
			slog.Error("Invalid configuration value", "field", "cookies.same_site", "value", c.Cookies.SameSite, "valid_values", []string{"Strict", "Lax", "None"})
			return invalid("cookies.same_site must be one of Strict, Lax, None, got: %s", c.Cookies.SameSite)
		}
	}

	overrides := map[string]*CookieSettings{
		"id_token":      c.Cookies.Overrides.IDToken,
		"access_token":  c.Cookies.Overrides.AccessToken,
		"refresh_token": c.Cookies.Overrides.RefreshToken,
		"csrf_tokens":   c.Cookies.Overrides.CSRFTokens,
	}
	for name, o := range overrides {
		if o == nil {
			continue
		}
		if o.SameSite != nil {
			if _, ok := parseSameSite(*o.SameSite); !ok {
				slog.Error("Invalid cookie override", "field", "cookies.overrides."+name+".same_site", "value", *o.SameSite)
				return invalid("cookies.overrides.%s.same_site must be one of Strict, Lax, None, got: %s", name, *o.SameSite)
			}
		}
		if o.ExpirationDays != nil && (*o.ExpirationDays <= 0 || *o.ExpirationDays > MaxCookieExpirationDays) {
			slog.Error("Invalid cookie override", "field", "cookies.overrides."+name+".expiration_days", "value", *o.ExpirationDays)
			return invalid("cookies.overrides.%s.expiration_days must be between 1 and %d", name, MaxCookieExpirationDays)
		}
	}

	if c.CSRFProtection != nil && c.CSRFProtection.NonceSigningSecret == "" {
		slog.Error("Missing required configuration", "field", "csrf_protection.nonce_signing_secret")
		return invalid("csrf_protection.nonce_signing_secret is required when csrf_protection is set")
	}

	if c.Logout != nil && !pathPattern.MatchString(c.Logout.LogoutURI) {
		slog.Error("Invalid logout configuration", "field", "logout.logout_uri", "value", c.Logout.LogoutURI)
		return invalid("logout.logout_uri must be a non-empty path starting with '/', got: %q", c.Logout.LogoutURI)
	}

	paths := []struct {
		field string
		value string
	}{
		{"parse_auth_path", c.ParseAuthPath},
		{"server.sign_in_path", c.Server.SignInPath},
		{"server.refresh_path", c.Server.RefreshPath},
		{"server.sign_out_path", c.Server.SignOutPath},
	}
	for _, p := range paths {
		if p.value != "" && !pathPattern.MatchString(normalizePath(p.value)) {
			slog.Error("Invalid path configuration", "field", p.field, "value", p.value)
			return invalid("%s must be a path of letters, digits, '-', '_', '.' and '/', got: %q", p.field, p.value)
		}
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return invalid("server.tls.domains must be provided in production")
	}

	for i, route := range c.Proxy.Routes {
		if route.Host == "" {
			slog.Error("Proxy route missing host", "index", i)
			return invalid("proxy.routes[%d]: host is required", i)
		}
		if !strings.HasPrefix(route.Target, "http://") && !strings.HasPrefix(route.Target, "https://") {
			slog.Error("Invalid proxy target URL", "host", route.Host, "target", route.Target, "reason", "must be a valid HTTP(S) URL")
			return invalid("proxy.routes[%d] (%s): target must start with http:// or https://, got: %s", i, route.Host, route.Target)
		}
		if route.Timeout != "" {
			if _, err := time.ParseDuration(route.Timeout); err != nil {
				slog.Error("Invalid proxy route timeout", "host", route.Host, "timeout", route.Timeout, "error", err)
				return invalid("proxy.routes[%d] (%s): invalid timeout duration '%s': %v", i, route.Host, route.Timeout, err)
			}
		}
	}

	return nil
}

// CSRFEnabled reports whether nonce/PKCE protection is configured.
func (c Config) CSRFEnabled() bool {
	return c.CSRFProtection != nil && c.CSRFProtection.NonceSigningSecret != ""
}

// Issuer is the token issuer URL of the user pool.
func (c Config) Issuer() string {
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", c.UserPool.Region, c.UserPool.ID)
}

// JWKSURL is where the user pool publishes its signing keys.
func (c Config) JWKSURL() string {
	return c.Issuer() + "/.well-known/jwks.json"
}

// ProviderBaseURL returns the hosted domain as an absolute URL.
func (c Config) ProviderBaseURL() string {
	domain := strings.TrimSuffix(c.UserPool.Domain, "/")
	if strings.Contains(domain, "://") {
		return domain
	}
	return "https://" + domain
}

// normalizePath ensures a configured path has exactly one leading slash.
func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	return "/" + strings.TrimLeft(p, "/")
}
