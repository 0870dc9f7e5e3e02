package server

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.UserPool = UserPool{
		Region: "us-east-1",
		ID:     "us-east-1_AbCdEf123",
		AppID:  "app123",
		Domain: "auth.example.com",
	}
	cfg.ParseAuthPath = "/parseauth"
	return cfg
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `# gateway for app.example.com
server:
  dev_mode: true
user_pool:
  region: eu-west-1
  id: eu-west-1_abc
  app_id: app123
  domain: auth.example.com
cookies:
  expiration_days: 30
  same_site: lax
  overrides:
    refresh_token:
      expiration_days: 90
parse_auth_path: parseauth
`)

	t.Setenv("EDGEGATE_USER_POOL_APP_SECRET", "from-env")
	t.Setenv("EDGEGATE_CSRF_SECRET", "signing-secret")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.UserPool.AppSecret != "from-env" {
		t.Fatalf("app secret override mismatch, got %q", cfg.UserPool.AppSecret)
	}
	if !cfg.CSRFEnabled() || cfg.CSRFProtection.NonceSigningSecret != "signing-secret" {
		t.Fatalf("csrf secret override mismatch, got %+v", cfg.CSRFProtection)
	}
	if cfg.Cookies.ExpirationDays != 30 {
		t.Fatalf("expiration days = %d", cfg.Cookies.ExpirationDays)
	}
	if o := cfg.Cookies.Overrides.RefreshToken; o == nil || o.ExpirationDays == nil || *o.ExpirationDays != 90 {
		t.Fatalf("refresh token override not decoded: %+v", o)
	}
	if cfg.Server.DevListenAddr != "127.0.0.1:8080" {
		t.Fatalf("default dev listen address lost, got %q", cfg.Server.DevListenAddr)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `user_pool:
  region: eu-west-1
  id: eu-west-1_abc
  app_id: app123
  domain: auth.example.com
  client_id: typo
`)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestConfigValidateRequiresUserPool(t *testing.T) {
	fields := map[string]func(*Config){
		"user_pool.region": func(c *Config) { c.UserPool.Region = "" },
		"user_pool.id":     func(c *Config) { c.UserPool.ID = "" },
		"user_pool.app_id": func(c *Config) { c.UserPool.AppID = " " },
		"user_pool.domain": func(c *Config) { c.UserPool.Domain = "" },
	}
	for field, mutate := range fields {
		cfg := validConfig()
		mutate(&cfg)
		err := cfg.Validate()
		if !errors.Is(err, ErrInvalidConfig) || !strings.Contains(err.Error(), field) {
			t.Fatalf("%s: expected invalid config error, got %v", field, err)
		}
	}
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	bad := "sometimes"
	zero := 0
	forever := 200000
	cases := map[string]func(*Config){
		"expiration":          func(c *Config) { c.Cookies.ExpirationDays = 0 },
		"expiration too long": func(c *Config) { c.Cookies.ExpirationDays = MaxCookieExpirationDays + 1 },
		"expiration overflow": func(c *Config) { c.Cookies.ExpirationDays = forever },
		"same_site":           func(c *Config) { c.Cookies.SameSite = "loose" },
		"override same_site":  func(c *Config) { c.Cookies.Overrides.IDToken = &CookieSettings{SameSite: &bad} },
		"override expiration": func(c *Config) { c.Cookies.Overrides.CSRFTokens = &CookieSettings{ExpirationDays: &zero} },
		"override overflow":   func(c *Config) { c.Cookies.Overrides.IDToken = &CookieSettings{ExpirationDays: &forever} },
		"csrf secret":         func(c *Config) { c.CSRFProtection = &CSRFConfig{} },
		"logout uri":          func(c *Config) { c.Logout = &LogoutConfig{LogoutURI: "logout"} },
		"parse auth path":     func(c *Config) { c.ParseAuthPath = "/parse auth" },
		"tls domains":         func(c *Config) { c.Server.DevMode = false },
		"proxy target":        func(c *Config) { c.Proxy.Routes = []ProxyRoute{{Host: "*", Target: "backend:3000"}} },
		"proxy timeout":       func(c *Config) { c.Proxy.Routes = []ProxyRoute{{Host: "*", Target: "http://backend", Timeout: "soon"}} },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected invalid config error, got %v", name, err)
		}
	}
}

func TestConfigValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := validConfig()
	cfg.CSRFProtection = &CSRFConfig{NonceSigningSecret: "secret"}
	cfg.Logout = &LogoutConfig{LogoutURI: "/logout", LogoutRedirectURI: "https://example.com/bye"}
	cfg.Server.SignInPath = "signin"
	cfg.Proxy.Routes = []ProxyRoute{{Host: "*", Target: "http://127.0.0.1:3000", Timeout: "5s"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
}

func TestConfigDerivedURLs(t *testing.T) {
	cfg := validConfig()
	if got, want := cfg.Issuer(), "https://cognito-idp.us-east-1.amazonaws.com/us-east-1_AbCdEf123"; got != want {
		t.Fatalf("Issuer() = %q, want %q", got, want)
	}
	if got, want := cfg.JWKSURL(), cfg.Issuer()+"/.well-known/jwks.json"; got != want {
		t.Fatalf("JWKSURL() = %q, want %q", got, want)
	}
	if got := cfg.ProviderBaseURL(); got != "https://auth.example.com" {
		t.Fatalf("ProviderBaseURL() = %q", got)
	}
	cfg.UserPool.Domain = "http://127.0.0.1:9000/"
	if got := cfg.ProviderBaseURL(); got != "http://127.0.0.1:9000" {
		t.Fatalf("ProviderBaseURL() with scheme = %q", got)
	}
	if cfg.CSRFEnabled() {
		t.Fatalf("csrf should be disabled without csrf_protection")
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":           "",
		"parseauth":  "/parseauth",
		"/parseauth": "/parseauth",
		"//a/b":      "/a/b",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	in := " a , ,b,, c "
	out := splitAndTrim(in)
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBool(t *testing.T) {
	if !parseBool("YES", false) || parseBool("off", true) || !parseBool("maybe", true) {
		t.Fatalf("parseBool returned unexpected values")
	}
}
