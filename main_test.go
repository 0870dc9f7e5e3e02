package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-jose/go-jose/v3"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunCheckSuccess(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     "kid-1",
		Algorithm: "RS256",
		Use:       "sig",
	}}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	if err := runCheck(context.Background(), srv.URL+"/.well-known/jwks.json", discardLogger(), srv.Client()); err != nil {
		t.Fatalf("runCheck returned error: %v", err)
	}
}

func TestRunCheckFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := runCheck(context.Background(), srv.URL, discardLogger(), nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunCheckEmptyKeySet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"keys":[]}`)
	}))
	defer srv.Close()

	if err := runCheck(context.Background(), srv.URL, discardLogger(), nil); err == nil {
		t.Fatalf("expected error for empty key set")
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	answers := strings.Join([]string{
		"",                          // dev mode
		"",                          // dev listen address
		"eu-west-1abc",              // pool id, rejected
		"eu-west-1_abc123",          // pool id
		"",                          // region, derived from the pool id
		"app123",                    // app client id
		"",                          // app secret
		"https://auth.example.com/", // hosted domain
		"",                          // callback path
		"",                          // sign-in path
		"",                          // refresh path
		"",                          // sign-out path
		"",                          // csrf
		"",                          // origin
	}, "\n") + "\n"

	var out bytes.Buffer
	cfg, err := runSetup(path, strings.NewReader(answers), &out, discardLogger())
	if err != nil {
		t.Fatalf("runSetup returned error: %v", err)
	}
	if !cfg.Server.DevMode {
		t.Fatalf("expected dev mode")
	}
	if cfg.UserPool.ID != "eu-west-1_abc123" || cfg.UserPool.AppID != "app123" || cfg.UserPool.Region != "eu-west-1" {
		t.Fatalf("unexpected user pool %+v", cfg.UserPool)
	}
	if cfg.UserPool.Domain != "auth.example.com" {
		t.Fatalf("hosted domain = %q", cfg.UserPool.Domain)
	}
	if !strings.Contains(out.String(), "user pool IDs look like") {
		t.Fatalf("expected pool id hint in output %q", out.String())
	}
	if cfg.ParseAuthPath != "/parseauth" {
		t.Fatalf("parse auth path = %q", cfg.ParseAuthPath)
	}
	if !cfg.CSRFEnabled() || len(cfg.CSRFProtection.NonceSigningSecret) != 64 {
		t.Fatalf("expected generated csrf secret, got %+v", cfg.CSRFProtection)
	}
	if len(cfg.Proxy.Routes) != 1 || cfg.Proxy.Routes[0].Host != "*" {
		t.Fatalf("unexpected proxy routes %+v", cfg.Proxy.Routes)
	}

	if err := runConfigInit(path, discardLogger()); err == nil {
		t.Fatalf("expected init to refuse an existing config")
	}
}

func TestSetupAnswerNormalizers(t *testing.T) {
	if got := regionOf("ap-southeast-2_XyZ"); got != "ap-southeast-2" {
		t.Fatalf("regionOf = %q", got)
	}
	if got := regionOf("nounderscore"); got != "us-east-1" {
		t.Fatalf("regionOf fallback = %q", got)
	}
	for _, bad := range []string{"_abc", "us-east-1_", "us east_1", "https://x_y"} {
		if _, err := userPoolID(bad); err == nil {
			t.Fatalf("userPoolID(%q) accepted", bad)
		}
	}
	hosts := map[string]string{
		"auth.example.com":          "auth.example.com",
		"https://auth.example.com/": "auth.example.com",
		"http://localhost:9000":     "localhost:9000",
	}
	for in, want := range hosts {
		got, err := hostOnly(in)
		if err != nil || got != want {
			t.Fatalf("hostOnly(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := hostOnly("auth.example.com/login"); err == nil {
		t.Fatalf("expected path to be rejected")
	}
}

func TestPrompterDefaultsOnEOF(t *testing.T) {
	p := &prompter{in: bufio.NewReader(strings.NewReader("")), out: io.Discard}
	if !p.confirm("ok?", true) {
		t.Fatalf("confirm should return the default on EOF")
	}
	if got := p.text("path", "/signin"); got != "/signin" {
		t.Fatalf("text = %q", got)
	}
	if got := p.required("pool", userPoolID); got != "" {
		t.Fatalf("required on EOF = %q", got)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), discardLogger())
	if err == nil || !strings.Contains(err.Error(), "-config-cmd=init") {
		t.Fatalf("expected init hint, got %v", err)
	}
}

func TestRedirectToHTTPS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/a/b?x=1", nil)
	rec := httptest.NewRecorder()
	redirectToHTTPS(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "https://app.example.com/a/b?x=1" {
		t.Fatalf("location = %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
