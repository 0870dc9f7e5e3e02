package server

import (
	"errors"
	"net/http"
	"testing"
)

func TestSafeDestination(t *testing.T) {
	req := newRequest("/", "")
	cases := map[string]string{
		"":                                 "https://app.example.com/",
		"/private?x=1":                     "https://app.example.com/private?x=1",
		"https://app.example.com/a":        "https://app.example.com/a",
		"https://APP.example.com/a":        "https://APP.example.com/a",
		"https://evil.example.net/":        "https://app.example.com/",
		"//evil.example.net/":              "https://app.example.com/",
		"/\\evil.example.net/":             "https://app.example.com/",
		"javascript:alert(1)":              "https://app.example.com/",
		"relative/path":                    "https://app.example.com/",
		"https://app.example.com.evil.io/": "https://app.example.com/",
	}
	for in, want := range cases {
		if got := safeDestination(in, req); got != want {
			t.Fatalf("safeDestination(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRequestScheme(t *testing.T) {
	req := newRequest("/", "")
	if req.Scheme() != "https" {
		t.Fatalf("default scheme = %q", req.Scheme())
	}
	req.Headers.Set("X-Forwarded-Proto", "HTTP")
	if req.Scheme() != "http" {
		t.Fatalf("forwarded scheme = %q", req.Scheme())
	}
	req.Headers.Set("X-Forwarded-Proto", "gopher")
	if req.Scheme() != "https" {
		t.Fatalf("unknown scheme accepted: %q", req.Scheme())
	}
}

func TestRedirectResponse(t *testing.T) {
	resp := redirect("https://app.example.com/", []SetCookie{{Name: "a", Value: "1"}}, nil, []SetCookie{{Name: "b", Value: "2"}})
	if resp.Status != http.StatusFound {
		t.Fatalf("status = %d", resp.Status)
	}
	if got := resp.Headers.Values("Set-Cookie"); len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Fatalf("Set-Cookie = %v", got)
	}
	if resp.Headers.Get("Pragma") != "no-cache" {
		t.Fatalf("missing Pragma header")
	}
}

func TestErrorDescription(t *testing.T) {
	err := newError(KindTokenExchange, "exchange code", "invalid_grant", errInternalForTest)
	if got := describe(err); got != "token exchange failed: invalid_grant" {
		t.Fatalf("describe = %q", got)
	}
	if got := describe(errInternalForTest); got != "request failed" {
		t.Fatalf("describe of plain error = %q", got)
	}
	if KindOf(errInternalForTest) != "" {
		t.Fatalf("plain error classified")
	}
}

var errInternalForTest = errors.New("dial tcp: connection refused")
