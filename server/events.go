package server

import (
	"net/http"
	"net/url"
	"strings"
)

// Request is the inbound event: path, raw query string and headers (notably Cookie and Host).
type Request struct {
	URI         string
	QueryString string
	Headers     http.Header
}

// Host returns the first Host header value.
func (r Request) Host() string {
	return r.Headers.Get("Host")
}

// Scheme returns the externally visible scheme, https unless a proxy said otherwise.
func (r Request) Scheme() string {
	if proto := strings.ToLower(r.Headers.Get("X-Forwarded-Proto")); proto == "http" || proto == "https" {
		return proto
	}
	return "https"
}

// Query parses the query string. Malformed pairs are dropped.
func (r Request) Query() url.Values {
	q, _ := url.ParseQuery(r.QueryString)
	return q
}

// Cookies parses all Cookie headers.
func (r Request) Cookies() map[string]string {
	return ParseCookies(r.Headers.Values("Cookie"))
}

// RequestURI is the path plus query string, as the browser requested it.
func (r Request) RequestURI() string {
	if r.QueryString == "" {
		return r.URI
	}
	return r.URI + "?" + r.QueryString
}

// SiteRoot is the absolute URL of the protected site's root.
func (r Request) SiteRoot() string {
	return r.Scheme() + "://" + r.Host() + "/"
}

// Response is the outbound event returned instead of forwarding.
type Response struct {
	Status  int
	Headers http.Header
	Body    string
}

// Action tells the transport what to do with a Result.
type Action int

const (
	// ActionForward sends the original request to the origin untouched.
	ActionForward Action = iota
	// ActionRespond returns Response to the client.
	ActionRespond
)

func (a Action) String() string {
	if a == ActionForward {
		return "forward"
	}
	return "respond"
}

// Result is the outcome of a flow.
type Result struct {
	Action   Action
	Request  Request
	Response Response
}

func forward(req Request) Result {
	return Result{Action: ActionForward, Request: req}
}

func respond(resp Response) Result {
	return Result{Action: ActionRespond, Response: resp}
}

// redirect builds an uncacheable 302 carrying cookies.
func redirect(location string, cookies ...[]SetCookie) Response {
	h := http.Header{}
	h.Set("Location", location)
	h.Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	h.Set("Pragma", "no-cache")
	for _, group := range cookies {
		for _, c := range group {
			h.Add("Set-Cookie", c.String())
		}
	}
	return Response{Status: http.StatusFound, Headers: h}
}

func badRequest(description string, cookies ...[]SetCookie) Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	h.Set("Pragma", "no-cache")
	for _, group := range cookies {
		for _, c := range group {
			h.Add("Set-Cookie", c.String())
		}
	}
	return Response{Status: http.StatusBadRequest, Headers: h, Body: description}
}

// safeDestination accepts relative paths and absolute URLs on host. Anything else,
// including protocol-relative and backslash tricks, resolves to the site root.
func safeDestination(raw string, req Request) string {
	root := req.SiteRoot()
	if raw == "" {
		return root
	}
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") && !strings.HasPrefix(raw, "/\\") {
		return req.Scheme() + "://" + req.Host() + raw
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return root
	}
	if !strings.EqualFold(u.Host, req.Host()) {
		return root
	}
	return u.String()
}
