package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

const hstsMaxAge = 31536000

// Gateway serves the flows over net/http and forwards authenticated requests to origin.
type Gateway struct {
	Config Config
	Flow   *FlowController
	Origin http.Handler
	Logger *slog.Logger
}

// NewGateway wires a gateway. A nil origin answers forwarded requests with 502.
func NewGateway(cfg Config, flow *FlowController, origin http.Handler, logger *slog.Logger) *Gateway {
	if origin == nil {
		origin = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		})
	}
	return &Gateway{Config: cfg, Flow: flow, Origin: origin, Logger: logger}
}

type flowFunc func(context.Context, Request) Result

// Routes constructs the HTTP router. Configured flow paths are matched first; every other
// request goes through the default gate.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(g.Logger))
	r.Use(RecoveryMiddleware(g.Logger))
	if !g.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(hstsMaxAge))
	}

	if p := normalizePath(g.Config.Server.SignInPath); p != "" {
		r.Handle(p, g.serve("sign_in", g.Flow.HandleSignIn))
	}
	if p := normalizePath(g.Config.ParseAuthPath); p != "" {
		r.Handle(p, g.serve("parse_auth", g.Flow.HandleParseAuth))
	}
	if p := normalizePath(g.Config.Server.RefreshPath); p != "" {
		r.Handle(p, g.serve("refresh", g.Flow.HandleRefreshToken))
	}
	if p := normalizePath(g.Config.Server.SignOutPath); p != "" {
		r.Handle(p, g.serve("sign_out", g.Flow.HandleSignOut))
	}

	r.Handle("/*", g.serve("handle", g.Flow.Handle))
	return r
}

func (g *Gateway) serve(name string, flow flowFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := flow(r.Context(), RequestFromHTTP(r))
		noteDecision(r.Context(), name, res.Action)
		if res.Action == ActionForward {
			g.Origin.ServeHTTP(w, r)
			return
		}
		WriteResponse(w, res.Response)
	}
}

// RequestFromHTTP converts an http.Request into a flow Request. The Host header is set from
// r.Host and X-Forwarded-Proto reflects the connection unless a proxy already set it.
func RequestFromHTTP(r *http.Request) Request {
	h := r.Header.Clone()
	h.Set("Host", r.Host)
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else if h.Get("X-Forwarded-Proto") == "" {
		h.Set("X-Forwarded-Proto", "http")
	}
	return Request{URI: r.URL.Path, QueryString: r.URL.RawQuery, Headers: h}
}

// WriteResponse writes a flow Response.
func WriteResponse(w http.ResponseWriter, resp Response) {
	for name, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		_, _ = io.WriteString(w, resp.Body)
	}
}
