package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

type gateLogKey struct{}

// gateLog collects what the gateway decided for one request. It is written by the flow
// handler and read by LoggingMiddleware after the handler returns.
type gateLog struct {
	requestID string
	flow      string
	action    string
}

func gateLogFrom(ctx context.Context) *gateLog {
	if l, ok := ctx.Value(gateLogKey{}).(*gateLog); ok {
		return l
	}
	return nil
}

// noteDecision records the flow that handled the request and the action it took.
func noteDecision(ctx context.Context, flow string, action Action) {
	if l := gateLogFrom(ctx); l != nil {
		l.flow = flow
		l.action = action.String()
	}
}

// RequestIDMiddleware attaches a request ID for traceability.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = randomID()
		}
		r = r.WithContext(context.WithValue(r.Context(), gateLogKey{}, &gateLog{requestID: reqID}))
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware emits one http_request line per request with the flow decision and the
// number of cookies the gateway set. Query strings are not logged since callbacks carry
// authorization codes.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			attrs := []any{
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"host", r.Host,
				"path", r.URL.Path,
				"status", rec.status,
				"cookies_set", len(rec.Header().Values("Set-Cookie")),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if l := gateLogFrom(r.Context()); l != nil && l.flow != "" {
				attrs = append(attrs, "flow", l.flow, "action", l.action)
			}
			logger.Info("http_request", attrs...)
		})
	}
}

// RecoveryMiddleware turns panics into 500s.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic", "error", err, "path", r.URL.Path)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware enforces HSTS on TLS connections.
func SecurityHeadersMiddleware(maxAge int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security",
					fmt.Sprintf("max-age=%d; includeSubDomains", maxAge))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDFromContext extracts the request ID.
func RequestIDFromContext(ctx context.Context) string {
	if l := gateLogFrom(ctx); l != nil {
		return l.requestID
	}
	return ""
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(buf)
}
