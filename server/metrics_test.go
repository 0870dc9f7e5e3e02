package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider.Meter("edgegate-test"))
	if err != nil {
		t.Fatalf("NewMetrics returned error: %v", err)
	}
	return m, reader
}

// counterValue returns the value of the data point of counter name carrying exactly attrs.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	want := attribute.NewSet(attrs...)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if dp.Attributes.Equals(&want) {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestNewMetricsNilMeterIsNoop(t *testing.T) {
	m, err := NewMetrics(nil)
	if err != nil {
		t.Fatalf("NewMetrics returned error: %v", err)
	}
	ctx := context.Background()
	m.recordOutcome(ctx, "handle", "forward")
	m.recordExchange(ctx, "authorization_code", errors.New("boom"))
	m.recordRevoke(ctx, nil)
	m.recordCSRFFailure(ctx, newError(KindNonceMismatch, "validate csrf", "", nil))
}

func TestMetricsRecordAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.recordOutcome(ctx, "handle", "forward")
	m.recordOutcome(ctx, "handle", "forward")
	m.recordOutcome(ctx, "sign_in", "authorize_redirect")
	m.recordExchange(ctx, "authorization_code", nil)
	m.recordExchange(ctx, "refresh_token", errors.New("invalid_grant"))
	m.recordRevoke(ctx, nil)
	m.recordCSRFFailure(ctx, newError(KindNonceMismatch, "validate csrf", "", nil))
	m.recordCSRFFailure(ctx, newError(KindMissingPKCECookie, "validate csrf", "", nil))

	tests := []struct {
		name   string
		metric string
		attrs  []attribute.KeyValue
		want   int64
	}{
		{"forwarded", "edgegate.flow.outcomes", []attribute.KeyValue{attribute.String("flow", "handle"), attribute.String("outcome", "forward")}, 2},
		{"sign in redirect", "edgegate.flow.outcomes", []attribute.KeyValue{attribute.String("flow", "sign_in"), attribute.String("outcome", "authorize_redirect")}, 1},
		{"code exchange ok", "edgegate.token.exchanges", []attribute.KeyValue{attribute.String("grant_type", "authorization_code"), attribute.Bool("success", true)}, 1},
		{"refresh failed", "edgegate.token.exchanges", []attribute.KeyValue{attribute.String("grant_type", "refresh_token"), attribute.Bool("success", false)}, 1},
		{"refresh ok", "edgegate.token.exchanges", []attribute.KeyValue{attribute.String("grant_type", "refresh_token"), attribute.Bool("success", true)}, 0},
		{"revoked", "edgegate.token.revocations", []attribute.KeyValue{attribute.Bool("success", true)}, 1},
		{"nonce mismatch", "edgegate.csrf.failures", []attribute.KeyValue{attribute.String("kind", string(KindNonceMismatch))}, 1},
		{"pkce cookie", "edgegate.csrf.failures", []attribute.KeyValue{attribute.String("kind", string(KindMissingPKCECookie))}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := counterValue(t, reader, tt.metric, tt.attrs...); got != tt.want {
				t.Fatalf("%s%v = %d, want %d", tt.metric, tt.attrs, got, tt.want)
			}
		})
	}
}

func TestFlowControllerRecordsOutcomes(t *testing.T) {
	m, reader := newTestMetrics(t)
	cfg := validConfig()
	cfg.CSRFProtection = &CSRFConfig{NonceSigningSecret: "nonce-signing-secret"}
	fc := NewFlowController(cfg, &fakeVerifier{}, &fakeExchanger{}, testLogger(),
		WithClock(func() time.Time { return testNow }), WithMetrics(m))

	ctx := context.Background()
	fc.Handle(ctx, newRequest("/private", ""))
	nonce := fc.Cookies().CSRFName(CookieNonce) + "=n0nce"
	fc.HandleParseAuth(ctx, newRequest("/parseauth", "code=abc&state=!!!", nonce))

	if got := counterValue(t, reader, "edgegate.flow.outcomes",
		attribute.String("flow", "handle"), attribute.String("outcome", "authorize_redirect")); got != 1 {
		t.Fatalf("authorize redirects = %d, want 1", got)
	}
	if got := counterValue(t, reader, "edgegate.flow.outcomes",
		attribute.String("flow", "parse_auth"), attribute.String("outcome", "rejected")); got != 1 {
		t.Fatalf("rejected callbacks = %d, want 1", got)
	}
	if got := counterValue(t, reader, "edgegate.csrf.failures",
		attribute.String("kind", string(KindNonceMismatch))); got != 1 {
		t.Fatalf("csrf failures = %d, want 1", got)
	}
}
