package server

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the gateway's metric instruments.
type Metrics struct {
	FlowOutcomes   metric.Int64Counter
	TokenExchanges metric.Int64Counter
	Revocations    metric.Int64Counter
	CSRFFailures   metric.Int64Counter
}

// NewMetrics registers the instruments on meter. A nil meter yields no-op instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("edgegate")
	}
	m := &Metrics{}

	var err error
	m.FlowOutcomes, err = meter.Int64Counter(
		"edgegate.flow.outcomes",
		metric.WithDescription("Requests handled per flow and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.outcomes counter: %w", err)
	}

	m.TokenExchanges, err = meter.Int64Counter(
		"edgegate.token.exchanges",
		metric.WithDescription("Token endpoint calls per grant type and result"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.exchanges counter: %w", err)
	}

	m.Revocations, err = meter.Int64Counter(
		"edgegate.token.revocations",
		metric.WithDescription("Refresh token revocations per result"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revocations counter: %w", err)
	}

	m.CSRFFailures, err = meter.Int64Counter(
		"edgegate.csrf.failures",
		metric.WithDescription("CSRF validation failures per kind"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.failures counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordOutcome(ctx context.Context, flow, outcome string) {
	m.FlowOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow", flow),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) recordExchange(ctx context.Context, grant string, err error) {
	m.TokenExchanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grant),
		attribute.Bool("success", err == nil),
	))
}

func (m *Metrics) recordRevoke(ctx context.Context, err error) {
	m.Revocations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", err == nil)))
}

func (m *Metrics) recordCSRFFailure(ctx context.Context, err error) {
	m.CSRFFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(KindOf(err)))))
}
