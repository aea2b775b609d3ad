// Package observability exposes engine metrics through the OpenTelemetry
// metric SDK with a Prometheus exporter.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the engine instruments. A zero-value Metrics (disabled
// config) is safe to use; all record methods become no-ops.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	turnDuration metric.Float64Histogram
	decisions    metric.Int64Counter
	oracleCalls  metric.Int64Counter
	oracleErrors metric.Int64Counter
	oracleTokens metric.Int64Counter
}

// InitMetrics creates the meter provider and instruments. When disabled it
// returns an inert Metrics.
func InitMetrics(ctx context.Context, enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	meter := provider.Meter("vetta")

	turnDuration, err := meter.Float64Histogram(
		"vetta_turn_duration_seconds",
		metric.WithDescription("Turn pipeline duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn duration histogram: %w", err)
	}

	decisions, err := meter.Int64Counter(
		"vetta_decisions_total",
		metric.WithDescription("Total flow decisions by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	oracleCalls, err := meter.Int64Counter(
		"vetta_oracle_calls_total",
		metric.WithDescription("Total oracle invocations by route"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle calls counter: %w", err)
	}

	oracleErrors, err := meter.Int64Counter(
		"vetta_oracle_errors_total",
		metric.WithDescription("Total oracle failures by route"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle errors counter: %w", err)
	}

	oracleTokens, err := meter.Int64Counter(
		"vetta_oracle_tokens_total",
		metric.WithDescription("Total tokens exchanged with oracles"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle tokens counter: %w", err)
	}

	return &Metrics{
		registry:     registry,
		provider:     provider,
		turnDuration: turnDuration,
		decisions:    decisions,
		oracleCalls:  oracleCalls,
		oracleErrors: oracleErrors,
		oracleTokens: oracleTokens,
	}, nil
}

// Handler serves the Prometheus scrape endpoint. Nil when disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordTurn records one pipeline run.
func (m *Metrics) RecordTurn(ctx context.Context, duration time.Duration, decision string) {
	if m == nil || m.provider == nil {
		return
	}
	m.turnDuration.Record(ctx, duration.Seconds())
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// RecordOracleCall records one oracle invocation.
func (m *Metrics) RecordOracleCall(ctx context.Context, route string, err error, tokens int64) {
	if m == nil || m.provider == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("route", route))
	m.oracleCalls.Add(ctx, 1, attrs)
	if err != nil {
		m.oracleErrors.Add(ctx, 1, attrs)
	}
	if tokens > 0 {
		m.oracleTokens.Add(ctx, tokens, attrs)
	}
}
