// Package observability wires OpenTelemetry metrics through a Prometheus
// exporter: one meter for the signals the generation pipeline needs, a
// time-to-first-token histogram, a token counter, a tokens-per-second
// histogram and an error counter, each dimensioned by provider or error
// type.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Metrics holds the instruments the generation pipeline records against.
type Metrics struct {
	provider        *sdkmetric.MeterProvider
	ttf             metric.Float64Histogram
	tokens          metric.Int64Counter
	tokensPerSecond metric.Float64Histogram
	errors          metric.Int64Counter
}

// New builds the meter provider (with a Prometheus exporter reachable via
// Handler) and registers the generation instruments.
func New(ctx context.Context, serviceName string) (*Metrics, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	meter := provider.Meter("ragstream/generation")

	ttf, err := meter.Float64Histogram(
		"generation.ttf",
		metric.WithDescription("time to first token, seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	tokens, err := meter.Int64Counter(
		"generation.tokens",
		metric.WithDescription("tokens emitted across all prompts"),
	)
	if err != nil {
		return nil, err
	}

	tokensPerSecond, err := meter.Float64Histogram(
		"generation.tokens_per_second",
		metric.WithDescription("per-prompt emission rate"),
	)
	if err != nil {
		return nil, err
	}

	errs, err := meter.Int64Counter(
		"generation.errors",
		metric.WithDescription("generation errors by type"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		provider:        provider,
		ttf:             ttf,
		tokens:          tokens,
		tokensPerSecond: tokensPerSecond,
		errors:          errs,
	}, nil
}

// Handler returns the Prometheus scrape handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// RecordTimeToFirstToken records the latency from stream start to the
// first token, dimensioned by provider name.
func (m *Metrics) RecordTimeToFirstToken(ctx context.Context, providerName string, d time.Duration) {
	m.ttf.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("provider", providerName)))
}

// RecordToken increments the token counter for one emitted token.
func (m *Metrics) RecordToken(ctx context.Context, providerName string) {
	m.tokens.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", providerName)))
}

// RecordTokensPerSecond records a completed prompt's overall emission
// rate.
func (m *Metrics) RecordTokensPerSecond(ctx context.Context, providerName string, rate float64) {
	m.tokensPerSecond.Record(ctx, rate, metric.WithAttributes(attribute.String("provider", providerName)))
}

// RecordError increments the error counter for (providerName, errorType)
// (errorType is a ragerr.Code string). providerName may be empty for
// failures observed before a model provider was selected (e.g. a degraded
// embedding lookup during context retrieval).
func (m *Metrics) RecordError(ctx context.Context, providerName, errorType string) {
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", providerName),
		attribute.String("errorType", errorType),
	))
}
