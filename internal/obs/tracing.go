// Package obs wires OpenTelemetry tracing for the request paths spec §6
// calls out by name ("OpenTelemetry spans wrap the ingest pipeline and the
// remote forecast client call"). It owns TracerProvider construction and
// shutdown; it does not own Prometheus (internal/httpapi registers and
// serves those metrics directly, matching the teacher's single-process
// metrics convention).
package obs

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config parameterizes the tracer provider. An empty SampleRatio defaults to
// always-on sampling, appropriate for a service that does not yet export
// spans anywhere but wants the instrumentation points wired and ready.
type Config struct {
	ServiceName    string
	ServiceVersion string
	SampleRatio    float64
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "sentrypulse"
	}
	if c.SampleRatio <= 0 {
		c.SampleRatio = 1.0
	}
}

// Provider wraps the SDK tracer provider so callers can Shutdown cleanly on
// process exit without reaching into the otel globals directly.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider builds a TracerProvider, registers it as the global provider,
// and returns a handle for graceful shutdown.
func NewProvider(cfg Config) (*Provider, error) {
	cfg.applyDefaults()

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp}, nil
}

// Shutdown flushes and stops the tracer provider. Safe to call on a nil
// *Provider (e.g. when tracing was never configured).
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the named tracer from the global provider, following the
// teacher's one-named-logger-per-component convention (zap.Named) applied
// to tracers instead.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
