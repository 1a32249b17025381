package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects where (and whether) the kernel exports telemetry.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string        // OTLP/gRPC collector, e.g. "localhost:4317"
	SampleRate     float64       // trace sampling ratio, 0.0-1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // plaintext collector connection (dev only)
}

// DefaultConfig exports everything to a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "lattice",
		ServiceVersion: "0.1.0",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider owns the kernel's OpenTelemetry wiring: trace-context
// propagation for the HTTP trigger, the OTLP exporters, and the request
// metrics the trigger and outbound interceptor record. Every Record*
// method is nil-safe and a no-op when telemetry is disabled, so call
// sites never guard.
type Provider struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider

	triggerRequests metric.Int64Counter
	triggerErrors   metric.Int64Counter
	triggerDuration metric.Float64Histogram
	outboundResults metric.Int64Counter
}

// New configures the global tracer/meter providers and text-map
// propagator, and builds the kernel's instruments. A disabled config
// returns a Provider whose every method is a no-op. Exporters connect
// lazily, so a missing collector surfaces as dropped batches, never as a
// startup failure.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{}
	if !config.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: building resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.traces = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(config.BatchTimeout)),
	)
	otel.SetTracerProvider(p.traces)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.metrics = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
	)
	otel.SetMeterProvider(p.metrics)

	meter := p.metrics.Meter("lattice.kernel")
	if p.triggerRequests, err = meter.Int64Counter("lattice.trigger.requests",
		metric.WithDescription("Requests dispatched to a component by the HTTP trigger"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if p.triggerErrors, err = meter.Int64Counter("lattice.trigger.errors",
		metric.WithDescription("Dispatched requests that ended in a 5xx response"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if p.triggerDuration, err = meter.Float64Histogram("lattice.trigger.duration",
		metric.WithDescription("End-to-end component invocation latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if p.outboundResults, err = meter.Int64Counter("lattice.outbound.requests",
		metric.WithDescription("Guest-originated outbound requests by allow-list decision"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}

	return p, nil
}

// RecordTriggerRequest records one dispatched request: count, latency,
// and an error count for 5xx outcomes.
func (p *Provider) RecordTriggerRequest(ctx context.Context, componentID, pattern, abi string, status int, d time.Duration) {
	if p == nil || p.triggerRequests == nil {
		return
	}
	attrs := append(RouteAttributes(componentID, pattern, abi),
		attribute.Int("http.response.status_code", status))
	opt := metric.WithAttributes(attrs...)
	p.triggerRequests.Add(ctx, 1, opt)
	p.triggerDuration.Record(ctx, d.Seconds(), opt)
	if status >= 500 {
		p.triggerErrors.Add(ctx, 1, opt)
	}
}

// RecordOutboundDecision records one allow-list decision on the egress
// path.
func (p *Provider) RecordOutboundDecision(ctx context.Context, host string, allowed bool) {
	if p == nil || p.outboundResults == nil {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	p.outboundResults.Add(ctx, 1, metric.WithAttributes(OutboundAttributes(host, decision)...))
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.traces != nil {
		errs = append(errs, p.traces.Shutdown(ctx))
	}
	if p.metrics != nil {
		errs = append(errs, p.metrics.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
