// Package tracing bootstraps Orca's OpenTelemetry tracer provider so every
// scheduler tick and dispatch emits spans the way
// internal/domain/agent/react.startReactSpan expects a globally-registered
// provider to already exist in the teacher. Unlike the teacher, which never
// wires the provider itself, Orca owns the full bootstrap: an exporter is
// selected by name from the corpus's declared otel exporter set (OTLP over
// HTTP by default, Jaeger or Zipkin as alternates) and registered as the
// process-wide default.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporter names the backend a Config selects.
type Exporter string

const (
	ExporterOTLP   Exporter = "otlp"
	ExporterJaeger Exporter = "jaeger"
	ExporterZipkin Exporter = "zipkin"
	ExporterNone   Exporter = "none"
)

// Config selects and configures the trace exporter.
type Config struct {
	Exporter       Exporter
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is the collector host:port for the otlp exporter (no
	// scheme), e.g. "localhost:4318".
	OTLPEndpoint string
	// JaegerEndpoint is the collector's HTTP Thrift endpoint for the jaeger
	// exporter, e.g. "http://localhost:14268/api/traces".
	JaegerEndpoint string
	// ZipkinEndpoint is the collector's span ingest endpoint for the zipkin
	// exporter, e.g. "http://localhost:9411/api/v2/spans".
	ZipkinEndpoint string

	// SampleRatio is the fraction of traces sampled ([0,1]); defaults to 1
	// (always sample) when zero.
	SampleRatio float64
}

// DefaultConfig returns OTLP-over-HTTP to a local collector, sampling every
// trace.
func DefaultConfig() Config {
	return Config{
		Exporter:     ExporterOTLP,
		ServiceName:  "orca",
		OTLPEndpoint: "localhost:4318",
		SampleRatio:  1,
	}
}

// Bootstrap builds the exporter named by cfg, registers a TracerProvider
// built from it as the global default, and returns a shutdown func that
// flushes and closes it. A Config.Exporter of ExporterNone registers a
// no-op provider, useful for tests and for running with tracing disabled.
func Bootstrap(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Exporter == ExporterNone || cfg.Exporter == "" {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: build %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(serviceNameOrDefault(cfg.ServiceName)),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return func(shutdownCtx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(shutdownCtx, 5*time.Second)
		defer cancel()
		return provider.Shutdown(shutdownCtx)
	}, nil
}

func serviceNameOrDefault(name string) string {
	if name == "" {
		return "orca"
	}
	return name
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLP:
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpointOrDefault(cfg.OTLPEndpoint, "localhost:4318")))
	case ExporterJaeger:
		endpoint := endpointOrDefault(cfg.JaegerEndpoint, "http://localhost:14268/api/traces")
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	case ExporterZipkin:
		endpoint := endpointOrDefault(cfg.ZipkinEndpoint, "http://localhost:9411/api/v2/spans")
		return zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}
}

func endpointOrDefault(endpoint, fallback string) string {
	if endpoint == "" {
		return fallback
	}
	return endpoint
}
