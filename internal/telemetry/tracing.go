package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig selects where spans are exported.
type TracingConfig struct {
	ServiceName string
	// JaegerEndpoint, when non-empty, exports via Jaeger's collector
	// HTTP endpoint (e.g. "http://localhost:14268/api/traces"). When
	// empty, spans are written to stdout, which is the default for
	// local runs and CI.
	JaegerEndpoint string
}

// InitTracing configures the global OpenTelemetry tracer provider and
// returns a shutdown func the caller must invoke before exit to flush
// pending spans.
func InitTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	var err error

	if cfg.JaegerEndpoint != "" {
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: create span exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// Tracer returns the named tracer from the globally configured provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
