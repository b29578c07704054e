package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

// Init configures the global tracer provider. When endpoint is empty the
// provider exports to a no-op console exporter so spans stay cheap in dev.
// Returns a shutdown func that flushes pending spans.
func Init(ctx context.Context, serviceName, endpoint, protocol string) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	if endpoint == "" {
		exporter = &exporters.ConsoleExporter{}
	} else {
		cfg := exporters.DefaultOTLPConfig()
		cfg.Endpoint = endpoint
		if protocol != "" {
			cfg.Protocol = protocol
		}
		otlp, err := exporters.NewOTLPExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		exporter = otlp
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	SetTracer(provider.Tracer(serviceName))

	return provider.Shutdown, nil
}
