// Package observability wires the global OpenTelemetry tracer provider.
// The query engine and the ingester pick the provider up through
// otel.Tracer, so a process that never calls Init simply produces no-op
// spans.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/magnetar-io/magnetar/pkg/magerrors"
)

// Config controls tracing initialization.
type Config struct {
	// ServiceName labels emitted spans.
	ServiceName string
	// ServiceVersion labels emitted spans.
	ServiceVersion string
	// Stdout pretty-prints finished spans to stdout, for development.
	Stdout bool
	// SamplingRate in [0, 1]; 0 never samples, 1 always.
	SamplingRate float64
}

// Init installs the global tracer provider and returns a shutdown function
// that flushes pending spans.
func Init(cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "magnetar"
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, magerrors.Wrap(err, magerrors.ErrorTypeInternal, "create otel resource")
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SamplingRate)),
	}
	if cfg.Stdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, magerrors.Wrap(err, magerrors.ErrorTypeInternal, "create stdout trace exporter")
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}
