// Package telemetry wires the OTLP trace exporter that the Postgres and
// MongoDB store adapters use to emit one span per lock acquisition and the
// bus adapters use to emit one span per message send, and hands out the
// tracer those spans are started on.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/outboxrelay/outbox/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.uber.org/zap"
	tracepkg "go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation name every span the relay emits is
// started under, regardless of which store or bus adapter started it.
const tracerName = "outbox-relay"

// Init builds the OTLP/HTTP trace exporter named by cfg.TracingURL, sets it
// as the global tracer provider, and returns a func that flushes and
// shuts it down. logger receives any error encountered during that
// shutdown, since a deferred shutdown call has nowhere else to report one.
func Init(cfg config.Observability, logger *zap.Logger) (func(), error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name cannot be empty")
	}
	if cfg.TracingURL == "" {
		return nil, errors.New("tracing URL cannot be empty")
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.TracingURL),
		otlptracehttp.WithInsecure(),
	)
	traceExporter, err := otlptrace.New(context.Background(), client)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shut down tracer provider", zap.Error(err))
		}
	}, nil
}

// Tracer returns the relay's single tracer, used by the Postgres and
// MongoDB stores' LockState and by both bus adapters' Send to start their
// spans instead of each declaring its own instrumentation name. The
// Spanner store starts no span.
func Tracer() tracepkg.Tracer {
	return otel.Tracer(tracerName)
}
