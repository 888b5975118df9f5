package telemetry

import (
	"testing"

	"github.com/outboxrelay/outbox/pkg/config"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func TestInit_Success(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "outbox-relay",
		TracingURL:  "localhost:4318",
	}
	logger, _ := observedLogger()

	shutdown, err := Init(cfg, logger)
	assert.NoError(t, err)
	assert.NotNil(t, shutdown)

	assert.NotNil(t, otel.GetTracerProvider())
	assert.NotNil(t, Tracer())

	shutdown()
}

func TestInit_InvalidTracingURL(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "outbox-relay",
		TracingURL:  "",
	}
	logger, _ := observedLogger()

	shutdown, err := Init(cfg, logger)
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}

func TestInit_EmptyServiceName(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "",
		TracingURL:  "localhost:4318",
	}
	logger, _ := observedLogger()

	shutdown, err := Init(cfg, logger)
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}

func TestInit_ShutdownLogsNothingOnSuccess(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "outbox-relay",
		TracingURL:  "localhost:4318",
	}
	logger, logs := observedLogger()

	shutdown, err := Init(cfg, logger)
	assert.NoError(t, err)

	shutdown()

	assert.Equal(t, 0, logs.FilterMessage("failed to shut down tracer provider").Len())
}

func TestTracer_SharedAcrossAdapters(t *testing.T) {
	// the tracing store adapters and both bus adapters call Tracer()
	// instead of declaring their own instrumentation name, so two calls
	// must be interchangeable.
	assert.Equal(t, Tracer(), Tracer())
}
