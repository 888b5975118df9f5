// Package logging builds the structured zap.Logger used across the
// delivery core and its adapters, and names the fixed set of events the
// core is required to emit.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment controls the baseline logger profile, mirroring the
// production/staging/development split used elsewhere in the retrieval
// pack for zap-backed services.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentDevelopment Environment = "development"
)

// New builds a zap.Logger appropriate for the given environment. Production
// uses JSON encoding at info level; development uses console encoding at
// debug level.
func New(env Environment) (*zap.Logger, error) {
	var cfg zap.Config

	switch env {
	case EnvironmentProduction:
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// Event names the fixed structured events the delivery core emits.
type Event string

const (
	EventOutboxRemoved   Event = "outbox-removed"
	EventOutboxSent      Event = "outbox-sent"
	EventOutboxSendFault Event = "outbox-send-fault"
	EventOutboxDelivered Event = "outbox-delivered"
	EventNullDestination Event = "outbox-null-destination"
	EventRollbackFailure Event = "outbox-rollback-failure"
	EventPassFaulted     Event = "outbox-pass-faulted"

	// EventBusChannelPoolInit, EventBusChannelDiscarded, and
	// EventBusReconnected trace the RabbitMQ bus adapter's connection
	// lifecycle, since a pool rebuild or a stale channel being discarded
	// can otherwise look like a silent drop in outbox send throughput.
	EventBusChannelPoolInit  Event = "bus-channel-pool-init"
	EventBusChannelDiscarded Event = "bus-channel-discarded"
	EventBusReconnecting     Event = "bus-reconnecting"
	EventBusReconnected      Event = "bus-reconnected"
)
