package delivery

import (
	"time"

	"github.com/outboxrelay/outbox/pkg/outbox"
	"go.uber.org/zap"
)

// DeliveryConfig tunes the dispatcher and worker. Every field has a
// production-sane default applied by NewDeliveryConfig; callers override
// individual fields with a DeliveryOption.
type DeliveryConfig struct {
	// QueryDelay is how long the dispatcher sleeps between batches once a
	// batch finishes, whether or not it found any pending OutboxIDs.
	QueryDelay time.Duration
	// QueryTimeout bounds every store call made within one session.
	QueryTimeout time.Duration
	// MessageDeliveryTimeout bounds a single Bus.Send call.
	MessageDeliveryTimeout time.Duration
	// MessageDeliveryLimit is the maximum number of messages a single
	// delivery pass reads and attempts to send for one OutboxID. Fewer
	// pending messages than this limit being read is what allows the pass
	// to mark the outbox Delivered.
	MessageDeliveryLimit int
	// OutboxBatchSize is the maximum number of distinct OutboxIDs the
	// dispatcher processes concurrently per batch.
	OutboxBatchSize int
	// IsolationLevel is the transaction isolation requested from the
	// StateStore for every session.
	IsolationLevel IsolationLevel
	// Clock is the time source used for Delivered timestamps.
	Clock outbox.Clock
	// Logger receives the structured events named in pkg/logging.
	Logger *zap.Logger
}

// DeliveryOption mutates a DeliveryConfig under construction.
type DeliveryOption func(*DeliveryConfig)

// WithQueryDelay overrides the inter-batch sleep.
func WithQueryDelay(d time.Duration) DeliveryOption {
	return func(c *DeliveryConfig) { c.QueryDelay = d }
}

// WithQueryTimeout overrides the per-session store timeout.
func WithQueryTimeout(d time.Duration) DeliveryOption {
	return func(c *DeliveryConfig) { c.QueryTimeout = d }
}

// WithMessageDeliveryTimeout overrides the per-send timeout.
func WithMessageDeliveryTimeout(d time.Duration) DeliveryOption {
	return func(c *DeliveryConfig) { c.MessageDeliveryTimeout = d }
}

// WithMessageDeliveryLimit overrides how many messages one pass reads.
func WithMessageDeliveryLimit(n int) DeliveryOption {
	return func(c *DeliveryConfig) { c.MessageDeliveryLimit = n }
}

// WithOutboxBatchSize overrides how many OutboxIDs one batch processes.
func WithOutboxBatchSize(n int) DeliveryOption {
	return func(c *DeliveryConfig) { c.OutboxBatchSize = n }
}

// WithIsolationLevel overrides the requested transaction isolation.
func WithIsolationLevel(level IsolationLevel) DeliveryOption {
	return func(c *DeliveryConfig) { c.IsolationLevel = level }
}

// WithClock overrides the time source, primarily for tests.
func WithClock(clock outbox.Clock) DeliveryOption {
	return func(c *DeliveryConfig) { c.Clock = clock }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *zap.Logger) DeliveryOption {
	return func(c *DeliveryConfig) { c.Logger = logger }
}

// NewDeliveryConfig returns a DeliveryConfig with production-sane defaults,
// then applies opts in order.
func NewDeliveryConfig(opts ...DeliveryOption) DeliveryConfig {
	cfg := DeliveryConfig{
		QueryDelay:             2 * time.Second,
		QueryTimeout:           5 * time.Second,
		MessageDeliveryTimeout: 10 * time.Second,
		MessageDeliveryLimit:   100,
		OutboxBatchSize:        50,
		IsolationLevel:         IsolationReadCommitted,
		Clock:                  outbox.SystemClock{},
		Logger:                 zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}
