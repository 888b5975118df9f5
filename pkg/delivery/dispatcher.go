package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/outboxrelay/outbox/pkg/logging"
	"github.com/outboxrelay/outbox/pkg/outbox"
	"go.uber.org/zap"
)

// Dispatcher polls the StateStore for distinct pending OutboxIDs and fans
// out one Worker per ID, each running inside its own transaction so that one
// stuck or faulted outbox never blocks another.
type Dispatcher struct {
	store  StateStore
	worker *Worker
	cfg    DeliveryConfig
}

// NewDispatcher returns a Dispatcher that polls store and drives delivery
// through worker.
func NewDispatcher(store StateStore, worker *Worker, cfg DeliveryConfig) *Dispatcher {
	return &Dispatcher{store: store, worker: worker, cfg: cfg}
}

// Run loops until ctx is canceled, running one batch per iteration and
// sleeping cfg.QueryDelay between batches regardless of whether the batch
// found any work.
func (d *Dispatcher) Run(ctx context.Context, bus Bus) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := bus.HealthCheck(ctx); err != nil {
			d.cfg.Logger.Warn("outbox-bus-unhealthy", zap.Error(err))
		} else if err := d.runBatch(ctx); err != nil {
			d.cfg.Logger.Error("outbox-batch-faulted", zap.Error(err))
		}

		if !sleepOrDone(ctx, d.cfg.QueryDelay) {
			return ctx.Err()
		}
	}
}

// runBatch lists the currently pending OutboxIDs and runs one Worker per ID
// concurrently, waiting for every worker to finish before returning. A
// worker returning an error is logged and does not stop its siblings.
func (d *Dispatcher) runBatch(ctx context.Context) error {
	ids, err := d.store.ListPendingOutboxIDs(ctx, d.cfg.OutboxBatchSize)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(len(ids))

	for _, id := range ids {
		go func(id outbox.OutboxID) {
			defer wg.Done()
			if err := d.worker.Run(ctx, id); err != nil {
				d.cfg.Logger.Error(string(logging.EventPassFaulted),
					zap.String("outbox_id", string(id)),
					zap.Error(err),
				)
			}
		}(id)
	}

	wg.Wait()
	return nil
}

// sleepOrDone sleeps for d, returning false early if ctx is canceled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
