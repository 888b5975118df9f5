package delivery

import (
	"context"

	"github.com/outboxrelay/outbox/pkg/logging"
	"github.com/outboxrelay/outbox/pkg/outbox"
	"go.uber.org/zap"
)

// Worker drives every delivery attempt for a single OutboxID to completion:
// repeated transactional attempts until an attempt finds the outbox
// Delivered and performs cleanup, loses a lock race on a store that does
// not retry it immediately, or fails with an error.
type Worker struct {
	store      StateStore
	bus        Bus
	serializer Serializer
	cfg        DeliveryConfig
}

// NewWorker returns a Worker for the given store, bus, and serializer.
func NewWorker(store StateStore, bus Bus, serializer Serializer, cfg DeliveryConfig) *Worker {
	return &Worker{store: store, bus: bus, serializer: serializer, cfg: cfg}
}

// Run drives attempts for id until one returns without asking for a retry,
// or ctx is done.
func (w *Worker) Run(ctx context.Context, id outbox.OutboxID) error {
	for {
		retry, err := w.attempt(ctx, id)
		if err != nil {
			return err
		}

		if !retry {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// attempt runs one transactional delivery attempt for id. retry reports
// whether the caller should immediately run another attempt for the same
// id in this invocation: true after inserting a fresh state, after a
// delivery pass (whether or not it just marked Delivered — cleanup is owed
// on the next attempt), and whenever a lock-token store lost a CAS race and
// wants the loss retried without waiting for the next dispatcher batch.
// Cleanup, run once the state is already Delivered, returns false and lets
// the caller move on to the next OutboxID; so does a lost lock on a store
// whose SupportsAttemptRetry reports false, and so does every error.
func (w *Worker) attempt(ctx context.Context, id outbox.OutboxID) (retry bool, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.QueryTimeout)
	defer cancel()

	sess, err := w.store.BeginSession(attemptCtx, w.cfg.IsolationLevel)
	if err != nil {
		return false, err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := sess.Rollback(attemptCtx); rbErr != nil {
			w.cfg.Logger.Error(string(logging.EventRollbackFailure),
				zap.String("outbox_id", string(id)),
				zap.Error(rbErr),
			)
		}
	}()

	state, acquired, err := w.store.LockState(attemptCtx, sess, id)
	if err != nil {
		w.logFault(id, err)
		return false, err
	}

	if state == nil {
		fresh := outbox.OutboxState{OutboxID: id, Version: 1}
		if err := w.store.InsertState(attemptCtx, sess, fresh); err != nil {
			w.logFault(id, err)
			return false, err
		}
		if err := sess.Commit(attemptCtx); err != nil {
			w.logFault(id, err)
			return false, err
		}
		committed = true
		return true, nil
	}

	if !acquired {
		if err := sess.Rollback(attemptCtx); err != nil {
			w.cfg.Logger.Error(string(logging.EventRollbackFailure),
				zap.String("outbox_id", string(id)),
				zap.Error(err),
			)
		}
		committed = true
		return w.store.SupportsAttemptRetry(), nil
	}

	if state.IsDelivered() {
		deletedCount, err := w.store.DeleteMessagesForOutbox(attemptCtx, sess, id)
		if err != nil {
			w.logFault(id, err)
			return false, err
		}
		if err := w.store.DeleteState(attemptCtx, sess, id); err != nil {
			w.logFault(id, err)
			return false, err
		}
		if err := sess.Commit(attemptCtx); err != nil {
			w.logFault(id, err)
			return false, err
		}
		committed = true
		w.cfg.Logger.Debug(string(logging.EventOutboxRemoved),
			zap.String("outbox_id", string(id)),
			zap.Int64("count", deletedCount),
		)
		return false, nil
	}

	messages, err := w.store.LoadPendingMessages(attemptCtx, sess, id, state.LastSeq(), w.cfg.MessageDeliveryLimit)
	if err != nil {
		w.logFault(id, err)
		return false, err
	}

	newState, err := runDeliveryPass(attemptCtx, w.store, sess, w.bus, w.serializer, *state, messages, w.cfg)
	if err != nil {
		w.logFault(id, err)
		return false, err
	}

	newState.Version = state.Version + 1

	if err := w.store.ReplaceState(attemptCtx, sess, newState); err != nil {
		w.logFault(id, err)
		return false, err
	}

	if err := sess.Commit(attemptCtx); err != nil {
		w.logFault(id, err)
		return false, err
	}
	committed = true

	// A delivery pass always continues into the next attempt, whether it
	// marked Delivered (cleanup is owed next) or there is more of the
	// outbox past this attempt's MessageDeliveryLimit still to send.
	return true, nil
}

func (w *Worker) logFault(id outbox.OutboxID, err error) {
	w.cfg.Logger.Error(string(logging.EventPassFaulted),
		zap.String("outbox_id", string(id)),
		zap.Error(err),
	)
}
