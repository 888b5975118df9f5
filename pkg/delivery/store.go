package delivery

import (
	"context"

	"github.com/outboxrelay/outbox/pkg/outbox"
)

// IsolationLevel is the transaction isolation a Session must provide. The
// Postgres adapter maps this onto the database's native levels; the Spanner
// and MongoDB adapters accept it but do not use it.
type IsolationLevel int

const (
	// IsolationReadCommitted is sufficient for the row-lock strategy: the
	// SELECT ... FOR UPDATE (or native equivalent) does the serializing.
	IsolationReadCommitted IsolationLevel = iota
	// IsolationSerializable is required wherever the store cannot take a
	// native row lock and instead relies purely on the optimistic Version
	// guard inside a serializable transaction.
	IsolationSerializable
)

// Session is one store transaction, opened for a single delivery attempt and
// either committed or rolled back by the worker that opened it. Adapters
// embed whatever driver-specific transaction handle they need behind this
// interface.
type Session interface {
	// Commit finalizes every write issued through this session.
	Commit(ctx context.Context) error
	// Rollback discards every write issued through this session. Rollback
	// after a successful Commit, or a second Rollback, must be a no-op
	// rather than an error.
	Rollback(ctx context.Context) error
}

// StateStore is the storage contract the delivery core drives. A store
// adapter owns one table, collection, or equivalent holding OutboxState rows
// and one holding pending OutboxMessage rows; the core never issues raw
// queries, only these operations.
type StateStore interface {
	// BeginSession opens a new transaction at the given isolation level.
	BeginSession(ctx context.Context, level IsolationLevel) (Session, error)

	// LockState loads the OutboxState for id within sess and acquires
	// whatever lock the strategy uses to serialize concurrent relays.
	//
	// state == nil means no row exists yet for id: the caller must create
	// one with InsertState. state != nil && !acquired means a row exists
	// but another relay currently holds it (a lock-token CAS loss); the
	// caller must abort this attempt without writing. state != nil &&
	// acquired means the caller may proceed to read pending messages and
	// eventually call ReplaceState or DeleteState.
	LockState(ctx context.Context, sess Session, id outbox.OutboxID) (state *outbox.OutboxState, acquired bool, err error)

	// InsertState creates the first OutboxState row for an OutboxID that
	// LockState reported as absent. The caller passes Version 1;
	// implementations store state as given and, for the lock-token
	// strategy, assign the initial LockToken when state carries none.
	InsertState(ctx context.Context, sess Session, state outbox.OutboxState) error

	// ReplaceState persists state over the row previously returned by
	// LockState. state.Version is the new version, already incremented by
	// the caller; the write applies only where the stored Version is
	// state.Version-1, and the lock-token strategy clears LockToken as part
	// of it. Returns ErrStaleVersion if the guard fails.
	ReplaceState(ctx context.Context, sess Session, state outbox.OutboxState) error

	// DeleteState removes the OutboxState row for id. Called only once
	// cleanup has also removed every remaining message for id.
	DeleteState(ctx context.Context, sess Session, id outbox.OutboxID) error

	// LoadPendingMessages returns up to limit OutboxMessage rows for id with
	// SequenceNumber > since, strictly ordered by ascending SequenceNumber.
	// since is the state's LastSeq(), so a message skipped for having no
	// DestinationAddress, which stays in place rather than being deleted,
	// is never reloaded once a later send has moved the cursor past it.
	LoadPendingMessages(ctx context.Context, sess Session, id outbox.OutboxID, since int64, limit int) ([]outbox.OutboxMessage, error)

	// DeleteMessage removes one message row by MessageID once the bus has
	// accepted it.
	DeleteMessage(ctx context.Context, sess Session, id outbox.MessageID) error

	// DeleteMessagesForOutbox removes every remaining message row for id and
	// returns how many rows it deleted. Used during cleanup; on a healthy
	// Delivered outbox this deletes zero rows, since the delivery pass
	// already drained them one at a time.
	DeleteMessagesForOutbox(ctx context.Context, sess Session, id outbox.OutboxID) (int64, error)

	// ListPendingOutboxIDs returns the distinct OutboxIDs that currently
	// have at least one pending message row, or a Delivered OutboxState row
	// not yet cleaned up, up to limit IDs.
	ListPendingOutboxIDs(ctx context.Context, limit int) ([]outbox.OutboxID, error)

	// SupportsAttemptRetry reports whether a lost lock acquisition
	// (LockState returning acquired == false) should be retried
	// immediately within the same worker invocation. Lock-token stores
	// return true, matching the CAS-retry behavior described for the
	// document-store strategy; row-lock stores never see this case, since
	// a native row lock blocks rather than fails, so the value is
	// informational there rather than load-bearing.
	SupportsAttemptRetry() bool
}
