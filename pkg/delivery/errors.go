package delivery

import "errors"

// Sentinel errors for StateStore and Bus implementations. Adapters return
// them as they are; driver errors are returned unwrapped alongside them.
var (
	// ErrLockNotAcquired names a lost lock acquisition. StateStore.LockState
	// does not return it: a lock-token adapter that loses a CAS race reports
	// that through LockState's acquired result instead, and the row-lock
	// adapters block on a native row lock, so losing the race there
	// surfaces as a timeout on the session's context.
	ErrLockNotAcquired = errors.New("delivery: lock not acquired")

	// ErrStaleVersion is returned by StateStore.ReplaceState when the
	// Version carried by the caller's OutboxState no longer matches the
	// stored row. It should not occur in normal operation because the row
	// or document is locked for the lifetime of the session; adapters
	// return it defensively rather than silently overwriting a concurrent
	// write.
	ErrStaleVersion = errors.New("delivery: stale outbox state version")

	// ErrBusUnavailable is returned by Bus.HealthCheck and by Bus.Send when
	// the underlying transport is known to be down. The dispatcher skips
	// the whole batch when HealthCheck returns any error; returned from
	// Send, it is a send fault like any other and stops only that
	// OutboxID's pass.
	ErrBusUnavailable = errors.New("delivery: bus unavailable")

	// ErrNoEndpoint is returned by Bus.ResolveEndpoint when a destination
	// address does not map to any configured endpoint.
	ErrNoEndpoint = errors.New("delivery: no endpoint for destination")
)
