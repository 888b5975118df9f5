package outbox

import "time"

// OutboxState is the mutable per-outbox delivery cursor. It is lazily
// created on the first delivery attempt for an OutboxID and deleted, along
// with its remaining messages, once cleanup (after Delivered is set) runs.
type OutboxState struct {
	OutboxID OutboxID
	// LastSequenceNumber is nil until at least one message has been
	// accepted by the bus for this OutboxID.
	LastSequenceNumber *int64
	// Delivered is set once a delivery pass observes fewer pending
	// messages than the configured limit and gets through all of them
	// without a send fault; a later attempt performs cleanup and never
	// sends again for this OutboxID.
	Delivered *time.Time
	// Version strictly increases across every committed replacement and
	// guards the optimistic replace used by the lock-token strategy.
	Version int64
	// LockToken is rotated on every acquisition by the lock-token
	// strategy; row-lock stores leave it empty.
	LockToken string
}

// IsDelivered reports whether cleanup is due for this state.
func (s OutboxState) IsDelivered() bool {
	return s.Delivered != nil
}

// LastSeq returns the high-water mark, or 0 if none has been recorded yet.
func (s OutboxState) LastSeq() int64 {
	if s.LastSequenceNumber == nil {
		return 0
	}

	return *s.LastSequenceNumber
}
