package outbox

import (
	"time"

	"github.com/google/uuid"
)

// OutboxID groups messages that must be delivered in strict sequence order.
// The zero value denotes a message that belongs to a non-grouped pathway
// this service ignores.
type OutboxID string

// IsZero reports whether id is the empty grouping key.
func (id OutboxID) IsZero() bool {
	return id == ""
}

// MessageID uniquely identifies one outbox row.
type MessageID string

// NewOutboxID returns a fresh random grouping key.
func NewOutboxID() OutboxID {
	return OutboxID(uuid.NewString())
}

// NewMessageID returns a fresh random message identifier.
func NewMessageID() MessageID {
	return MessageID(uuid.NewString())
}

// OutboxMessage is an immutable record queued by the producer inside its own
// business transaction. Rows with an empty OutboxID are not constructed by
// any adapter in this module; they belong to a different, non-grouped
// pathway and are filtered out at the query layer.
type OutboxMessage struct {
	OutboxID  OutboxID
	MessageID MessageID
	// SequenceNumber is assigned by the producer and must be monotonically
	// increasing and unique within OutboxID.
	SequenceNumber int64
	// DestinationAddress is nil for malformed rows; the delivery pass skips
	// these with a warning rather than failing the batch.
	DestinationAddress *string
	Payload             []byte
	Headers             map[string]string
	CreatedAt           time.Time
}

// HasDestination reports whether the message carries a usable destination.
func (m OutboxMessage) HasDestination() bool {
	return m.DestinationAddress != nil && *m.DestinationAddress != ""
}
