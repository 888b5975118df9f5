package delivery

import "context"

// OrderingKeyHeader is the envelope header carrying the message's OutboxID.
// A bus whose transport has a native per-key ordering feature (e.g. Pub/Sub
// ordering keys) reads this header to reinforce the sequencing the relay
// already guarantees by construction; a bus without such a feature is free
// to ignore it.
const OrderingKeyHeader = "x-outbox-id"

// Envelope is the wire payload handed to a Bus once a message's headers and
// body have been run through a Serializer.
type Envelope struct {
	Headers map[string]string
	Body    []byte
}

// Endpoint is a bus-resolved send target for a destination address, e.g. a
// Pub/Sub topic handle or a RabbitMQ exchange/routing key pair. Adapters
// define their own concrete type behind this interface so the core never
// needs to know about topics, queues, or exchanges.
type Endpoint interface {
	// Address is the destination address this endpoint was resolved from,
	// kept for logging.
	Address() string
}

// Bus is the message transport contract the delivery core drives. Every
// send is attributed to one destination address already present on the
// outbox row; the bus never inspects SequenceNumber, and sees OutboxID only
// through OrderingKeyHeader.
type Bus interface {
	// ResolveEndpoint maps a destination address to a send target. Callers
	// may resolve the same address repeatedly within a pass; adapters are
	// free to cache internally.
	ResolveEndpoint(ctx context.Context, address string) (Endpoint, error)

	// Send publishes env to endpoint. A nil error means the bus has
	// accepted the message for at-least-once delivery; it does not mean a
	// consumer has received it.
	Send(ctx context.Context, endpoint Endpoint, env Envelope) error

	// HealthCheck reports whether the bus is currently reachable. The
	// dispatcher calls this before starting a batch and skips the batch
	// entirely, rather than letting every worker fail individually, when
	// it returns a non-nil error.
	HealthCheck(ctx context.Context) error

	// Close releases any pooled connections held by the adapter.
	Close() error
}

// Serializer turns a stored message body and header map into the Envelope a
// Bus sends. The default implementation is a pass-through; an
// adapter for a bus with a fixed wire format (e.g. a schema-registry-backed
// topic) can swap in something richer without touching the delivery core.
type Serializer interface {
	ToEnvelope(headers map[string]string, payload []byte) (Envelope, error)
}
