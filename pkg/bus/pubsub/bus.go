// Package pubsub implements delivery.Bus on top of Google Cloud Pub/Sub.
// A message's destination address names a topic; the OutboxID is carried
// as the message's ordering key so
// Pub/Sub's own per-key ordering reinforces the sequencing the relay
// already guarantees by construction.
package pubsub

import (
	"context"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/outboxrelay/outbox/pkg/delivery"
	"github.com/outboxrelay/outbox/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// ClientFactory builds a Pub/Sub client, overridable in tests.
type ClientFactory func(ctx context.Context, projectID string, opts ...option.ClientOption) (*pubsub.Client, error)

// NewPubSubClient is the default ClientFactory.
var NewPubSubClient ClientFactory = pubsub.NewClient

// Bus implements delivery.Bus against a Pub/Sub project. OutboxID is
// threaded through as the ordering key via delivery.OrderingKeyHeader on
// the Envelope's headers; ResolveEndpoint/Send treat every other header as
// a Pub/Sub message attribute.
type Bus struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New builds a Bus for projectID using opts, honoring ordering keys so
// messages published with the same key preserve their publish order.
func New(ctx context.Context, projectID string, opts ...option.ClientOption) (*Bus, error) {
	client, err := NewPubSubClient(ctx, projectID, opts...)
	if err != nil {
		return nil, err
	}

	return &Bus{client: client, topics: map[string]*pubsub.Topic{}}, nil
}

type endpoint struct {
	address string
	topic   *pubsub.Topic
}

func (e endpoint) Address() string { return e.address }

// ResolveEndpoint implements delivery.Bus.
func (b *Bus) ResolveEndpoint(ctx context.Context, address string) (delivery.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.topics[address]
	if !ok {
		topic = b.client.Topic(address)
		topic.EnableMessageOrdering = true
		b.topics[address] = topic
	}

	return endpoint{address: address, topic: topic}, nil
}

// Send implements delivery.Bus.
func (b *Bus) Send(ctx context.Context, ep delivery.Endpoint, env delivery.Envelope) error {
	pep := ep.(endpoint)
	ctx, span := telemetry.Tracer().Start(ctx, "Send",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(pep.address),
		),
	)
	defer span.End()

	attributes := make(map[string]string, len(env.Headers))
	orderingKey := ""
	for k, v := range env.Headers {
		if k == delivery.OrderingKeyHeader {
			orderingKey = v
			continue
		}
		attributes[k] = v
	}

	propagator := otel.GetTextMapPropagator()
	propagator.Inject(ctx, propagation.MapCarrier(attributes))

	msg := &pubsub.Message{
		Data:        env.Body,
		Attributes:  attributes,
		OrderingKey: orderingKey,
	}

	res := pep.topic.Publish(ctx, msg)
	if _, err := res.Get(ctx); err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Int("messaging.message_payload_size_bytes", len(env.Body)))
	return nil
}

// HealthCheck implements delivery.Bus by confirming the project is still
// reachable: listing the first page of topics is enough to surface an
// authentication or connectivity failure without assuming any topic name.
func (b *Bus) HealthCheck(ctx context.Context) error {
	it := b.client.Topics(ctx)
	_, err := it.Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

// Close implements delivery.Bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		t.Stop()
	}
	return b.client.Close()
}
