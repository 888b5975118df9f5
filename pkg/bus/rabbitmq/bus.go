// Package rabbitmq implements delivery.Bus on top of RabbitMQ via
// github.com/streadway/amqp using a pooled set of channels over a single
// connection. A destination address is "exchange/routingKey"; the
// exchange is declared topic and durable idempotently, on first use.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/outboxrelay/outbox/pkg/delivery"
	"github.com/outboxrelay/outbox/pkg/telemetry"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Settings configures the connection and channel pool.
type Settings struct {
	URL      string
	PoolSize int
}

// Bus implements delivery.Bus against a RabbitMQ broker using a pooled set
// of channels over a single connection, reconnecting automatically if the
// connection drops.
type Bus struct {
	connection  *amqp.Connection
	channelPool chan *pooledChannel
	settings    Settings
	logger      *zap.Logger

	mu                sync.Mutex
	declaredExchanges map[string]bool
	reconnectTicker   *time.Ticker
	stopReconnect     chan struct{}
}

type pooledChannel struct {
	channel     *amqp.Channel
	notifyClose chan *amqp.Error
}

// New dials settings.URL and builds a Bus with a pool of settings.PoolSize
// channels. logger receives the adapter's connection-lifecycle events
// (pool (re)init, reconnect attempts, stale channels discarded) as the
// logging.EventBus* events, since a dropped
// RabbitMQ connection otherwise surfaces only as an outbox-send-fault on
// whichever OutboxID happened to be attempting delivery at the time.
func New(settings Settings, logger *zap.Logger) (*Bus, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("rabbitmq: PoolSize must be greater than 0")
	}

	b := &Bus{
		settings:          settings,
		logger:            logger,
		channelPool:       make(chan *pooledChannel, settings.PoolSize),
		declaredExchanges: map[string]bool{},
		reconnectTicker:   time.NewTicker(5 * time.Second),
		stopReconnect:     make(chan struct{}),
	}

	if err := b.connectAndInitialize(); err != nil {
		return nil, err
	}

	go b.recoverConnection()

	return b, nil
}

type endpoint struct {
	address    string
	exchange   string
	routingKey string
}

func (e endpoint) Address() string { return e.address }

// ResolveEndpoint implements delivery.Bus. address is split on the first
// "/" into an exchange and a routing key; a bare address with no "/" is
// treated as the exchange with an empty routing key.
func (b *Bus) ResolveEndpoint(ctx context.Context, address string) (delivery.Endpoint, error) {
	exchange, routingKey := address, ""
	if idx := strings.IndexByte(address, '/'); idx >= 0 {
		exchange, routingKey = address[:idx], address[idx+1:]
	}

	return endpoint{address: address, exchange: exchange, routingKey: routingKey}, nil
}

// Send implements delivery.Bus.
func (b *Bus) Send(ctx context.Context, ep delivery.Endpoint, env delivery.Envelope) error {
	pep := ep.(endpoint)

	ctx, span := telemetry.Tracer().Start(ctx, "Send",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(pep.exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(pep.routingKey),
		),
	)
	defer span.End()

	propagator := otel.GetTextMapPropagator()
	traceHeaders := make(map[string]string)
	propagator.Inject(ctx, propagation.MapCarrier(traceHeaders))

	amqpHeaders := make(amqp.Table, len(env.Headers)+len(traceHeaders))
	for k, v := range env.Headers {
		amqpHeaders[k] = v
	}
	for k, v := range traceHeaders {
		amqpHeaders[k] = v
	}

	pooledChan, err := b.getChannel()
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer b.releaseChannel(pooledChan)

	if err := b.ensureExchange(pooledChan, pep.exchange); err != nil {
		span.RecordError(err)
		return err
	}

	if err := pooledChan.channel.Publish(
		pep.exchange, pep.routingKey, false, false,
		amqp.Publishing{
			ContentType: "application/octet-stream",
			Body:        env.Body,
			Headers:     amqpHeaders,
		},
	); err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Int("messaging.message_payload_size_bytes", len(env.Body)))
	return nil
}

func (b *Bus) ensureExchange(pooledChan *pooledChannel, exchange string) error {
	b.mu.Lock()
	declared := b.declaredExchanges[exchange]
	b.mu.Unlock()
	if declared {
		return nil
	}

	if err := pooledChan.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	b.mu.Lock()
	b.declaredExchanges[exchange] = true
	b.mu.Unlock()
	return nil
}

// HealthCheck implements delivery.Bus.
func (b *Bus) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connection == nil || b.connection.IsClosed() {
		return delivery.ErrBusUnavailable
	}
	return nil
}

// Close implements delivery.Bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	close(b.stopReconnect)
	b.reconnectTicker.Stop()

	close(b.channelPool)
	for pooledChan := range b.channelPool {
		pooledChan.channel.Close()
	}

	if b.connection != nil {
		return b.connection.Close()
	}
	return nil
}
