package rabbitmq

import (
	"fmt"

	"github.com/outboxrelay/outbox/pkg/logging"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// newConnection dials url and wires a close-notification goroutine that logs
// through b.logger rather than letting a dropped connection surface only as
// failed sends against whatever OutboxID a worker happens to be delivering.
func (b *Bus) newConnection(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}

	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			b.logger.Warn(string(logging.EventBusReconnecting), zap.Error(err))
		}
	}()

	return conn, nil
}

// connectAndInitialize (re)dials the broker and rebuilds the channel pool
// and exchange cache from scratch; it runs both on first construction and,
// via recoverConnection, after every detected disconnect.
func (b *Bus) connectAndInitialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connection != nil && !b.connection.IsClosed() {
		b.connection.Close()
	}

	connection, err := b.newConnection(b.settings.URL)
	if err != nil {
		return err
	}
	b.connection = connection

	close(b.channelPool)
	b.channelPool = make(chan *pooledChannel, b.settings.PoolSize)
	// A fresh connection means every previously declared exchange is gone
	// with it; the next Send for each one re-declares idempotently.
	b.declaredExchanges = map[string]bool{}

	for i := 0; i < b.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			return fmt.Errorf("rabbitmq: opening pooled channel %d/%d: %w", i+1, b.settings.PoolSize, err)
		}
		b.channelPool <- &pooledChannel{
			channel:     channel,
			notifyClose: channel.NotifyClose(make(chan *amqp.Error)),
		}
	}

	b.logger.Info(string(logging.EventBusChannelPoolInit), zap.Int("pool_size", b.settings.PoolSize))
	return nil
}

// recoverConnection polls reconnectTicker and rebuilds the connection once
// it notices the current one is gone, until Close stops it via
// stopReconnect. A delivery attempt mid-outage simply sees Send fail and
// relies on the worker's own retry loop; this goroutine's only job is to
// have a live connection ready by the time the next attempt runs.
func (b *Bus) recoverConnection() {
	for {
		select {
		case <-b.reconnectTicker.C:
			b.mu.Lock()
			needsReconnect := b.connection == nil || b.connection.IsClosed()
			b.mu.Unlock()

			if !needsReconnect {
				continue
			}

			if err := b.connectAndInitialize(); err != nil {
				b.logger.Error(string(logging.EventBusReconnecting), zap.Error(err))
				continue
			}
			b.logger.Info(string(logging.EventBusReconnected))

		case <-b.stopReconnect:
			return
		}
	}
}

// getChannel takes a channel from the pool, discarding any that closed
// while idle, or opens a new one on the current connection if the pool is
// empty.
func (b *Bus) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pooledChan := <-b.channelPool:
			select {
			case err := <-pooledChan.notifyClose:
				b.logger.Debug(string(logging.EventBusChannelDiscarded), zap.Error(err))
				continue
			default:
				return pooledChan, nil
			}
		default:
			b.mu.Lock()
			conn := b.connection
			b.mu.Unlock()

			channel, err := conn.Channel()
			if err != nil {
				return nil, fmt.Errorf("rabbitmq: opening channel on empty pool: %w", err)
			}
			return &pooledChannel{
				channel:     channel,
				notifyClose: channel.NotifyClose(make(chan *amqp.Error)),
			}, nil
		}
	}
}

// releaseChannel returns pooledChan to the pool for reuse by the next Send,
// unless it closed while in use or the pool is already full, in which case
// it is discarded instead of leaking.
func (b *Bus) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		b.logger.Debug(string(logging.EventBusChannelDiscarded), zap.Error(err))
		return
	default:
		select {
		case b.channelPool <- pooledChan:
		default:
			pooledChan.channel.Close()
		}
	}
}
