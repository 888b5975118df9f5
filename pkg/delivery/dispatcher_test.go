package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/outboxrelay/outbox/pkg/outbox"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_RunProcessesBatchThenStopsOnCancel(t *testing.T) {
	store := newMemStore()
	id := outbox.OutboxID("ob-batch")
	store.messages = append(store.messages, outbox.OutboxMessage{
		OutboxID: id, MessageID: "m1", SequenceNumber: 1,
		DestinationAddress: dest("topic-batch"), Payload: []byte("hi"),
	})

	bus := &memBus{}
	cfg := NewDeliveryConfig(WithQueryDelay(10*time.Millisecond), WithClock(fixedClock{t: time.Unix(1700000000, 0).UTC()}))
	worker := NewWorker(store, bus, PassthroughSerializer{}, cfg)
	dispatcher := NewDispatcher(store, worker, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := dispatcher.Run(ctx, bus)
	require.Error(t, err)
	require.Len(t, bus.sent, 1)

	// The worker tightens through delivery and the cleanup attempt that
	// follows it within the same dispatcher tick, so the state row is
	// already gone by the time the batch finishes.
	_, ok := store.states[id]
	require.False(t, ok)
}

func TestDispatcher_SkipsBatchWhenBusUnhealthy(t *testing.T) {
	store := newMemStore()
	id := outbox.OutboxID("ob-unhealthy")
	store.messages = append(store.messages, outbox.OutboxMessage{
		OutboxID: id, MessageID: "m1", SequenceNumber: 1,
		DestinationAddress: dest("topic-unhealthy"), Payload: []byte("hi"),
	})

	bus := &memBus{unhealthy: true}
	cfg := NewDeliveryConfig(WithQueryDelay(10 * time.Millisecond))
	worker := NewWorker(store, bus, PassthroughSerializer{}, cfg)
	dispatcher := NewDispatcher(store, worker, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_ = dispatcher.Run(ctx, bus)

	require.Empty(t, bus.sent)
	_, ok := store.states[id]
	require.False(t, ok)
}
