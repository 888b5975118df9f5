package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/outboxrelay/outbox/pkg/outbox"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func testConfig(limit int) DeliveryConfig {
	return NewDeliveryConfig(
		WithMessageDeliveryLimit(limit),
		WithLogger(zap.NewNop()),
		WithClock(fixedClock{t: time.Unix(1700000000, 0).UTC()}),
	)
}

func dest(addr string) *string { return &addr }

func TestRunDeliveryPass_SendsInOrderAndMarksDelivered(t *testing.T) {
	store := newMemStore()
	bus := &memBus{}
	sess := &memSession{}
	id := outbox.OutboxID("ob-1")

	msgs := []outbox.OutboxMessage{
		{OutboxID: id, MessageID: "m1", SequenceNumber: 1, DestinationAddress: dest("topic-a"), Payload: []byte("one")},
		{OutboxID: id, MessageID: "m2", SequenceNumber: 2, DestinationAddress: dest("topic-a"), Payload: []byte("two")},
	}
	store.messages = append(store.messages, msgs...)

	state := outbox.OutboxState{OutboxID: id, Version: 1}
	cfg := testConfig(10)

	got, err := runDeliveryPass(context.Background(), store, sess, bus, PassthroughSerializer{}, state, msgs, cfg)
	require.NoError(t, err)
	require.NotNil(t, got.LastSequenceNumber)
	require.Equal(t, int64(2), *got.LastSequenceNumber)
	require.NotNil(t, got.Delivered)
	require.Len(t, bus.sent, 2)
	require.Empty(t, store.messages)
}

func TestRunDeliveryPass_SkipsNullDestinationAndContinues(t *testing.T) {
	store := newMemStore()
	bus := &memBus{}
	sess := &memSession{}
	id := outbox.OutboxID("ob-2")

	msgs := []outbox.OutboxMessage{
		{OutboxID: id, MessageID: "m1", SequenceNumber: 1, DestinationAddress: nil, Payload: []byte("malformed")},
		{OutboxID: id, MessageID: "m2", SequenceNumber: 2, DestinationAddress: dest("topic-b"), Payload: []byte("two")},
	}
	store.messages = append(store.messages, msgs...)

	state := outbox.OutboxState{OutboxID: id, Version: 1}
	cfg := testConfig(10)

	got, err := runDeliveryPass(context.Background(), store, sess, bus, PassthroughSerializer{}, state, msgs, cfg)
	require.NoError(t, err)
	require.NotNil(t, got.LastSequenceNumber)
	require.Equal(t, int64(2), *got.LastSequenceNumber)
	require.Len(t, bus.sent, 1)
	require.Len(t, store.messages, 1)
	require.Equal(t, outbox.MessageID("m1"), store.messages[0].MessageID)
}

func TestRunDeliveryPass_StopsOnSendFaultAndKeepsProgress(t *testing.T) {
	store := newMemStore()
	bus := &memBus{failNextSend: false}
	sess := &memSession{}
	id := outbox.OutboxID("ob-3")

	msgs := []outbox.OutboxMessage{
		{OutboxID: id, MessageID: "m1", SequenceNumber: 1, DestinationAddress: dest("topic-c"), Payload: []byte("one")},
		{OutboxID: id, MessageID: "m2", SequenceNumber: 2, DestinationAddress: dest("topic-c"), Payload: []byte("two")},
	}
	store.messages = append(store.messages, msgs...)

	state := outbox.OutboxState{OutboxID: id, Version: 1}
	cfg := testConfig(10)

	bus.failNextSendAfterFirst(2)
	got, err := runDeliveryPass(context.Background(), store, sess, bus, PassthroughSerializer{}, state, msgs, cfg)
	require.NoError(t, err)
	require.NotNil(t, got.LastSequenceNumber)
	require.Equal(t, int64(1), *got.LastSequenceNumber)
	require.Nil(t, got.Delivered)
	require.Len(t, store.messages, 1)
	require.Equal(t, outbox.MessageID("m2"), store.messages[0].MessageID)
}

func TestRunDeliveryPass_DeliveredNotSetWhenFullBatchRead(t *testing.T) {
	store := newMemStore()
	bus := &memBus{}
	sess := &memSession{}
	id := outbox.OutboxID("ob-4")

	msgs := []outbox.OutboxMessage{
		{OutboxID: id, MessageID: "m1", SequenceNumber: 1, DestinationAddress: dest("topic-d"), Payload: []byte("one")},
		{OutboxID: id, MessageID: "m2", SequenceNumber: 2, DestinationAddress: dest("topic-d"), Payload: []byte("two")},
	}
	store.messages = append(store.messages, msgs...)

	state := outbox.OutboxState{OutboxID: id, Version: 1}
	cfg := testConfig(2)

	got, err := runDeliveryPass(context.Background(), store, sess, bus, PassthroughSerializer{}, state, msgs, cfg)
	require.NoError(t, err)
	require.Nil(t, got.Delivered)
	require.Empty(t, store.messages)
}
