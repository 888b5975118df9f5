package delivery

import (
	"context"
	"errors"

	"github.com/outboxrelay/outbox/pkg/logging"
	"github.com/outboxrelay/outbox/pkg/outbox"
	"go.uber.org/zap"
)

// runDeliveryPass drains up to cfg.MessageDeliveryLimit pending messages for
// one locked OutboxState, in ascending SequenceNumber order. A message that
// lacks a usable destination is skipped with a warning; the pass stops at
// the first message that the bus refuses.
//
// A message the bus accepts is deleted from the pending table within sess
// before the pass advances to the next one. The deletion becomes durable
// only when the caller commits sess, so a crash or store fault between the
// send and that commit is the only way a message can be redelivered: the
// next attempt finds it still pending and resends it, which is why the bus
// contract only promises at-least-once delivery from the outbox's point of
// view.
//
// The returned state has LastSequenceNumber advanced to the last message
// actually sent and, if fewer than cfg.MessageDeliveryLimit messages were
// read and the pass reached the end of them without a send fault,
// Delivered set to the pass's clock reading — meaning a later attempt will
// run cleanup instead of sending again. Version is left untouched; the
// caller is responsible for bumping it before calling
// StateStore.ReplaceState.
func runDeliveryPass(
	ctx context.Context,
	store StateStore,
	sess Session,
	bus Bus,
	serializer Serializer,
	state outbox.OutboxState,
	messages []outbox.OutboxMessage,
	cfg DeliveryConfig,
) (outbox.OutboxState, error) {
	var (
		sentSeq   int64
		sentCount int
		i         int
		log       = cfg.Logger.With(zap.String("outbox_id", string(state.OutboxID)))
	)

	for i < len(messages) && sentCount < cfg.MessageDeliveryLimit {
		msg := messages[i]

		if !msg.HasDestination() {
			log.Warn(string(logging.EventNullDestination),
				zap.String("message_id", string(msg.MessageID)),
				zap.Int64("sequence_number", msg.SequenceNumber),
			)
			i++
			continue
		}

		if err := deliverOne(ctx, store, sess, bus, serializer, msg, cfg, log); err != nil {
			if errors.Is(err, errSendFault) {
				log.Warn(string(logging.EventOutboxSendFault),
					zap.String("message_id", string(msg.MessageID)),
					zap.Int64("sequence_number", msg.SequenceNumber),
					zap.Error(errors.Unwrap(err)),
				)
				break
			}

			return state, err
		}

		log.Info(string(logging.EventOutboxSent),
			zap.String("message_id", string(msg.MessageID)),
			zap.Int64("sequence_number", msg.SequenceNumber),
		)

		sentSeq = msg.SequenceNumber
		sentCount++
		i++
	}

	if sentSeq > 0 {
		seq := sentSeq
		state.LastSequenceNumber = &seq
	}

	if i == len(messages) && len(messages) < cfg.MessageDeliveryLimit {
		now := cfg.Clock.Now()
		state.Delivered = &now
		log.Info(string(logging.EventOutboxDelivered))
	}

	return state, nil
}

// errSendFault classifies a serialization or bus error as one that should
// stop the pass for this OutboxID without aborting the whole attempt's
// transaction: the messages sent so far still get committed via
// ReplaceState.
var errSendFault = errors.New("delivery: send fault")

// sendFault wraps cause so errors.Is(err, errSendFault) matches while
// errors.Unwrap(err) still reaches the underlying serialization or bus
// error for logging.
type sendFault struct{ cause error }

func (e *sendFault) Error() string { return errSendFault.Error() + ": " + e.cause.Error() }
func (e *sendFault) Unwrap() error { return e.cause }
func (e *sendFault) Is(target error) bool { return target == errSendFault }

func deliverOne(
	ctx context.Context,
	store StateStore,
	sess Session,
	bus Bus,
	serializer Serializer,
	msg outbox.OutboxMessage,
	cfg DeliveryConfig,
	log *zap.Logger,
) error {
	headers := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[OrderingKeyHeader] = string(msg.OutboxID)

	env, err := serializer.ToEnvelope(headers, msg.Payload)
	if err != nil {
		return &sendFault{cause: err}
	}

	endpoint, err := bus.ResolveEndpoint(ctx, *msg.DestinationAddress)
	if err != nil {
		return &sendFault{cause: err}
	}

	sendCtx, cancel := context.WithTimeout(ctx, cfg.MessageDeliveryTimeout)
	err = bus.Send(sendCtx, endpoint, env)
	cancel()
	if err != nil {
		return &sendFault{cause: err}
	}

	return store.DeleteMessage(ctx, sess, msg.MessageID)
}
