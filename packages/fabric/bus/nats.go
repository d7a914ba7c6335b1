package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/regtech/fabric/packages/fabric/dispatcher"
	"github.com/regtech/fabric/packages/fabric/event"
	"github.com/regtech/fabric/packages/platform/natsclient"
)

// NATSBus binds the fabric's Bus interface onto a JetStream stream using
// pull subscriptions, the same fetch-loop shape the teacher's audit
// consumer uses, generalized to a registered InboundHandler instead of one
// hardcoded listener.
type NATSBus struct {
	client *natsclient.Client
	logger *zap.Logger
}

func NewNATSBus(client *natsclient.Client, logger *zap.Logger) *NATSBus {
	return &NATSBus{client: client, logger: logger}
}

// Publish sends payload to subject DOMAIN_EVENTS.<topic>, with a publish
// ack awaited synchronously so outbox.Processor's retry/backoff bookkeeping
// reflects real broker acceptance rather than a fire-and-forget send.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	subject := fmt.Sprintf("%s.%s", natsclient.StreamDomainEvents, topic)
	_, err := b.client.JS.Publish(subject, payload, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("natsbus: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe opens a durable pull consumer and fetches in small batches
// until ctx is cancelled, invoking handler per message and translating its
// error into Ack/Nak/Term. A malformed-payload handler error (wrapped with
// event.ErrMalformedPayload) or dispatcher.ErrNoListener terminates the
// message since redelivery can never fix it; any other error naks for
// redelivery.
func (b *NATSBus) Subscribe(ctx context.Context, durableName, filterSubject string, handler InboundHandler) error {
	if err := b.client.EnsureConsumer(durableName, filterSubject); err != nil {
		return fmt.Errorf("natsbus: ensure consumer: %w", err)
	}

	sub, err := b.client.JS.PullSubscribe(filterSubject, durableName,
		nats.BindStream(natsclient.StreamDomainEvents))
	if err != nil {
		return fmt.Errorf("natsbus: pull subscribe: %w", err)
	}

	b.logger.Info("natsbus: subscription started",
		zap.String("durable", durableName), zap.String("filter", filterSubject))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := sub.Fetch(10, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			continue
		}

		for _, msg := range msgs {
			b.deliverOne(ctx, msg, handler)
		}
	}
}

func (b *NATSBus) deliverOne(ctx context.Context, msg *nats.Msg, handler InboundHandler) {
	eventID := msg.Header.Get("Event-Id")
	if eventID == "" {
		if md, err := msg.Metadata(); err == nil {
			eventID = fmt.Sprintf("%d", md.Sequence.Stream)
		}
	}

	err := handler(ctx, msg.Subject, eventID, msg.Data)
	switch ackAction(err) {
	case ackAck:
		_ = msg.Ack()
	case ackTerm:
		b.logger.Error("natsbus: terminating poison pill", zap.String("subject", msg.Subject), zap.Error(err))
		_ = msg.Term()
	case ackNak:
		b.logger.Warn("natsbus: handler failed, requeueing", zap.String("subject", msg.Subject), zap.Error(err))
		_ = msg.Nak()
	}
}

type ackDecision int

const (
	ackAck ackDecision = iota
	ackNak
	ackTerm
)

// ackAction maps a handler's error into the three NATS JetStream outcomes.
// A nil error acks. event.ErrMalformedPayload or dispatcher.ErrNoListener
// terminate the message, since redelivery can never turn a poison pill or
// an unregistered type into something processable. Everything else naks
// for redelivery.
func ackAction(err error) ackDecision {
	if err == nil {
		return ackAck
	}
	if errors.Is(err, event.ErrMalformedPayload) || errors.Is(err, dispatcher.ErrNoListener) {
		return ackTerm
	}
	return ackNak
}
