// Package bus provides the cross-module transport the outbox processor
// publishes onto and the inbound dispatcher pulls from, plus an in-process
// DomainBus for same-module domain event fan-out that never touches the
// network.
package bus

import "context"

// Publisher is the narrow surface outbox.Processor depends on.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// InboundHandler receives one delivered message and reports whether it was
// handled successfully. Bus bindings translate their own ack/nak/term
// vocabulary to and from this single error return.
type InboundHandler func(ctx context.Context, subject string, eventID string, payload []byte) error

// Subscriber is the inbound half: a durable, pull-based subscription that
// invokes handler for every message and redelivers on handler error.
type Subscriber interface {
	Subscribe(ctx context.Context, durableName, filterSubject string, handler InboundHandler) error
}

// Bus composes both halves; most apps only need one or the other.
type Bus interface {
	Publisher
	Subscriber
}
