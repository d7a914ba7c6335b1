// Package dispatcher implements the inbound side of the fabric: every
// message arriving from the bus passes through an InboundDispatcher before
// it reaches application code, so inbox dedupe is never optional and never
// forgettable per-listener.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/regtech/fabric/packages/fabric/correlation"
	"github.com/regtech/fabric/packages/fabric/event"
	"github.com/regtech/fabric/packages/fabric/inbox"
	"github.com/regtech/fabric/packages/fabric/metrics"
)

// Listener handles one inbound integration event. ctx carries the
// correlation.Context rebuilt from the envelope, with IsInboxReplay set
// when this call is a replay re-dispatch rather than a first delivery.
type Listener func(ctx context.Context, eventType string, payload []byte) error

// InboundMessage is the bus-agnostic shape the dispatcher consumes;
// HandleInbound builds one of these from each raw message a bus binding
// (e.g. the NATS binding in package bus) delivers.
type InboundMessage struct {
	EventID       string
	SourceModule  string
	Type          string
	Payload       []byte
	CorrelationID string
}

// ErrNoListener is returned by Dispatch when no listener is registered for
// the message's event type. The caller's bus binding should Term (not Nak)
// on this error: redelivering will never make a listener appear.
var ErrNoListener = errors.New("dispatcher: no listener registered for event type")

// Dispatcher is the InboundDispatcher (C7): it deduplicates via the inbox
// store and invokes the registered listener under a freshly constructed
// correlation context, never propagating the publisher's own correlation
// id as this subscriber's ambient context beyond what the event carries
// explicitly.
type Dispatcher struct {
	store     inbox.Store
	listeners map[string]Listener
	logger    *zap.Logger
	metrics   *metrics.Fabric
}

func New(store inbox.Store, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, listeners: map[string]Listener{}, logger: logger}
}

// WithMetrics attaches the fabric's operational counters; nil (the
// default) disables recording without disabling dispatch itself.
func (d *Dispatcher) WithMetrics(m *metrics.Fabric) *Dispatcher {
	d.metrics = m
	return d
}

// Register binds a Listener to an event type. Registering the same type
// twice overwrites the previous binding; callers are expected to register
// once at startup.
func (d *Dispatcher) Register(eventType string, l Listener) {
	d.listeners[eventType] = l
}

// Redeliver satisfies inbox.Redeliverer, letting the inbox replay
// processor re-invoke this dispatcher's listeners for rows it marked
// ReplayRequired.
func (d *Dispatcher) Redeliver(ctx context.Context, msg inbox.Message) error {
	l, ok := d.listeners[msg.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoListener, msg.Type)
	}
	return l(ctx, msg.Type, msg.Payload)
}

// Dispatch is invoked by a bus binding for each delivered message. It
// inserts the inbox row (idempotent on EventID), and only invokes the
// listener on first insertion — a duplicate delivery acks successfully
// without ever re-running listener side effects, which is the entire
// point of the inbox pattern.
func (d *Dispatcher) Dispatch(ctx context.Context, m InboundMessage) error {
	res, err := d.store.InsertIfAbsent(ctx, inbox.Message{
		EventID:       m.EventID,
		SourceModule:  m.SourceModule,
		Type:          m.Type,
		Payload:       m.Payload,
		CorrelationID: m.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("dispatcher: inbox insert: %w", err)
	}
	if res == inbox.Duplicate {
		d.logger.Debug("dispatcher: duplicate delivery, skipping listener",
			zap.String("event_id", m.EventID), zap.String("type", m.Type))
		if d.metrics != nil {
			d.metrics.InboxDuplicatesTotal.Add(ctx, 1)
		}
		return nil
	}

	l, ok := d.listeners[m.Type]
	if !ok {
		_ = d.store.MarkSkipped(ctx, m.EventID)
		return fmt.Errorf("%w: %s", ErrNoListener, m.Type)
	}

	lctx := correlation.Inject(ctx, correlation.Context{
		CorrelationID: m.CorrelationID,
		IsInboxReplay: false,
	})

	if err := l(lctx, m.Type, m.Payload); err != nil {
		if markErr := d.store.MarkFailed(ctx, m.EventID, err); markErr != nil {
			d.logger.Error("dispatcher: mark failed failed", zap.Error(markErr))
		}
		if d.metrics != nil {
			d.metrics.ListenerFailuresTotal.Add(ctx, 1)
		}
		return fmt.Errorf("dispatcher: listener for %s: %w", m.Type, err)
	}

	if err := d.store.MarkProcessed(ctx, m.EventID); err != nil {
		return fmt.Errorf("dispatcher: mark processed: %w", err)
	}
	return nil
}

// HandleInbound adapts the dispatcher to a bus subscription's raw
// (subject, eventID, payload) shape: it unmarshals the wire envelope to
// recover the fabric-wide event id, type, and correlation id, then
// delegates to Dispatch. Its signature matches bus.InboundHandler
// structurally so a bus binding can pass this method value directly
// without package dispatcher importing package bus.
func (d *Dispatcher) HandleInbound(ctx context.Context, subject string, eventID string, payload []byte) error {
	var env event.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("%w: %v", event.ErrMalformedPayload, err)
	}

	return d.Dispatch(ctx, InboundMessage{
		EventID:       env.EventID,
		SourceModule:  env.SourceModule,
		Type:          env.Type,
		Payload:       payload,
		CorrelationID: env.CorrelationID,
	})
}
