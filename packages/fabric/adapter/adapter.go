// Package adapter implements the IntegrationAdapter translator layer
// (C10): the only place a foreign module's integration event is converted
// into a local domain event. It exists to fix the duplicate-processing bug
// the fabric is built around — emitting the local event both on first
// delivery and again on inbox replay.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/regtech/fabric/packages/fabric/bus"
	"github.com/regtech/fabric/packages/fabric/correlation"
	"github.com/regtech/fabric/packages/fabric/event"
)

func unmarshalEnvelope(payload []byte, env *event.Envelope) error {
	return json.Unmarshal(payload, env)
}

// Translate maps an inbound IntegrationEvent to a local DomainEvent. It
// performs no business logic: field mapping only.
type Translate func(evt event.IntegrationEvent) (event.DomainEvent, error)

// Adapter is a per-subscriber-type translator registered as a dispatcher
// listener for exactly one integration event type.
type Adapter struct {
	eventType string
	translate Translate
	domainBus *bus.DomainBus
}

// New builds an Adapter for eventType, publishing its translated output
// onto domainBus.
func New(eventType string, translate Translate, domainBus *bus.DomainBus) *Adapter {
	return &Adapter{eventType: eventType, translate: translate, domainBus: domainBus}
}

// EventType is the integration event type this adapter handles, for
// registration against an InboundDispatcher.
func (a *Adapter) EventType() string { return a.eventType }

// Handle is the dispatcher.Listener entry point. It must check
// isInboxReplay and return early on replay: the local domain event this
// adapter would emit is itself about to be re-dispatched by the inbox
// replay path (the adapter's own listeners re-run under the replay flag),
// so emitting it again here would be the exact duplicate-processing bug
// this design exists to close.
func (a *Adapter) Handle(ctx context.Context, eventType string, payload []byte) error {
	if correlation.IsInboxReplay(ctx) {
		return nil
	}

	var env event.Envelope
	if err := unmarshalEnvelope(payload, &env); err != nil {
		return fmt.Errorf("%w: %v", event.ErrMalformedPayload, err)
	}

	integrationEvt := event.FromEnvelope(env)
	domainEvt, err := a.translate(integrationEvt)
	if err != nil {
		return fmt.Errorf("adapter: translate %s: %w", a.eventType, err)
	}

	txCtx := bus.WithTransactionScope(ctx)
	if err := a.domainBus.Publish(txCtx, domainEvt); err != nil {
		return fmt.Errorf("adapter: publish %s: %w", domainEvt.EventType, err)
	}
	a.domainBus.FlushAfterCommit(txCtx)
	return nil
}
