package adapter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/regtech/fabric/packages/fabric/bus"
	"github.com/regtech/fabric/packages/fabric/correlation"
	"github.com/regtech/fabric/packages/fabric/event"
)

func envelopePayload(t *testing.T, env event.Envelope) []byte {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("envelopePayload: %v", err)
	}
	return b
}

func TestAdapter_TranslatesAndPublishesOnFirstDelivery(t *testing.T) {
	domainBus := bus.NewDomainBus(zap.NewNop())
	var published event.DomainEvent
	domainBus.Subscribe("RiskScoreComputed", bus.Transactional, func(ctx context.Context, evt event.DomainEvent) error {
		published = evt
		return nil
	})

	a := New("risk.RiskScoreComputed", func(evt event.IntegrationEvent) (event.DomainEvent, error) {
		return event.DomainEvent{EventType: "RiskScoreComputed", EventID: evt.EventID}, nil
	}, domainBus)

	payload := envelopePayload(t, event.IntegrationEvent{EventID: "e1", EventType: "risk.RiskScoreComputed"}.ToEnvelope())

	err := a.Handle(context.Background(), "risk.RiskScoreComputed", payload)
	assert.NoError(t, err)
	assert.Equal(t, "e1", published.EventID)
}

func TestAdapter_SkipsPublishDuringInboxReplay(t *testing.T) {
	domainBus := bus.NewDomainBus(zap.NewNop())
	calls := 0
	domainBus.Subscribe("RiskScoreComputed", bus.Transactional, func(ctx context.Context, evt event.DomainEvent) error {
		calls++
		return nil
	})

	a := New("risk.RiskScoreComputed", func(evt event.IntegrationEvent) (event.DomainEvent, error) {
		return event.DomainEvent{EventType: "RiskScoreComputed"}, nil
	}, domainBus)

	payload := envelopePayload(t, event.IntegrationEvent{EventID: "e2"}.ToEnvelope())

	replayCtx := correlation.Inject(context.Background(), correlation.Context{IsInboxReplay: true})
	err := a.Handle(replayCtx, "risk.RiskScoreComputed", payload)

	assert.NoError(t, err)
	assert.Equal(t, 0, calls, "adapter must not re-emit the domain event during inbox replay")
}

func TestAdapter_MalformedPayloadIsTreatedAsPoisonPill(t *testing.T) {
	domainBus := bus.NewDomainBus(zap.NewNop())
	a := New("risk.RiskScoreComputed", func(evt event.IntegrationEvent) (event.DomainEvent, error) {
		return event.DomainEvent{}, nil
	}, domainBus)

	err := a.Handle(context.Background(), "risk.RiskScoreComputed", []byte(`{not-json`))
	assert.ErrorIs(t, err, event.ErrMalformedPayload)
}
