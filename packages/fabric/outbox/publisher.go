package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/regtech/fabric/packages/fabric/correlation"
	"github.com/regtech/fabric/packages/fabric/event"
)

// Publisher is invoked by a transactional listener reacting to a domain
// event that carries cross-module significance. It serializes the
// integration event and appends it to the outbox inside the caller's own
// business transaction — that atomicity is the entire contract.
type Publisher struct {
	store        Store
	sourceModule string
}

// NewPublisher builds a Publisher bound to a module's own outbox Store.
// sourceModule is stamped on every event this publisher appends.
func NewPublisher(store Store, sourceModule string) *Publisher {
	return &Publisher{store: store, sourceModule: sourceModule}
}

// Publish appends one integration event to the outbox inside tx. It
// returns only once the append succeeds; the caller's business transaction
// must abort if this returns an error; the append is never retried inside
// Publish itself — a producer-transaction error propagates directly to the
// caller, consistent with exceptions-as-control-flow being replaced by
// explicit error returns throughout the fabric.
func (p *Publisher) Publish(ctx context.Context, tx Tx, eventType string, aggregateKey string, schemaVersion int, payload []byte) error {
	corr := correlation.Current(ctx)
	msg := Message{
		ID:            event.NewID(),
		AggregateKey:  aggregateKey,
		Type:          eventType,
		Payload:       payload,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: corr.CorrelationID,
		SourceModule:  p.sourceModule,
		SchemaVersion: schemaVersion,
		NextAttemptAt: time.Now().UTC(),
	}
	if err := p.store.Append(ctx, tx, msg); err != nil {
		return fmt.Errorf("outbox publisher: %w", err)
	}
	return nil
}

// PublishBatch appends several integration events raised by the same
// producer transaction in call order, preserving the spec's "appended in
// call order" ordering guarantee within one transaction.
func (p *Publisher) PublishBatch(ctx context.Context, tx Tx, events ...PendingEvent) error {
	corr := correlation.Current(ctx)
	now := time.Now().UTC()
	msgs := make([]Message, 0, len(events))
	for _, e := range events {
		msgs = append(msgs, Message{
			ID:            event.NewID(),
			AggregateKey:  e.AggregateKey,
			Type:          e.Type,
			Payload:       e.Payload,
			OccurredAt:    now,
			CorrelationID: corr.CorrelationID,
			SourceModule:  p.sourceModule,
			SchemaVersion: e.SchemaVersion,
			NextAttemptAt: now,
		})
	}
	if err := p.store.Append(ctx, tx, msgs...); err != nil {
		return fmt.Errorf("outbox publisher: batch: %w", err)
	}
	return nil
}

// PendingEvent is the caller-facing shape for a single event within a
// PublishBatch call.
type PendingEvent struct {
	Type          string
	AggregateKey  string
	SchemaVersion int
	Payload       []byte
}
