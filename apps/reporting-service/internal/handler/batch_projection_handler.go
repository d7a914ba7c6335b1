// Package handler holds reporting's domain-event listeners: the
// in-process subscribers that turn a translated domain event into a
// write against reporting's own read model.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/regtech/fabric/apps/reporting-service/internal/repository"
	"github.com/regtech/fabric/packages/fabric/event"
)

// BatchProjectionHandler keeps batch_projections in sync with BatchReceived
// domain events raised by the adapter layer from the ingestion module's
// integration events.
type BatchProjectionHandler struct {
	repo *repository.ProjectionRepository
}

func NewBatchProjectionHandler(repo *repository.ProjectionRepository) *BatchProjectionHandler {
	return &BatchProjectionHandler{repo: repo}
}

type batchReceivedPayload struct {
	BatchID     string `json:"batch_id"`
	NaturalKey  string `json:"natural_key"`
	RecordCount int    `json:"record_count"`
}

// Handle is a bus.DomainListener. The event's Payload is the raw
// integration-event payload bytes carried through translation unchanged,
// so it is decoded here rather than type-asserted.
func (h *BatchProjectionHandler) Handle(ctx context.Context, evt event.DomainEvent) error {
	raw, ok := evt.Payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(evt.Payload)
		if err != nil {
			return fmt.Errorf("batch projection handler: re-marshal payload: %w", err)
		}
		raw = b
	}

	var p batchReceivedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("batch projection handler: decode payload: %w", err)
	}

	if err := h.repo.Insert(ctx, p.BatchID, p.NaturalKey, p.RecordCount); err != nil {
		return fmt.Errorf("batch projection handler: insert: %w", err)
	}
	return nil
}
