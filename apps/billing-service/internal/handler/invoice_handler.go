package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/regtech/fabric/apps/billing-service/internal/service"
	"github.com/regtech/fabric/packages/fabric/event"
)

// InvoiceHandler is the domain-event listener that turns a BatchReceived
// domain event into a charge. It runs Transactional (inline, aborting the
// adapter's publish on failure), unlike reporting's AfterCommit listener
// for the same upstream event: a failed charge should block acknowledging
// the inbound message, not be silently logged and dropped.
type InvoiceHandler struct {
	billing *service.BillingService
}

func NewInvoiceHandler(billing *service.BillingService) *InvoiceHandler {
	return &InvoiceHandler{billing: billing}
}

type batchReceivedPayload struct {
	BatchID     string `json:"batch_id"`
	RecordCount int    `json:"record_count"`
}

func (h *InvoiceHandler) Handle(ctx context.Context, evt event.DomainEvent) error {
	raw, ok := evt.Payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(evt.Payload)
		if err != nil {
			return fmt.Errorf("invoice handler: re-marshal payload: %w", err)
		}
		raw = b
	}

	var p batchReceivedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("invoice handler: decode payload: %w", err)
	}

	if err := h.billing.ChargeForBatch(ctx, p.BatchID, p.RecordCount); err != nil {
		return fmt.Errorf("invoice handler: charge for batch %s: %w", p.BatchID, err)
	}
	return nil
}
