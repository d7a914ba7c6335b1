package handler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/regtech/fabric/apps/billing-service/internal/handler"
	"github.com/regtech/fabric/packages/fabric/event"
)

// The charge path needs a real pgxpool.Pool-backed repository and is
// covered by integration tests. Only the pure payload-decode failure,
// which never reaches billing.ChargeForBatch, is unit tested here.
func TestInvoiceHandler_RejectsUndecodablePayload(t *testing.T) {
	h := handler.NewInvoiceHandler(nil)
	err := h.Handle(context.Background(), event.DomainEvent{
		EventType:  "BatchReceived",
		OccurredAt: time.Now(),
		Payload:    42,
	})
	assert.Error(t, err)
}
