package handler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/regtech/fabric/apps/reporting-service/internal/handler"
	"github.com/regtech/fabric/packages/fabric/event"
)

// The repository-backed success path needs a real pgxpool.Pool and is
// covered by integration tests, mirroring ingestion's own service test
// split. Only the pure payload-decode failure, which never reaches the
// repository, is unit tested here.
func TestBatchProjectionHandler_RejectsUndecodablePayload(t *testing.T) {
	h := handler.NewBatchProjectionHandler(nil)
	err := h.Handle(context.Background(), event.DomainEvent{
		EventType:  "BatchReceived",
		OccurredAt: time.Now(),
		Payload:    "not valid json payload shape",
	})
	assert.Error(t, err)
}
