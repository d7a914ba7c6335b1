package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/regtech/fabric/apps/ingestion-service/internal/service"
)

func TestCreateBatch_RejectsMissingNaturalKey(t *testing.T) {
	s := service.NewBatchService(nil, nil, nil, nil)
	_, err := s.CreateBatch(context.Background(), service.CreateBatchInput{RecordCount: 10})
	assert.ErrorIs(t, err, service.ErrInvalidInput)
}

func TestCreateBatch_RejectsNonPositiveRecordCount(t *testing.T) {
	s := service.NewBatchService(nil, nil, nil, nil)
	_, err := s.CreateBatch(context.Background(), service.CreateBatchInput{NaturalKey: "batch-1", RecordCount: 0})
	assert.ErrorIs(t, err, service.ErrInvalidInput)
}

// CreateBatch's transactional path requires a real pgxpool.Pool and is
// covered by integration tests, not here — mirroring the teacher's own
// service_test.go split between pure-function unit tests and
// pgxpool-backed integration tests.
