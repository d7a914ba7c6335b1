// Package service implements the ingestion module's own business logic and
// is the producer side of the fabric: every state-changing operation that
// other modules care about appends an outbox event in the same database
// transaction as its own write.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/regtech/fabric/apps/ingestion-service/internal/repository"
	"github.com/regtech/fabric/packages/fabric/bus"
	"github.com/regtech/fabric/packages/fabric/event"
	"github.com/regtech/fabric/packages/fabric/idempotent"
	"github.com/regtech/fabric/packages/fabric/outbox"
)

var ErrInvalidInput = errors.New("ingestion: invalid input")

// BatchService accepts inbound regulatory-reporting batches, persists them,
// and raises both a local domain event (for any in-process listener, e.g.
// a validation step) and a durable outbox event announcing the batch to
// the rest of the platform.
type BatchService struct {
	pool       *pgxpool.Pool
	repo       *repository.BatchRepository
	publisher  *outbox.Publisher
	domainBus  *bus.DomainBus
}

func NewBatchService(pool *pgxpool.Pool, repo *repository.BatchRepository, publisher *outbox.Publisher, domainBus *bus.DomainBus) *BatchService {
	return &BatchService{pool: pool, repo: repo, publisher: publisher, domainBus: domainBus}
}

// CreateBatchInput is the caller-facing request shape.
type CreateBatchInput struct {
	NaturalKey  string
	RecordCount int
}

// CreateBatch is idempotent end to end: EnsureOnce checks the natural key
// before doing any work, and the repository's WriteOnce wrapper treats a
// concurrent duplicate insert as success rather than as an error, so a
// redelivered request (e.g. a retried HTTP call from an upstream gateway)
// never creates a second batch or a second outbox event.
func (s *BatchService) CreateBatch(ctx context.Context, in CreateBatchInput) (repository.Batch, error) {
	if in.NaturalKey == "" {
		return repository.Batch{}, fmt.Errorf("%w: natural key is required", ErrInvalidInput)
	}
	if in.RecordCount <= 0 {
		return repository.Batch{}, fmt.Errorf("%w: record count must be positive", ErrInvalidInput)
	}

	var created repository.Batch
	err := idempotent.EnsureOnce(ctx, in.NaturalKey, s.repo.ExistsByNaturalKey, func(ctx context.Context, _ string) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		id := uuid.NewString()
		batch := repository.Batch{
			ID:          id,
			NaturalKey:  in.NaturalKey,
			RecordCount: in.RecordCount,
			Status:      "RECEIVED",
			CreatedAt:   time.Now().UTC(),
		}

		if err := s.repo.Insert(ctx, tx, batch); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

		payloadMap := map[string]interface{}{
			"batch_id":     id,
			"natural_key":  in.NaturalKey,
			"record_count": in.RecordCount,
		}
		injectTraceContext(ctx, payloadMap)
		payload, _ := json.Marshal(payloadMap)

		outboxTx := outbox.WrapTx(tx)
		if err := s.publisher.Publish(ctx, outboxTx, "BatchReceived", id, 1, payload); err != nil {
			return fmt.Errorf("publish outbox event: %w", err)
		}

		txCtx := bus.WithTransactionScope(ctx)
		domainErr := s.domainBus.Publish(txCtx, event.DomainEvent{
			EventID:    event.NewID(),
			EventType:  "BatchReceived",
			OccurredAt: batch.CreatedAt,
			Payload:    batch,
		})
		if domainErr != nil {
			return fmt.Errorf("publish domain event: %w", domainErr)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}

		s.domainBus.FlushAfterCommit(txCtx)
		created = batch
		return nil
	})
	if err != nil {
		return repository.Batch{}, err
	}

	if created.ID == "" {
		created.NaturalKey = in.NaturalKey
	}
	return created, nil
}

func injectTraceContext(ctx context.Context, payload map[string]interface{}) {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		payload["trace_id"] = spanCtx.TraceID().String()
		payload["span_id"] = spanCtx.SpanID().String()
	}
}
