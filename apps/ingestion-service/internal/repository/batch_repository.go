// Package repository is the ingestion module's own persistence layer: the
// batches table it owns, plus the idempotent-write defense every consumer
// of cross-module events is required to carry (C11, repository layer).
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/regtech/fabric/packages/fabric/idempotent"
)

// Batch is a row in the ingestion module's batches table.
type Batch struct {
	ID          string
	NaturalKey  string
	RecordCount int
	Status      string
	CreatedAt   time.Time
}

type BatchRepository struct {
	pool *pgxpool.Pool
}

func NewBatchRepository(pool *pgxpool.Pool) *BatchRepository {
	return &BatchRepository{pool: pool}
}

// ExistsByNaturalKey backs the command-handler layer's EnsureOnce check.
func (r *BatchRepository) ExistsByNaturalKey(ctx context.Context, naturalKey string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM batches WHERE natural_key = $1)`, naturalKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("batch repository: exists check: %w", err)
	}
	return exists, nil
}

// Insert creates the batch row within tx. The write is wrapped in
// idempotent.WriteOnce, so a unique-constraint violation on natural_key is
// returned as success rather than as an error.
func (r *BatchRepository) Insert(ctx context.Context, tx pgx.Tx, b Batch) error {
	return idempotent.WriteOnce(ctx, func(ctx context.Context) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO batches (id, natural_key, record_count, status, created_at)
			VALUES ($1,$2,$3,$4,$5)`,
			b.ID, b.NaturalKey, b.RecordCount, b.Status, b.CreatedAt,
		)
		return err
	})
}

// Schema is the DDL for the ingestion module's own table.
const Schema = `
CREATE TABLE IF NOT EXISTS batches (
	id           TEXT PRIMARY KEY,
	natural_key  TEXT NOT NULL UNIQUE,
	record_count INT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
