// Package repository is the reporting module's own read-model store: a
// denormalized projection of batches ingested elsewhere on the platform,
// kept idempotent against redelivery per C11's repository-layer defense.
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/regtech/fabric/packages/fabric/idempotent"
)

type ProjectionRepository struct {
	pool *pgxpool.Pool
}

func NewProjectionRepository(pool *pgxpool.Pool) *ProjectionRepository {
	return &ProjectionRepository{pool: pool}
}

// ExistsByBatchID reports whether a projection row exists for batchID. The
// projection handler does not call it: reporting relies on Insert's
// WriteOnce alone.
func (r *ProjectionRepository) ExistsByBatchID(ctx context.Context, batchID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM batch_projections WHERE batch_id = $1)`, batchID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("projection repository: exists check: %w", err)
	}
	return exists, nil
}

// Insert writes a new projection row. A unique-constraint violation on
// batch_id is idempotent success, handled by idempotent.WriteOnce.
func (r *ProjectionRepository) Insert(ctx context.Context, batchID, naturalKey string, recordCount int) error {
	return idempotent.WriteOnce(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO batch_projections (batch_id, natural_key, record_count, status)
			VALUES ($1,$2,$3,'RECEIVED')`,
			batchID, naturalKey, recordCount,
		)
		return err
	})
}

// Schema is the DDL for the reporting module's own read model.
const Schema = `
CREATE TABLE IF NOT EXISTS batch_projections (
	batch_id     TEXT PRIMARY KEY,
	natural_key  TEXT NOT NULL,
	record_count INT NOT NULL,
	status       TEXT NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
