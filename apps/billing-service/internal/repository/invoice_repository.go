// Package repository is billing's own persistence layer: one invoice per
// ingested batch, guarded by the repository layer's idempotent-write
// defense alongside the command-handler layer in internal/service (C11,
// both layers — the rest of the fabric's consumer apps use only one).
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/regtech/fabric/packages/fabric/idempotent"
)

type Invoice struct {
	BatchID string
	Amount  int64
	Status  string
}

type InvoiceRepository struct {
	pool *pgxpool.Pool
}

func NewInvoiceRepository(pool *pgxpool.Pool) *InvoiceRepository {
	return &InvoiceRepository{pool: pool}
}

// ExistsForBatch backs the command-handler layer's EnsureOnce check.
func (r *InvoiceRepository) ExistsForBatch(ctx context.Context, batchID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM invoices WHERE batch_id = $1)`, batchID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("invoice repository: exists check: %w", err)
	}
	return exists, nil
}

// Insert writes a draft invoice for a batch. A concurrent duplicate write
// that races past ExistsForBatch is still caught here: batch_id carries a
// unique constraint and idempotent.WriteOnce swallows the violation.
func (r *InvoiceRepository) Insert(ctx context.Context, inv Invoice) error {
	return idempotent.WriteOnce(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO invoices (batch_id, amount_cents, status)
			VALUES ($1,$2,$3)`,
			inv.BatchID, inv.Amount, inv.Status,
		)
		return err
	})
}

// Schema is the DDL for billing's own table.
const Schema = `
CREATE TABLE IF NOT EXISTS invoices (
	batch_id     TEXT PRIMARY KEY,
	amount_cents BIGINT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
