// Package idempotent provides the command-handler and repository-layer
// defenses mandated for every consumer of cross-module events (C11): a
// natural-key existence check before acting, and unique-constraint
// violation treated as success rather than error on write. Either layer
// alone suffices for correctness; together with the adapter's
// inbox-replay skip they are redundant by design.
package idempotent

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), the signal a repository write uses to treat
// a duplicate natural key as success instead of propagating an error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// ExistsFunc checks whether the effect keyed by naturalKey has already
// been applied.
type ExistsFunc func(ctx context.Context, naturalKey string) (bool, error)

// HandlerFunc performs the business action for naturalKey.
type HandlerFunc func(ctx context.Context, naturalKey string) error

// EnsureOnce is the command-handler layer of defense: it checks exists
// before running handle, and treats the natural key already being present
// as a successful no-op. A race between the exists check and handle's own
// write is still closed by the repository layer's unique-constraint
// handling — EnsureOnce alone is best-effort, not a lock.
func EnsureOnce(ctx context.Context, naturalKey string, exists ExistsFunc, handle HandlerFunc) error {
	already, err := exists(ctx, naturalKey)
	if err != nil {
		return fmt.Errorf("idempotent: exists check for %s: %w", naturalKey, err)
	}
	if already {
		return nil
	}
	if err := handle(ctx, naturalKey); err != nil {
		return fmt.Errorf("idempotent: handle %s: %w", naturalKey, err)
	}
	return nil
}

// WriteOnce is the repository layer of defense: it runs write and
// swallows a unique-constraint violation as success, since that violation
// means a concurrent or redelivered attempt already applied the same
// natural-keyed effect.
func WriteOnce(ctx context.Context, write func(ctx context.Context) error) error {
	err := write(ctx)
	if err == nil {
		return nil
	}
	if IsUniqueViolation(err) {
		return nil
	}
	return fmt.Errorf("idempotent: write: %w", err)
}
