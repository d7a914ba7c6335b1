package idempotent

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsUniqueViolation(t *testing.T) {
	pgErr := &pgconn.PgError{Code: pgerrcode.UniqueViolation}
	assert.True(t, IsUniqueViolation(pgErr))
	assert.False(t, IsUniqueViolation(errors.New("timeout")))
	assert.False(t, IsUniqueViolation(nil))
}

func TestEnsureOnce_SkipsHandleWhenAlreadyApplied(t *testing.T) {
	calls := 0
	err := EnsureOnce(context.Background(), "batch-1",
		func(ctx context.Context, key string) (bool, error) { return true, nil },
		func(ctx context.Context, key string) error { calls++; return nil },
	)
	assert.NoError(t, err)
	assert.Equal(t, 0, calls)
}

func TestEnsureOnce_RunsHandleWhenAbsent(t *testing.T) {
	calls := 0
	err := EnsureOnce(context.Background(), "batch-2",
		func(ctx context.Context, key string) (bool, error) { return false, nil },
		func(ctx context.Context, key string) error { calls++; return nil },
	)
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWriteOnce_SwallowsUniqueViolation(t *testing.T) {
	err := WriteOnce(context.Background(), func(ctx context.Context) error {
		return &pgconn.PgError{Code: pgerrcode.UniqueViolation}
	})
	assert.NoError(t, err)
}

func TestWriteOnce_PropagatesOtherErrors(t *testing.T) {
	err := WriteOnce(context.Background(), func(ctx context.Context) error {
		return errors.New("connection reset")
	})
	assert.Error(t, err)
}
