package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxTx adapts a pgx.Tx to the Tx interface Append accepts, so callers in
// the producing module's own business transaction can pass tx straight
// through without this package importing their transaction type.
type pgxTx struct{ tx pgx.Tx }

// WrapTx lets a caller pass an in-flight pgx.Tx to Append.
func WrapTx(tx pgx.Tx) Tx { return pgxTx{tx: tx} }

func (p pgxTx) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := p.tx.Exec(ctx, sql, args...)
	return err
}

// PostgresStore is the pgx-backed Store implementation. It expects a table
// created by the migration in this package's accompanying schema (see
// Schema), with the (status, next_attempt_at) and (aggregate_key,
// occurred_at) indexes the spec requires.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing connection pool. The pool is shared
// with the rest of the module; Append never opens its own connection since
// it must run inside the caller's transaction.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Append(ctx context.Context, tx Tx, messages ...Message) error {
	for _, m := range messages {
		if m.NextAttemptAt.IsZero() {
			m.NextAttemptAt = time.Now().UTC()
		}
		err := tx.Exec(ctx, `
			INSERT INTO outbox_messages (
				id, aggregate_key, type, payload, occurred_at, correlation_id,
				source_module, schema_version, status, attempt, next_attempt_at, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,now())`,
			m.ID, nullableText(m.AggregateKey), m.Type, m.Payload, m.OccurredAt,
			m.CorrelationID, m.SourceModule, m.SchemaVersion, StatusPending, m.NextAttemptAt,
		)
		if err != nil {
			return fmt.Errorf("outbox: append %s: %w", m.ID, err)
		}
	}
	return nil
}

// Claim uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent processors
// never double-claim a row: a locked row is simply invisible to a
// competing claim rather than blocking it.
func (s *PostgresStore) Claim(ctx context.Context, maxN int, lease time.Duration) ([]Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	leaseExpiry := now.Add(lease)

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_key, type, payload, occurred_at, correlation_id,
		       source_module, schema_version, attempt, status
		FROM outbox_messages
		WHERE (status = $1 AND next_attempt_at <= $2)
		   OR (status = $3 AND lease_expires_at IS NOT NULL AND lease_expires_at <= $2)
		ORDER BY aggregate_key NULLS FIRST, occurred_at ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED`,
		StatusPending, now, StatusProcessing, maxN,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim select: %w", err)
	}

	var claimed []Message
	var ids []string
	for rows.Next() {
		var m Message
		var aggKey *string
		var prevStatus Status
		if err := rows.Scan(&m.ID, &aggKey, &m.Type, &m.Payload, &m.OccurredAt,
			&m.CorrelationID, &m.SourceModule, &m.SchemaVersion, &m.Attempt, &prevStatus); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox: claim scan: %w", err)
		}
		if prevStatus == StatusProcessing {
			// Reclaimed after an expired lease: the lost attempt counts.
			m.Attempt++
		}
		if aggKey != nil {
			m.AggregateKey = *aggKey
		}
		m.Status = StatusProcessing
		claimed = append(claimed, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: claim rows: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE outbox_messages
		SET status = $1, last_attempt_at = $2, lease_expires_at = $3,
		    attempt = CASE WHEN status = $1 THEN attempt + 1 ELSE attempt END
		WHERE id = ANY($4)`,
		StatusProcessing, now, leaseExpiry, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("outbox: claim commit: %w", err)
	}
	return claimed, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages SET status = $1, lease_expires_at = NULL WHERE id = $2`,
		StatusProcessed, id,
	)
	if err != nil {
		return fmt.Errorf("outbox: mark processed %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, cause error, nextAttemptAt time.Time, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = $1, attempt = attempt + 1, last_error = $2, next_attempt_at = $3, lease_expires_at = NULL
		WHERE id = $4`,
		status, msg, nextAttemptAt, id,
	)
	if err != nil {
		return fmt.Errorf("outbox: mark failed %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ResetFailed(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = $1, attempt = 0, next_attempt_at = now(), last_error = NULL
		WHERE status = $2`,
		StatusPending, StatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("outbox: reset failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM outbox_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("outbox: count by status: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("outbox: count by status scan: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) OldestFailedAge(ctx context.Context) (time.Duration, bool, error) {
	return s.oldestAge(ctx, StatusFailed, "last_attempt_at")
}

func (s *PostgresStore) OldestPendingAge(ctx context.Context) (time.Duration, bool, error) {
	return s.oldestAge(ctx, StatusPending, "created_at")
}

func (s *PostgresStore) oldestAge(ctx context.Context, status Status, column string) (time.Duration, bool, error) {
	var ts *time.Time
	query := fmt.Sprintf(`SELECT min(%s) FROM outbox_messages WHERE status = $1`, column)
	err := s.pool.QueryRow(ctx, query, status).Scan(&ts)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("outbox: oldest age (%s): %w", status, err)
	}
	if ts == nil {
		return 0, false, nil
	}
	return time.Since(*ts), true, nil
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Schema is the DDL for the outbox table and its indexes, matching the
// column set fixed by the external interface spec. Migrations in the apps
// that own an outbox run this (or an equivalent golang-migrate migration)
// once per module.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox_messages (
	id               TEXT PRIMARY KEY,
	aggregate_key    TEXT,
	type             TEXT NOT NULL,
	payload          JSONB NOT NULL,
	occurred_at      TIMESTAMPTZ NOT NULL,
	correlation_id   TEXT NOT NULL,
	source_module    TEXT NOT NULL,
	schema_version   INT NOT NULL DEFAULT 1,
	status           TEXT NOT NULL,
	attempt          INT NOT NULL DEFAULT 0,
	last_error       TEXT,
	last_attempt_at  TIMESTAMPTZ,
	next_attempt_at  TIMESTAMPTZ NOT NULL,
	lease_expires_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_outbox_status_next_attempt ON outbox_messages (status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_outbox_aggregate_occurred ON outbox_messages (aggregate_key, occurred_at);
`
