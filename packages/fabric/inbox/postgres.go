package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed Store implementation, matching the
// external interface's inbox schema: event_id PK, index on
// (status, replay_required).
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InsertIfAbsent relies on ON CONFLICT DO NOTHING against the event_id
// primary key, the same idempotent-insert idiom the teacher's audit
// consumer uses for its audit_logs table: a unique-constraint collision is
// success, not an error, so no pre-check SELECT is needed under
// concurrency.
func (s *PostgresStore) InsertIfAbsent(ctx context.Context, msg Message) (InsertResult, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO inbox_messages (
			event_id, source_module, type, payload, correlation_id,
			received_at, status, replay_required, attempt
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0)
		ON CONFLICT (event_id) DO NOTHING`,
		msg.EventID, msg.SourceModule, msg.Type, msg.Payload, msg.CorrelationID,
		timeOrNow(msg.ReceivedAt), StatusPending, msg.ReplayRequired,
	)
	if err != nil {
		return 0, fmt.Errorf("inbox: insert if absent %s: %w", msg.EventID, err)
	}
	if tag.RowsAffected() == 0 {
		return Duplicate, nil
	}
	return Inserted, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE inbox_messages SET status = $1 WHERE event_id = $2`, StatusProcessed, eventID)
	if err != nil {
		return fmt.Errorf("inbox: mark processed %s: %w", eventID, err)
	}
	return nil
}

// MarkFailed increments attempt and leaves the row PENDING, per the inbox
// state machine: a listener failure never terminates the row, it stays
// redeliverable.
func (s *PostgresStore) MarkFailed(ctx context.Context, eventID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE inbox_messages SET attempt = attempt + 1, last_error = $1 WHERE event_id = $2`,
		msg, eventID,
	)
	if err != nil {
		return fmt.Errorf("inbox: mark failed %s: %w", eventID, err)
	}
	return nil
}

func (s *PostgresStore) MarkSkipped(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE inbox_messages SET status = $1 WHERE event_id = $2`, StatusSkipped, eventID)
	if err != nil {
		return fmt.Errorf("inbox: mark skipped %s: %w", eventID, err)
	}
	return nil
}

func (s *PostgresStore) PendingForReplay(ctx context.Context, maxN int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, source_module, type, payload, correlation_id, received_at,
		       status, replay_required, attempt
		FROM inbox_messages
		WHERE replay_required = true AND status = $1
		ORDER BY received_at ASC
		LIMIT $2`,
		StatusPending, maxN,
	)
	if err != nil {
		return nil, fmt.Errorf("inbox: pending for replay: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.EventID, &m.SourceModule, &m.Type, &m.Payload, &m.CorrelationID,
			&m.ReceivedAt, &m.Status, &m.ReplayRequired, &m.Attempt); err != nil {
			return nil, fmt.Errorf("inbox: pending for replay scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM inbox_messages WHERE status = $1 AND received_at < $2`,
		StatusProcessed, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("inbox: purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM inbox_messages WHERE status = $1`, StatusPending).Scan(&n)
	if err != nil && err != pgx.ErrNoRows {
		return 0, fmt.Errorf("inbox: count pending: %w", err)
	}
	return n, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// Schema is the DDL for the inbox table, matching the column set and
// index fixed by the external interface spec.
const Schema = `
CREATE TABLE IF NOT EXISTS inbox_messages (
	event_id        TEXT PRIMARY KEY,
	source_module   TEXT NOT NULL,
	type            TEXT NOT NULL,
	payload         JSONB NOT NULL,
	correlation_id  TEXT NOT NULL,
	received_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	status          TEXT NOT NULL,
	replay_required BOOLEAN NOT NULL DEFAULT false,
	attempt         INT NOT NULL DEFAULT 0,
	last_error      TEXT
);
CREATE INDEX IF NOT EXISTS idx_inbox_status_replay ON inbox_messages (status, replay_required);
`
