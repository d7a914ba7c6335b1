// Package outbox implements the per-module durable event buffer: rows are
// appended in the same transaction as the business write they describe,
// then drained by a scheduled processor into the cross-module bus.
package outbox

import (
	"context"
	"time"
)

// Status is the lifecycle state of an OutboxMessage.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusFailed     Status = "FAILED"
)

// Message is a durable outbox row.
type Message struct {
	ID             string
	AggregateKey   string // optional; empty means no per-key ordering is required
	Type           string
	Payload        []byte
	OccurredAt     time.Time
	CorrelationID  string
	SourceModule   string
	SchemaVersion  int
	Status         Status
	Attempt        int
	LastError      string
	LastAttemptAt  *time.Time
	NextAttemptAt  time.Time
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
}

// Tx abstracts the subset of a database transaction Append needs. Callers
// pass their own business-transaction handle (e.g. a pgx.Tx) through an
// implementation of this interface so Append runs INSERTs against the
// caller's in-flight transaction rather than opening a new one.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) error
}

// Store is the durable append-only outbox table. Implementations must make
// Claim safe under concurrent callers: two processors must never be handed
// the same row.
type Store interface {
	// Append inserts one or more PENDING rows inside the caller's
	// transaction tx. If tx is rolled back by the caller, no row becomes
	// visible — this atomicity with the business write is the entire
	// reason the outbox exists.
	Append(ctx context.Context, tx Tx, messages ...Message) error

	// Claim atomically selects up to maxN rows with status=PENDING and
	// nextAttemptAt <= now, plus rows whose PROCESSING lease has expired,
	// marks them PROCESSING with a fresh lastAttemptAt and lease expiry,
	// and returns them. Within a single aggregateKey, returned rows are
	// ordered by occurredAt ascending; across different keys, order is
	// unspecified.
	Claim(ctx context.Context, maxN int, lease time.Duration) ([]Message, error)

	// MarkProcessed transitions id to PROCESSED.
	MarkProcessed(ctx context.Context, id string) error

	// MarkFailed records attempt+1 and lastError. If terminal is true the
	// row moves to FAILED (operator action required); otherwise it returns
	// to PENDING with nextAttemptAt.
	MarkFailed(ctx context.Context, id string, cause error, nextAttemptAt time.Time, terminal bool) error

	// ResetFailed moves every FAILED row back to PENDING with attempt reset
	// to 0. Administrative operation; not called by the processor itself.
	ResetFailed(ctx context.Context) (int, error)

	// CountByStatus reports how many rows currently sit in each status, for
	// the operational counters in package metrics.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// OldestFailedAge returns the age of the oldest FAILED row, or false if
	// there are none.
	OldestFailedAge(ctx context.Context) (time.Duration, bool, error)

	// OldestPendingAge returns the age of the oldest PENDING row, or false
	// if there are none.
	OldestPendingAge(ctx context.Context) (time.Duration, bool, error)
}
