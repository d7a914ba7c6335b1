// Package correlation carries the task-scoped correlation id and replay
// flags through every call chain the event fabric spawns: the producing
// HTTP handler, the outbox processor worker, the inbound dispatcher, and
// the inbox replay loop all read and extend the same structure.
package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
)

type ctxKey struct{}

// Context is the immutable correlation state for one logical unit of work.
type Context struct {
	CorrelationID  string
	IsInboxReplay  bool
	IsOutboxReplay bool
}

// New returns a fresh Context with a new correlation id and both replay
// flags false.
func New() Context {
	return Context{CorrelationID: ulid.Make().String()}
}

// WithCorrelationID returns a fresh Context seeded with an existing
// correlation id, e.g. one carried on an inbound integration event.
func WithCorrelationID(id string) Context {
	return Context{CorrelationID: id}
}

// Current returns the active Context attached to ctx. If none is attached,
// it returns a fresh Context with a new correlation id, per the
// in-absence default the fabric's callers rely on.
func Current(ctx context.Context) Context {
	if c, ok := ctx.Value(ctxKey{}).(Context); ok {
		return c
	}
	return New()
}

// Inject attaches c to ctx, returning the derived context.
func Inject(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// Override describes the fields a nested RunWith call changes relative to
// the enclosing Context. An empty CorrelationID and a nil bool pointer both
// mean "leave unchanged"; a non-nil bool pointer is applied even when it
// points at false, since false is a meaningful, explicit value.
type Override struct {
	CorrelationID  string
	SetInboxReplay *bool
	SetOutboxReplay *bool
}

// RunWith runs fn under a Context derived from the one currently active on
// ctx, with overrides applied. Overrides compose by replacement, never by
// union: a nested RunWith starts from the Context its parent's fn received
// (parent overrides included), replaces only the fields it sets, and never
// sees a sibling's override. The prior Context is restored on every exit path
// because ctx itself is never mutated — fn receives a derived child context
// and the caller's ctx is left untouched once RunWith returns.
func RunWith(ctx context.Context, o Override, fn func(context.Context) error) error {
	base := Current(ctx)
	next := base
	if o.CorrelationID != "" {
		next.CorrelationID = o.CorrelationID
	}
	if o.SetInboxReplay != nil {
		next.IsInboxReplay = *o.SetInboxReplay
	}
	if o.SetOutboxReplay != nil {
		next.IsOutboxReplay = *o.SetOutboxReplay
	}
	return fn(Inject(ctx, next))
}

// BoolPtr is a small helper for constructing Override literals inline.
func BoolPtr(b bool) *bool { return &b }

// ID reads the correlation id active on ctx.
func ID(ctx context.Context) string { return Current(ctx).CorrelationID }

// IsInboxReplay reports whether ctx is running under an inbox replay tick.
func IsInboxReplay(ctx context.Context) bool { return Current(ctx).IsInboxReplay }

// IsOutboxReplay reports whether ctx is running under an outbox lease
// reclaim / retry pass rather than a first-attempt publish.
func IsOutboxReplay(ctx context.Context) bool { return Current(ctx).IsOutboxReplay }
