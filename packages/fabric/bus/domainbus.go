package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/regtech/fabric/packages/fabric/event"
)

// Mode selects when a subscription's listener runs relative to the
// producer's transaction.
type Mode int

const (
	// Transactional listeners run inline, in the producer's own call stack
	// and (by convention) inside its database transaction; a listener
	// error aborts the producer.
	Transactional Mode = iota
	// AfterCommit listeners run once the producer's transaction has
	// committed; a listener error is logged and does not abort anything
	// already durable. The failed call is not retried.
	AfterCommit
)

// DomainListener handles one DomainEvent.
type DomainListener func(ctx context.Context, evt event.DomainEvent) error

type subscription struct {
	mode     Mode
	listener DomainListener
}

// DomainBus is the in-process, single-module dispatcher (C9). It is not a
// durable log: events it carries never leave the process and are lost if
// the listener list does not yet include every interested subscriber at
// publish time.
type DomainBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	logger *zap.Logger
}

func NewDomainBus(logger *zap.Logger) *DomainBus {
	return &DomainBus{subs: map[string][]subscription{}, logger: logger}
}

// Subscribe registers a listener for eventType under the given Mode.
// Listeners for the same type are invoked in registration order.
func (b *DomainBus) Subscribe(eventType string, mode Mode, l DomainListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], subscription{mode: mode, listener: l})
}

type txScopeKey struct{}

// txScope holds the per-producer-transaction state a DomainBus needs:
// the breadth-first re-entrancy queue and the after-commit callbacks
// accumulated while that transaction's listeners ran. Scoping both to the
// context (not to the DomainBus instance) means concurrent producer
// transactions never share or corrupt each other's queue.
type txScope struct {
	pending     []event.DomainEvent
	afterCommit []func(context.Context)
	draining    bool
}

// WithTransactionScope installs a fresh txScope on ctx. A producer's
// transaction wrapper calls this once per transaction, before its first
// Publish, and passes the returned context to every Publish call it makes;
// FlushAfterCommit is then called with the same context after commit.
func WithTransactionScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, txScopeKey{}, &txScope{})
}

// Publish dispatches evt to every Transactional listener synchronously (in
// emission order) and queues every AfterCommit listener onto ctx's
// txScope, to be run by FlushAfterCommit.
//
// Re-entrancy — a listener publishing a new event from within its own
// call — is handled breadth-first: the event is appended to the same
// txScope's pending queue rather than dispatched immediately, so the
// outermost Publish call (the one that installed the txScope's draining
// loop) delivers each generation in full before starting the next, and a
// chain of re-entrant publishes never grows the call stack.
func (b *DomainBus) Publish(ctx context.Context, evt event.DomainEvent) error {
	scope, ok := ctx.Value(txScopeKey{}).(*txScope)
	if !ok {
		// No caller-installed scope: treat this single Publish as its own
		// one-event transaction scope so callers outside a producer
		// transaction (e.g. ad-hoc tooling) still get breadth-first
		// re-entrancy handling for whatever the listener itself publishes.
		scope = &txScope{}
		ctx = context.WithValue(ctx, txScopeKey{}, scope)
		scope.pending = append(scope.pending, evt)
		return b.drain(ctx, scope)
	}

	if scope.draining {
		scope.pending = append(scope.pending, evt)
		return nil
	}

	scope.pending = append(scope.pending, evt)
	return b.drain(ctx, scope)
}

func (b *DomainBus) drain(ctx context.Context, scope *txScope) error {
	scope.draining = true
	defer func() { scope.draining = false }()

	for len(scope.pending) > 0 {
		next := scope.pending[0]
		scope.pending = scope.pending[1:]
		if err := b.dispatch(ctx, scope, next); err != nil {
			scope.pending = nil
			return err
		}
	}
	return nil
}

func (b *DomainBus) dispatch(ctx context.Context, scope *txScope, evt event.DomainEvent) error {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[evt.EventType]...)
	b.mu.RUnlock()

	for _, s := range subs {
		switch s.mode {
		case Transactional:
			if err := s.listener(ctx, evt); err != nil {
				return err
			}
		case AfterCommit:
			listener := s.listener
			e := evt
			scope.afterCommit = append(scope.afterCommit, func(runCtx context.Context) {
				if err := listener(runCtx, e); err != nil {
					b.logger.Error("domainbus: after-commit listener failed",
						zap.String("event_type", e.EventType), zap.Error(err))
				}
			})
		}
	}
	return nil
}

// FlushAfterCommit runs every AfterCommit listener queued on ctx's
// txScope. The producer's transaction wrapper calls this exactly once,
// after tx.Commit succeeds, with the same context it passed to Publish.
// Calling it on a context with no txScope installed is a no-op.
func (b *DomainBus) FlushAfterCommit(ctx context.Context) {
	scope, ok := ctx.Value(txScopeKey{}).(*txScope)
	if !ok {
		return
	}
	pending := scope.afterCommit
	scope.afterCommit = nil
	for _, fn := range pending {
		fn(ctx)
	}
}
