package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/regtech/fabric/packages/fabric/event"
)

func TestDomainBus_TransactionalListenerRunsInline(t *testing.T) {
	b := NewDomainBus(zap.NewNop())
	var got event.DomainEvent
	b.Subscribe("BatchIngested", Transactional, func(ctx context.Context, evt event.DomainEvent) error {
		got = evt
		return nil
	})

	ctx := WithTransactionScope(context.Background())
	err := b.Publish(ctx, event.DomainEvent{EventType: "BatchIngested", EventID: "e1"})
	assert.NoError(t, err)
	assert.Equal(t, "e1", got.EventID)
}

func TestDomainBus_TransactionalListenerErrorAbortsPublish(t *testing.T) {
	b := NewDomainBus(zap.NewNop())
	b.Subscribe("BatchIngested", Transactional, func(ctx context.Context, evt event.DomainEvent) error {
		return errors.New("validation failed")
	})

	ctx := WithTransactionScope(context.Background())
	err := b.Publish(ctx, event.DomainEvent{EventType: "BatchIngested"})
	assert.Error(t, err)
}

func TestDomainBus_AfterCommitListenerRunsOnlyOnFlush(t *testing.T) {
	b := NewDomainBus(zap.NewNop())
	ran := false
	b.Subscribe("BatchIngested", AfterCommit, func(ctx context.Context, evt event.DomainEvent) error {
		ran = true
		return nil
	})

	ctx := WithTransactionScope(context.Background())
	err := b.Publish(ctx, event.DomainEvent{EventType: "BatchIngested"})
	assert.NoError(t, err)
	assert.False(t, ran, "after-commit listener must not run before flush")

	b.FlushAfterCommit(ctx)
	assert.True(t, ran)
}

func TestDomainBus_EmissionOrderPreserved(t *testing.T) {
	b := NewDomainBus(zap.NewNop())
	var order []string
	b.Subscribe("A", Transactional, func(ctx context.Context, evt event.DomainEvent) error {
		order = append(order, "A:"+evt.EventID)
		return nil
	})
	b.Subscribe("B", Transactional, func(ctx context.Context, evt event.DomainEvent) error {
		order = append(order, "B:"+evt.EventID)
		return nil
	})

	ctx := WithTransactionScope(context.Background())
	assert.NoError(t, b.Publish(ctx, event.DomainEvent{EventType: "A", EventID: "1"}))
	assert.NoError(t, b.Publish(ctx, event.DomainEvent{EventType: "B", EventID: "2"}))

	assert.Equal(t, []string{"A:1", "B:2"}, order)
}

func TestDomainBus_ReentrantPublishDispatchesBreadthFirst(t *testing.T) {
	b := NewDomainBus(zap.NewNop())
	var order []string

	b.Subscribe("Parent", Transactional, func(ctx context.Context, evt event.DomainEvent) error {
		order = append(order, "parent")
		// Re-entrant publish from within a listener: must be queued, not
		// run immediately, so "parent-done" logs before "child".
		if err := b.Publish(ctx, event.DomainEvent{EventType: "Child"}); err != nil {
			return err
		}
		order = append(order, "parent-done")
		return nil
	})
	b.Subscribe("Child", Transactional, func(ctx context.Context, evt event.DomainEvent) error {
		order = append(order, "child")
		return nil
	})

	ctx := WithTransactionScope(context.Background())
	err := b.Publish(ctx, event.DomainEvent{EventType: "Parent"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"parent", "parent-done", "child"}, order)
}

func TestDomainBus_PublishWithoutScopeStillWorks(t *testing.T) {
	b := NewDomainBus(zap.NewNop())
	called := false
	b.Subscribe("Standalone", Transactional, func(ctx context.Context, evt event.DomainEvent) error {
		called = true
		return nil
	})

	err := b.Publish(context.Background(), event.DomainEvent{EventType: "Standalone"})
	assert.NoError(t, err)
	assert.True(t, called)
}
