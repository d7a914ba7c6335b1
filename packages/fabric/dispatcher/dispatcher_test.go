package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/regtech/fabric/packages/fabric/inbox"
)

type fakeInbox struct {
	mu   sync.Mutex
	rows map[string]*inbox.Message
}

func newFakeInbox() *fakeInbox { return &fakeInbox{rows: map[string]*inbox.Message{}} }

func (f *fakeInbox) InsertIfAbsent(ctx context.Context, msg inbox.Message) (inbox.InsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[msg.EventID]; ok {
		return inbox.Duplicate, nil
	}
	msg.Status = inbox.StatusPending
	f.rows[msg.EventID] = &msg
	return inbox.Inserted, nil
}

func (f *fakeInbox) MarkProcessed(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.rows[eventID]; ok {
		m.Status = inbox.StatusProcessed
	}
	return nil
}

func (f *fakeInbox) MarkFailed(ctx context.Context, eventID string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.rows[eventID]; ok {
		m.Attempt++
	}
	return nil
}

func (f *fakeInbox) MarkSkipped(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.rows[eventID]; ok {
		m.Status = inbox.StatusSkipped
	}
	return nil
}

func (f *fakeInbox) PendingForReplay(ctx context.Context, maxN int) ([]inbox.Message, error) {
	return nil, nil
}

func (f *fakeInbox) Purge(ctx context.Context, olderThan time.Time) (int, error) { return 0, nil }

func (f *fakeInbox) CountPending(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeInbox) get(id string) inbox.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

func TestDispatch_InvokesListenerOnFirstDelivery(t *testing.T) {
	store := newFakeInbox()
	d := New(store, zap.NewNop())

	calls := 0
	d.Register("OrderPlaced", func(ctx context.Context, eventType string, payload []byte) error {
		calls++
		return nil
	})

	err := d.Dispatch(context.Background(), InboundMessage{EventID: "e1", Type: "OrderPlaced", Payload: []byte(`{}`)})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, inbox.StatusProcessed, store.get("e1").Status)
}

func TestDispatch_DuplicateDeliverySkipsListener(t *testing.T) {
	store := newFakeInbox()
	d := New(store, zap.NewNop())

	calls := 0
	d.Register("OrderPlaced", func(ctx context.Context, eventType string, payload []byte) error {
		calls++
		return nil
	})

	msg := InboundMessage{EventID: "e2", Type: "OrderPlaced", Payload: []byte(`{}`)}
	require := assert.New(t)
	require.NoError(d.Dispatch(context.Background(), msg))
	require.NoError(d.Dispatch(context.Background(), msg))
	require.Equal(1, calls)
}

func TestDispatch_ListenerFailureLeavesRowPending(t *testing.T) {
	store := newFakeInbox()
	d := New(store, zap.NewNop())

	d.Register("OrderPlaced", func(ctx context.Context, eventType string, payload []byte) error {
		return errors.New("db unavailable")
	})

	err := d.Dispatch(context.Background(), InboundMessage{EventID: "e3", Type: "OrderPlaced", Payload: []byte(`{}`)})
	assert.Error(t, err)
	assert.Equal(t, inbox.StatusPending, store.get("e3").Status)
}

func TestDispatch_UnregisteredTypeMarksSkipped(t *testing.T) {
	store := newFakeInbox()
	d := New(store, zap.NewNop())

	err := d.Dispatch(context.Background(), InboundMessage{EventID: "e4", Type: "Unknown", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrNoListener)
	assert.Equal(t, inbox.StatusSkipped, store.get("e4").Status)
}
