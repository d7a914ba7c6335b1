package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/regtech/fabric/packages/fabric/correlation"
)

type fakeStore struct {
	mu   sync.Mutex
	rows map[string]*Message
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[string]*Message{}} }

func (f *fakeStore) InsertIfAbsent(ctx context.Context, msg Message) (InsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[msg.EventID]; ok {
		return Duplicate, nil
	}
	msg.Status = StatusPending
	f.rows[msg.EventID] = &msg
	return Inserted, nil
}

func (f *fakeStore) MarkProcessed(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.rows[eventID]; ok {
		m.Status = StatusProcessed
	}
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, eventID string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.rows[eventID]; ok {
		m.Attempt++
		if cause != nil {
			m.LastError = cause.Error()
		}
	}
	return nil
}

func (f *fakeStore) MarkSkipped(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.rows[eventID]; ok {
		m.Status = StatusSkipped
	}
	return nil
}

func (f *fakeStore) PendingForReplay(ctx context.Context, maxN int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.rows {
		if len(out) >= maxN {
			break
		}
		if m.ReplayRequired && m.Status == StatusPending {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeStore) Purge(ctx context.Context, olderThan time.Time) (int, error) { return 0, nil }

func (f *fakeStore) CountPending(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.rows {
		if m.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) get(id string) Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

type redeliverFunc func(ctx context.Context, msg Message) error

func (r redeliverFunc) Redeliver(ctx context.Context, msg Message) error { return r(ctx, msg) }

func TestProcessor_ReplaysPendingReplayRequiredRows(t *testing.T) {
	store := newFakeStore()
	store.rows["e1"] = &Message{EventID: "e1", Status: StatusPending, ReplayRequired: true}
	store.rows["e2"] = &Message{EventID: "e2", Status: StatusPending, ReplayRequired: false}

	var seenReplayFlag bool
	redeliv := redeliverFunc(func(ctx context.Context, msg Message) error {
		seenReplayFlag = correlation.IsInboxReplay(ctx)
		return nil
	})

	p := NewProcessor(store, redeliv, DefaultProcessorConfig(), zap.NewNop())
	p.tick(context.Background())

	assert.True(t, seenReplayFlag)
	assert.Equal(t, StatusProcessed, store.get("e1").Status)
	assert.Equal(t, StatusPending, store.get("e2").Status)
}

func TestProcessor_RedeliveryFailureLeavesRowPendingAndRecordsAttempt(t *testing.T) {
	store := newFakeStore()
	store.rows["e3"] = &Message{EventID: "e3", Status: StatusPending, ReplayRequired: true}

	redeliv := redeliverFunc(func(ctx context.Context, msg Message) error {
		return errors.New("listener unavailable")
	})

	p := NewProcessor(store, redeliv, DefaultProcessorConfig(), zap.NewNop())
	p.tick(context.Background())

	msg := store.get("e3")
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, 1, msg.Attempt)
}

func TestProcessor_InsertIfAbsentIsIdempotent(t *testing.T) {
	store := newFakeStore()
	msg := Message{EventID: "dup-1", Type: "X"}

	res1, err := store.InsertIfAbsent(context.Background(), msg)
	assert.NoError(t, err)
	assert.Equal(t, Inserted, res1)

	res2, err := store.InsertIfAbsent(context.Background(), msg)
	assert.NoError(t, err)
	assert.Equal(t, Duplicate, res2)
}
