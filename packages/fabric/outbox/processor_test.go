package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore is an in-memory Store used to exercise Processor without a
// real database, mirroring the fake-repository style the teacher's own
// service unit tests use (e.g. service_test.go against an in-memory
// querier) rather than a live Postgres.
type fakeStore struct {
	mu       sync.Mutex
	messages map[string]*Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: map[string]*Message{}}
}

func (f *fakeStore) Append(ctx context.Context, tx Tx, messages ...Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range messages {
		m := m
		m.Status = StatusPending
		f.messages[m.ID] = &m
	}
	return nil
}

func (f *fakeStore) Claim(ctx context.Context, maxN int, lease time.Duration) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	var out []Message
	for _, m := range f.messages {
		if len(out) >= maxN {
			break
		}
		if m.Status == StatusPending && !m.NextAttemptAt.After(now) {
			m.Status = StatusProcessing
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkProcessed(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[id]; ok {
		m.Status = StatusProcessed
	}
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id string, cause error, nextAttemptAt time.Time, terminal bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil
	}
	m.Attempt++
	if cause != nil {
		m.LastError = cause.Error()
	}
	if terminal {
		m.Status = StatusFailed
	} else {
		m.Status = StatusPending
		m.NextAttemptAt = nextAttemptAt
	}
	return nil
}

func (f *fakeStore) ResetFailed(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.messages {
		if m.Status == StatusFailed {
			m.Status = StatusPending
			m.Attempt = 0
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[Status]int{}
	for _, m := range f.messages {
		counts[m.Status]++
	}
	return counts, nil
}

func (f *fakeStore) OldestFailedAge(ctx context.Context) (time.Duration, bool, error)  { return 0, false, nil }
func (f *fakeStore) OldestPendingAge(ctx context.Context) (time.Duration, bool, error) { return 0, false, nil }

func (f *fakeStore) get(id string) Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.messages[id]
}

type fakeBus struct {
	mu        sync.Mutex
	failUntil int
	calls     int
	published []string
}

func (b *fakeBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failUntil {
		return errors.New("broker unavailable")
	}
	b.published = append(b.published, topic)
	return nil
}

func testLogger() *zap.Logger { return zap.NewNop() }

func TestProcessor_HappyPath(t *testing.T) {
	store := newFakeStore()
	store.messages["e1"] = &Message{ID: "e1", Type: "BatchCompleted", Payload: []byte(`{}`), NextAttemptAt: time.Now().UTC()}
	bus := &fakeBus{}

	cfg := DefaultProcessorConfig()
	p := NewProcessor(store, bus, func(m Message) string { return "topic." + m.Type }, cfg, testLogger())

	p.tick(context.Background())

	msg := store.get("e1")
	assert.Equal(t, StatusProcessed, msg.Status)
	assert.Equal(t, []string{"topic.BatchCompleted"}, bus.published)
}

func TestProcessor_RetryThenSucceed(t *testing.T) {
	store := newFakeStore()
	store.messages["e3"] = &Message{ID: "e3", Type: "BatchCompleted", Payload: []byte(`{}`), NextAttemptAt: time.Now().UTC()}
	bus := &fakeBus{failUntil: 3}

	cfg := DefaultProcessorConfig()
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	p := NewProcessor(store, bus, func(m Message) string { return "topic" }, cfg, testLogger())

	for i := 0; i < 4; i++ {
		p.tick(context.Background())
		msg := store.get("e3")
		if msg.Status == StatusPending {
			msg.NextAttemptAt = time.Now().UTC().Add(-time.Millisecond)
			store.messages["e3"] = &msg
		}
	}

	msg := store.get("e3")
	assert.Equal(t, StatusProcessed, msg.Status)
	assert.Equal(t, 4, msg.Attempt)
}

func TestProcessor_NonRetryableGoesTerminal(t *testing.T) {
	store := newFakeStore()
	store.messages["e5"] = &Message{ID: "e5", Type: "BatchCompleted", Payload: []byte(`{}`), NextAttemptAt: time.Now().UTC()}

	bus := busFunc(func(ctx context.Context, topic string, payload []byte) error {
		return ErrNonRetryable
	})

	cfg := DefaultProcessorConfig()
	p := NewProcessor(store, bus, func(m Message) string { return "topic" }, cfg, testLogger())

	p.tick(context.Background())

	msg := store.get("e5")
	assert.Equal(t, StatusFailed, msg.Status)
	assert.Equal(t, 1, msg.Attempt)
}

func TestProcessor_MaxAttemptsExhausted(t *testing.T) {
	store := newFakeStore()
	store.messages["e6"] = &Message{ID: "e6", Type: "BatchCompleted", Payload: []byte(`{}`), Attempt: 9, NextAttemptAt: time.Now().UTC()}

	bus := busFunc(func(ctx context.Context, topic string, payload []byte) error {
		return errors.New("timeout")
	})

	cfg := DefaultProcessorConfig()
	cfg.MaxAttempts = 10
	p := NewProcessor(store, bus, func(m Message) string { return "topic" }, cfg, testLogger())

	p.tick(context.Background())

	msg := store.get("e6")
	assert.Equal(t, StatusFailed, msg.Status)
}

func TestDefaultClassifier(t *testing.T) {
	assert.True(t, DefaultClassifier(errors.New("timeout")))
	assert.False(t, DefaultClassifier(ErrNonRetryable))
}

type busFunc func(ctx context.Context, topic string, payload []byte) error

func (f busFunc) Publish(ctx context.Context, topic string, payload []byte) error {
	return f(ctx, topic, payload)
}

func TestProcessor_Wake_TriggersImmediateTick(t *testing.T) {
	store := newFakeStore()
	store.messages["e7"] = &Message{ID: "e7", Type: "T", Payload: []byte(`{}`), NextAttemptAt: time.Now().UTC()}
	bus := &fakeBus{}
	cfg := DefaultProcessorConfig()
	cfg.PollInterval = time.Hour
	p := NewProcessor(store, bus, func(m Message) string { return "t" }, cfg, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	p.Wake()

	require.Eventually(t, func() bool {
		return store.get("e7").Status == StatusProcessed
	}, 150*time.Millisecond, 5*time.Millisecond)

	cancel()
	<-done
}
