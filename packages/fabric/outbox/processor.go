package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/regtech/fabric/packages/fabric/correlation"
	"github.com/regtech/fabric/packages/fabric/event"
	"github.com/regtech/fabric/packages/fabric/metrics"
)

// BusPublisher is the cross-module bus surface the processor needs: a
// durable, at-least-once publish. It is intentionally narrow so either the
// NATS-backed bus or an in-process stub (for tests) can satisfy it without
// this package importing package bus.
type BusPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// RetryClassifier decides whether a publish failure should be retried
// (network/timeout/broker-unavailable) or is terminal (schema rejection,
// authorization denial, unparseable payload). Unknown errors default to
// retryable — the fabric never silently drops a message it could not
// classify, it only logs loudly so the classification can be tightened.
type RetryClassifier func(err error) (retryable bool)

// DefaultClassifier retries everything except errors explicitly wrapped
// with ErrNonRetryable.
func DefaultClassifier(err error) bool {
	return !errors.Is(err, ErrNonRetryable)
}

// ErrNonRetryable marks a publish failure as terminal. Callers building a
// BusPublisher should wrap schema/authorization failures with this so the
// processor moves the row straight to FAILED instead of retrying it.
var ErrNonRetryable = errors.New("outbox: non-retryable publish failure")

// ProcessorConfig holds the tunables named in the fabric's configuration
// surface (outbox.pollInterval, outbox.batchSize, ...).
type ProcessorConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	MaxInFlight     int
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	LeaseDuration   time.Duration
	PublishTimeout  time.Duration
}

// DefaultProcessorConfig matches the defaults named in the spec.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval:   time.Second,
		BatchSize:      100,
		MaxInFlight:    16,
		MaxAttempts:    10,
		BaseBackoff:    2 * time.Second,
		MaxBackoff:     5 * time.Minute,
		LeaseDuration:  30 * time.Second,
		PublishTimeout: 10 * time.Second,
	}
}

// Processor is the scheduled outbox drain loop: claim → publish →
// markProcessed/markFailed, with bounded-concurrency in-flight publishes
// and exponential backoff with jitter on retryable failures.
type Processor struct {
	store     Store
	bus       BusPublisher
	topicFor  func(m Message) string
	classify  RetryClassifier
	cfg       ProcessorConfig
	logger    *zap.Logger
	metrics   *metrics.Fabric

	wakeCh chan struct{}
}

// WithMetrics attaches the fabric's operational counters; nil (the
// default) disables recording without disabling the processor itself.
func (p *Processor) WithMetrics(m *metrics.Fabric) *Processor {
	p.metrics = m
	return p
}

// NewProcessor builds a Processor. topicFor maps an outbox Message to the
// bus topic it is published on (e.g. "<module>.<type>"; NATSBus prefixes the
// DOMAIN_EVENTS stream name itself).
func NewProcessor(store Store, bus BusPublisher, topicFor func(Message) string, cfg ProcessorConfig, logger *zap.Logger) *Processor {
	return &Processor{
		store:    store,
		bus:      bus,
		topicFor: topicFor,
		classify: DefaultClassifier,
		cfg:      cfg,
		logger:   logger,
		wakeCh:   make(chan struct{}, 1),
	}
}

// WithClassifier overrides the retry classifier.
func (p *Processor) WithClassifier(c RetryClassifier) *Processor {
	p.classify = c
	return p
}

// Wake requests an immediate tick instead of waiting for the next poll
// interval. A CDC-based notifier (see apps/cdc-notifier) calls this the
// moment it observes a WAL insert into outbox_messages, shrinking publish
// latency down from PollInterval to near-zero without bypassing the
// claim/lease bookkeeping a logical-replication-only pipeline would skip.
func (p *Processor) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Run drives the processor loop until ctx is cancelled. On cancellation,
// in-flight publishes are allowed to finish (cooperative shutdown); any row
// still PROCESSING becomes reclaimable once its lease expires.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		case <-p.wakeCh:
			p.tick(ctx)
		}
	}
}

func (p *Processor) tick(ctx context.Context) {
	msgs, err := p.store.Claim(ctx, p.cfg.BatchSize, p.cfg.LeaseDuration)
	if err != nil {
		p.logger.Error("outbox: claim failed", zap.Error(err))
		return
	}
	if len(msgs) == 0 {
		return
	}

	sem := make(chan struct{}, p.cfg.MaxInFlight)
	var wg sync.WaitGroup
	for _, m := range msgs {
		m := m
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.publishOne(ctx, m)
		}()
	}
	wg.Wait()
}

func (p *Processor) publishOne(ctx context.Context, m Message) {
	// Detached from ctx's cancellation so a shutdown lets this publish and
	// its status update complete; PublishTimeout still bounds the publish.
	ctx = context.WithoutCancel(ctx)
	pctx := correlation.Inject(ctx, correlation.Context{
		CorrelationID:  m.CorrelationID,
		IsOutboxReplay: m.Attempt > 0,
	})

	publishCtx, cancel := context.WithTimeout(pctx, p.cfg.PublishTimeout)
	defer cancel()

	// The wire body is the envelope, not the raw business payload: a
	// subscriber's IntegrationAdapter needs eventId/sourceModule/schemaVersion
	// to translate, and never sees the outbox row itself.
	body, marshalErr := json.Marshal(event.Envelope{
		EventID:       m.ID,
		Type:          m.Type,
		SourceModule:  m.SourceModule,
		SchemaVersion: m.SchemaVersion,
		OccurredAt:    m.OccurredAt.Format(time.RFC3339Nano),
		CorrelationID: m.CorrelationID,
		Payload:       m.Payload,
	})
	if marshalErr != nil {
		p.logger.Error("outbox: envelope marshal failed, moving to FAILED",
			zap.String("id", m.ID), zap.Error(marshalErr))
		_ = p.store.MarkFailed(ctx, m.ID, marshalErr, time.Now().UTC(), true)
		return
	}

	err := p.bus.Publish(publishCtx, p.topicFor(m), body)
	if err == nil {
		if err := p.store.MarkProcessed(ctx, m.ID); err != nil {
			p.logger.Error("outbox: mark processed failed", zap.String("id", m.ID), zap.Error(err))
		}
		if p.metrics != nil {
			p.metrics.OutboxProcessedTotal.Add(ctx, 1)
		}
		return
	}

	retryable := p.classify(err)
	attempt := m.Attempt + 1
	terminal := !retryable || attempt >= p.cfg.MaxAttempts

	next := time.Now().UTC()
	if !terminal {
		next = next.Add(p.backoffWithJitter(attempt))
	}

	if markErr := p.store.MarkFailed(ctx, m.ID, err, next, terminal); markErr != nil {
		p.logger.Error("outbox: mark failed failed", zap.String("id", m.ID), zap.Error(markErr))
	}

	if terminal {
		p.logger.Error("outbox: message moved to FAILED",
			zap.String("id", m.ID), zap.String("type", m.Type), zap.Error(err))
		if p.metrics != nil {
			p.metrics.OutboxFailedTotal.Add(ctx, 1)
		}
	} else {
		p.logger.Error("outbox: publish failed, will retry",
			zap.String("id", m.ID), zap.String("correlation_id", m.CorrelationID),
			zap.Int("attempt", attempt), zap.Error(err))
	}
}

// backoffWithJitter advances a freshly-seeded exponential backoff generator
// attempt steps to reach base*2^(attempt-1) capped at MaxBackoff, with the
// library's own jitter applied — matching the spec's "backoffs ≈ 2s, 4s,
// 8s (plus jitter)" sequence for the default 2s base. A new generator is
// built per call since attempt count, not generator state, survives across
// ticks (it's persisted on the outbox row, not in process memory).
func (p *Processor) backoffWithJitter(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BaseBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2

	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		d = p.cfg.MaxBackoff
	}
	return d
}
