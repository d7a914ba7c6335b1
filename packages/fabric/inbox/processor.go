package inbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/regtech/fabric/packages/fabric/correlation"
)

// Redeliverer re-dispatches a single inbox message's original listener
// under a fresh correlation context. Implementations are expected to wrap
// the dispatcher's per-type listener registry; kept narrow here so this
// package does not import package dispatcher.
type Redeliverer interface {
	Redeliver(ctx context.Context, msg Message) error
}

// ProcessorConfig holds the replay loop's tunables.
type ProcessorConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval: 30 * time.Second,
		BatchSize:    50,
	}
}

// Processor is the inbox replay loop (C8): it periodically re-dispatches
// rows marked ReplayRequired so an operator-triggered inbox replay does not
// depend on the original publisher redelivering the message.
type Processor struct {
	store   Store
	redeliv Redeliverer
	cfg     ProcessorConfig
	logger  *zap.Logger
}

func NewProcessor(store Store, redeliv Redeliverer, cfg ProcessorConfig, logger *zap.Logger) *Processor {
	return &Processor{store: store, redeliv: redeliv, cfg: cfg, logger: logger}
}

func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Processor) tick(ctx context.Context) {
	msgs, err := p.store.PendingForReplay(ctx, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("inbox: pending for replay failed", zap.Error(err))
		return
	}

	for _, m := range msgs {
		rctx := correlation.Inject(ctx, correlation.Context{
			CorrelationID:  m.CorrelationID,
			IsInboxReplay:  true,
		})

		if err := p.redeliv.Redeliver(rctx, m); err != nil {
			p.logger.Warn("inbox: replay redelivery failed, will retry next tick",
				zap.String("event_id", m.EventID), zap.Error(err))
			if markErr := p.store.MarkFailed(ctx, m.EventID, err); markErr != nil {
				p.logger.Error("inbox: mark failed after replay error", zap.Error(markErr))
			}
			continue
		}

		if err := p.store.MarkProcessed(ctx, m.EventID); err != nil {
			p.logger.Error("inbox: mark processed after replay failed",
				zap.String("event_id", m.EventID), zap.Error(err))
		}
	}
}
