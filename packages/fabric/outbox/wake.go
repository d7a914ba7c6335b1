package outbox

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ListenForWake subscribes to a lightweight, non-durable core NATS subject
// (not a JetStream subject — this is purely a latency hint, never a
// delivery guarantee) and calls Wake on every message received. The
// cdc-notifier app publishes to this subject the moment it observes a WAL
// insert into outbox_messages, shrinking the processor's effective publish
// latency from PollInterval down to roughly WAL replication lag, without
// this process ever bypassing Claim's lease bookkeeping: a wake only
// triggers an ordinary tick.
func (p *Processor) ListenForWake(ctx context.Context, nc *nats.Conn, subject string) error {
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		p.Wake()
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	p.logger.Info("outbox: wake listener subscribed", zap.String("subject", subject))
	return nil
}
