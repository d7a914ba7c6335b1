// Package metrics defines the fabric's operational instruments: outbox and
// inbox depth gauges, throughput counters, and listener failure counts,
// all recorded through the OTel metric API so they flow through whatever
// MeterProvider the hosting app's telemetry.InitMeterProvider installed.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Fabric holds the instruments every outbox/inbox component records
// against. Construct one per process with New and pass it down to the
// Processor, Dispatcher, and InboundDispatcher instances that need it.
type Fabric struct {
	OutboxProcessedTotal metric.Int64Counter
	OutboxFailedTotal    metric.Int64Counter
	OutboxPending        metric.Int64ObservableGauge
	InboxDuplicatesTotal metric.Int64Counter
	InboxPending         metric.Int64ObservableGauge
	ListenerFailuresTotal metric.Int64Counter
}

// PendingSampler is polled at collection time to report current queue
// depth without the fabric's hot path paying for a gauge update on every
// message.
type PendingSampler func(ctx context.Context) (int64, error)

// New registers the fabric's instruments against meter. outboxPending and
// inboxPending back the two observable gauges via callback, matching the
// push-vs-pull split OTel recommends for counters (pushed inline) versus
// queue-depth gauges (sampled on collection).
func New(meter metric.Meter, outboxPending, inboxPending PendingSampler) (*Fabric, error) {
	f := &Fabric{}
	var err error

	f.OutboxProcessedTotal, err = meter.Int64Counter("fabric.outbox.processed_total",
		metric.WithDescription("outbox messages successfully published"))
	if err != nil {
		return nil, fmt.Errorf("metrics: outbox processed counter: %w", err)
	}

	f.OutboxFailedTotal, err = meter.Int64Counter("fabric.outbox.failed_total",
		metric.WithDescription("outbox messages moved to FAILED"))
	if err != nil {
		return nil, fmt.Errorf("metrics: outbox failed counter: %w", err)
	}

	f.InboxDuplicatesTotal, err = meter.Int64Counter("fabric.inbox.duplicates_total",
		metric.WithDescription("inbound deliveries recognized as duplicates by inbox dedupe"))
	if err != nil {
		return nil, fmt.Errorf("metrics: inbox duplicates counter: %w", err)
	}

	f.ListenerFailuresTotal, err = meter.Int64Counter("fabric.listener.failures_total",
		metric.WithDescription("listener invocations that returned an error"))
	if err != nil {
		return nil, fmt.Errorf("metrics: listener failures counter: %w", err)
	}

	f.OutboxPending, err = meter.Int64ObservableGauge("fabric.outbox.pending",
		metric.WithDescription("outbox rows currently PENDING"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			n, err := outboxPending(ctx)
			if err != nil {
				return err
			}
			obs.Observe(n)
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: outbox pending gauge: %w", err)
	}

	f.InboxPending, err = meter.Int64ObservableGauge("fabric.inbox.pending",
		metric.WithDescription("inbox rows currently PENDING"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			n, err := inboxPending(ctx)
			if err != nil {
				return err
			}
			obs.Observe(n)
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: inbox pending gauge: %w", err)
	}

	return f, nil
}
