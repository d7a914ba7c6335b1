package natsclient

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamDomainEvents is the durable JetStream stream carrying every
	// integration event any module's outbox publishes.
	StreamDomainEvents = "DOMAIN_EVENTS"
	// SubjectDomainEvents is the wildcard subject every module publishes
	// under: DOMAIN_EVENTS.<sourceModule>.<eventType>.
	SubjectDomainEvents = "DOMAIN_EVENTS.>"
)

var streamSubjects = []string{SubjectDomainEvents}

// ProvisionStreams idempotently ensures the DOMAIN_EVENTS stream exists.
// It is safe to call from every app's startup path: the first caller
// creates the stream, every subsequent caller finds it already there.
func (c *Client) ProvisionStreams() error {
	info, err := c.JS.StreamInfo(StreamDomainEvents)
	if err == nil {
		_ = info
		c.Log.Info("nats stream already exists", zap.String("stream", StreamDomainEvents))
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("natsclient: stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamDomainEvents,
		Subjects:  streamSubjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}

	if _, err := c.JS.AddStream(cfg); err != nil {
		return fmt.Errorf("natsclient: create stream: %w", err)
	}

	c.Log.Info("nats stream provisioned",
		zap.String("stream", StreamDomainEvents),
		zap.Strings("subjects", streamSubjects),
	)
	return nil
}

// EnsureConsumer idempotently creates a durable pull consumer for a
// subscriber module, filtered to the subjects it cares about (e.g.
// "DOMAIN_EVENTS.ingestion.>" for a reporting-service subscriber that only
// wants ingestion events).
func (c *Client) EnsureConsumer(durableName, filterSubject string) error {
	_, err := c.JS.ConsumerInfo(StreamDomainEvents, durableName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("natsclient: consumer info: %w", err)
	}

	_, err = c.JS.AddConsumer(StreamDomainEvents, &nats.ConsumerConfig{
		Durable:       durableName,
		FilterSubject: filterSubject,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxDeliver:    -1,
	})
	if err != nil {
		return fmt.Errorf("natsclient: add consumer %s: %w", durableName, err)
	}

	c.Log.Info("nats consumer provisioned",
		zap.String("durable", durableName), zap.String("filter", filterSubject))
	return nil
}
