// Package natsclient wraps a NATS connection and JetStream context shared
// by the fabric components that touch the bus: the outbox processor's
// publisher and wake listener and the inbound dispatcher's pull
// subscriptions all hold one of these. The cdc-notifier opens its own core
// NATS connection instead.
package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
	Log  *zap.Logger
}

// NewClient connects to NATS and initializes a JetStream context.
// RetryOnFailedConnect plus MaxReconnects(-1) means the fabric never gives
// up reconnecting on its own — a transient broker outage must never look
// like a terminal configuration error to the caller.
func NewClient(url string, logger *zap.Logger) (*Client, error) {
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("natsclient: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsclient: jetstream: %w", err)
	}

	logger.Info("nats jetstream connected", zap.String("url", url))
	return &Client{Conn: nc, JS: js, Log: logger}, nil
}

// Close drains the connection: all pending publish acks and in-flight
// subscription deliveries flush before the socket closes, unlike Close()
// which drops them immediately.
func (c *Client) Close() {
	if c.Conn == nil {
		return
	}
	if err := c.Conn.Drain(); err != nil {
		c.Conn.Close()
	}
}
