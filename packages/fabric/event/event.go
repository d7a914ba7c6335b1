// Package event defines the two disjoint event families the fabric moves:
// DomainEvent (intra-module, in-process only) and IntegrationEvent
// (inter-module, with a stable wire schema). The fabric never promotes one
// to the other automatically — see package adapter for the translator that
// does it deliberately.
package event

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrMalformedPayload marks an inbound message as a poison pill: it could
// not be parsed into a valid Envelope at all, so redelivering it can never
// succeed. Bus bindings check for this with errors.Is to decide Term vs
// Nak.
var ErrMalformedPayload = errors.New("event: malformed envelope payload")

// NewID returns a new platform-wide unique event id. It is a ULID:
// timestamp-prefixed for natural sort order, 128 bits of entropy.
func NewID() string {
	return ulid.Make().String()
}

// DomainEvent is a happening internal to one bounded context. Routing is
// purely in-process; a DomainEvent is never persisted by the fabric and
// never crosses a module boundary on its own.
type DomainEvent struct {
	EventID       string
	EventType     string
	OccurredAt    time.Time
	CorrelationID string
	Payload       any
}

// IntegrationEvent is a happening exposed across module boundaries with a
// stable wire schema. SourceModule identifies the producing bounded
// context; SchemaVersion must be bumped, additive-fields-only, whenever the
// wire payload shape changes.
type IntegrationEvent struct {
	EventID       string
	EventType     string
	SourceModule  string
	SchemaVersion int
	OccurredAt    time.Time
	CorrelationID string
	Payload       []byte
}

// Envelope is the stable JSON wire contract for an IntegrationEvent,
// matching the wire envelope fixed by the fabric's external interface:
//
//	{ "eventId", "type", "sourceModule", "schemaVersion", "occurredAt",
//	  "correlationId", "payload" }
//
// Payload uses json.RawMessage, not []byte: encoding/json base64-encodes a
// plain []byte field, which breaks consumers that need to inspect the
// payload object directly (e.g. extracting a trace context or natural key)
// without a decode round-trip.
type Envelope struct {
	EventID       string          `json:"eventId"`
	Type          string          `json:"type"`
	SourceModule  string          `json:"sourceModule"`
	SchemaVersion int             `json:"schemaVersion"`
	OccurredAt    string          `json:"occurredAt"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
}

// ToEnvelope serializes an IntegrationEvent into its wire Envelope shape.
// The payload bytes are carried through verbatim — they are expected to
// already be valid JSON produced by the caller.
func (e IntegrationEvent) ToEnvelope() Envelope {
	return Envelope{
		EventID:       e.EventID,
		Type:          e.EventType,
		SourceModule:  e.SourceModule,
		SchemaVersion: e.SchemaVersion,
		OccurredAt:    e.OccurredAt.UTC().Format(time.RFC3339Nano),
		CorrelationID: e.CorrelationID,
		Payload:       e.Payload,
	}
}

// FromEnvelope reconstructs an IntegrationEvent from a decoded wire
// Envelope. OccurredAt parse failures fall back to the zero time rather
// than erroring — a malformed timestamp should not by itself poison-pill an
// otherwise processable message; downstream ordering within an aggregate
// key already depends on the producer-side occurredAt, not the consumer's
// re-parse of it.
func FromEnvelope(env Envelope) IntegrationEvent {
	occurredAt, _ := time.Parse(time.RFC3339Nano, env.OccurredAt)
	return IntegrationEvent{
		EventID:       env.EventID,
		EventType:     env.Type,
		SourceModule:  env.SourceModule,
		SchemaVersion: env.SchemaVersion,
		OccurredAt:    occurredAt,
		CorrelationID: env.CorrelationID,
		Payload:       env.Payload,
	}
}
