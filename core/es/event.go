package es

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftworks/evlog-go/internal/reflector"
)

// Event is one immutable fact in an aggregate's stream. It is created only
// by a successful append and is never mutated or removed afterwards. The
// payload is JSON-encoded at the store boundary, so later mutation of the
// caller's value cannot leak into the log.
type Event struct {
	// ID uniquely identifies the event and doubles as its idempotency key.
	ID string `json:"id"`
	// Seq is the store-wide sequence number, strictly increasing across
	// all aggregates. It provides the total order projections replay in.
	Seq uint64 `json:"seq"`
	// Version is the per-aggregate stream version (1, 2, 3, ...).
	Version Version `json:"version"`
	// AggregateID identifies the aggregate instance this event belongs to.
	AggregateID string `json:"aggregate_id"`
	// Type is the event type tag used for projection handler dispatch.
	Type string `json:"type"`
	// OccurredAt is when the event was created, per the store's clock.
	OccurredAt time.Time `json:"occurred_at"`
	// Metadata carries opaque key/value pairs attached by the writer.
	Metadata map[string]string `json:"metadata,omitempty"`
	// Data is the JSON-encoded event payload.
	Data json.RawMessage `json:"data,omitempty"`
}

func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is empty")
	}
	if e.AggregateID == "" {
		return fmt.Errorf("event aggregate id is empty")
	}
	if e.Type == "" {
		return fmt.Errorf("event type is empty")
	}
	if e.Version == 0 {
		return fmt.Errorf("event version is zero")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("event occurred at is zero")
	}
	return nil
}

// Unmarshal decodes the event payload into out.
func (e Event) Unmarshal(out any) error {
	if e.Data == nil {
		return nil
	}
	return json.Unmarshal(e.Data, out)
}

// TypeNameOf derives an event type tag from a payload's Go type, e.g.
// AccountCreated{} -> "AccountCreated". Pointers are unwrapped.
func TypeNameOf(payload any) string {
	return reflector.TypeInfoOf(payload).Name
}

func copyMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
