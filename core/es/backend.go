package es

import "context"

// Backend is the persistence layer behind a Store. It owns the event log
// and the store-wide sequence counter; everything above it (locking,
// concurrency checks, idempotency, projections, fan-out) lives in the
// Store, so the correctness properties are backend-agnostic.
//
// The Store serializes Append calls; a Backend does not need to arbitrate
// concurrent writers, only to persist atomically and read consistently.
type Backend interface {
	// Append persists ev, assigning its Seq, and returns the stored event.
	Append(ctx context.Context, ev Event) (Event, error)
	// Load returns the aggregate's events with version >= from, in
	// ascending version order. An unknown aggregate yields an empty slice.
	Load(ctx context.Context, aggregateID string, from Version) ([]Event, error)
	// Version returns the aggregate's current stream version, 0 if the
	// aggregate has no events.
	Version(ctx context.Context, aggregateID string) (Version, error)
	// All returns every stored event with Seq >= fromSeq in ascending
	// sequence order, across all aggregates.
	All(ctx context.Context, fromSeq uint64) ([]Event, error)
}
