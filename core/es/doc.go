// Package es implements an append-only, per-aggregate event log with
// optimistic concurrency control, idempotent writes, periodic snapshots,
// replayable projections and asynchronous subscriber fan-out.
//
// A Store orchestrates the pieces: writes enter through Append, which
// serializes per aggregate, checks the idempotency guard and the expected
// version, assigns the per-aggregate version and the store-wide sequence,
// persists the event through a pluggable Backend, synchronously updates
// registered projections and hands the event to the subscriber bus. Every
// N versions the store folds the stream into a snapshot to bound replay
// cost.
//
// The correctness properties (contiguous 1-based versions per aggregate,
// a total order over all events via Seq, snapshot/replay equivalence and
// at-most-once application per event ID) hold for any Backend.
package es
