package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/driftworks/evlog-go/core/perkey"
)

var (
	// ErrConcurrencyConflict matches any ConcurrencyError via errors.Is.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrStoreClosed is returned by Append after Close.
	ErrStoreClosed = errors.New("event store is closed")
)

// ConcurrencyError reports an optimistic concurrency check failure: the
// stream moved past the version the writer last observed. The stream is
// unchanged; the caller re-reads the current version and retries.
type ConcurrencyError struct {
	AggregateID string
	Expected    Version
	Actual      Version
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf(
		"concurrency conflict on aggregate %s: expected version %d, actual %d",
		e.AggregateID, e.Expected, e.Actual,
	)
}

func (e *ConcurrencyError) Is(target error) bool { return target == ErrConcurrencyConflict }

// Store is the write and read surface of the event log. Construct it with
// NewStore and wire it explicitly; there is no ambient global instance.
type Store struct {
	log         *slog.Logger
	backend     Backend
	guard       Guard
	snapshotter Snapshotter
	clock       Clock
	newID       IDGenerator
	metrics     Metrics

	// appends serializes writes per aggregate ID; writes to different
	// aggregates proceed in parallel.
	appends *perkey.Scheduler[string]

	// commitMu covers sequence assignment, persistence, the idempotency
	// mark and projection updates, so events commit atomically and
	// projections observe them in global sequence order.
	commitMu sync.Mutex

	projections *projectionSet
	bus         *bus

	snapshotInterval int
	snapshotReduce   Reducer
	snapshotInitial  any

	closeOnce sync.Once
}

// NewStore creates a Store. With no options it is fully in-memory:
// memory backend, in-memory idempotency guard and snapshotter, system
// clock, nanoid IDs, no-op metrics.
func NewStore(opts ...StoreOption) *Store {
	options := newStoreOptions(opts...)

	log := options.log.With(slog.String("component", "es"))

	return &Store{
		log:         log,
		backend:     options.backend,
		guard:       options.guard,
		snapshotter: options.snapshotter,
		clock:       options.clock,
		newID:       options.newID,
		metrics:     options.metrics,

		appends:     perkey.New[string](),
		projections: newProjectionSet(log, options.metrics),
		bus:         newBus(log, options.metrics),

		snapshotInterval: options.snapshotInterval,
		snapshotReduce:   options.snapshotReduce,
		snapshotInitial:  options.snapshotInitial,
	}
}

// Close stops accepting appends and shuts down subscriber delivery,
// draining queued events first.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.appends.Close()
		s.bus.close()
	})
}

// Snapshotter returns the snapshot store this Store writes to.
func (s *Store) Snapshotter() Snapshotter { return s.snapshotter }

// Append writes one event to the aggregate's stream.
//
// The payload is JSON-encoded at this boundary; the stored event cannot
// alias caller memory. With WithEventID, re-submitting an already
// processed ID returns (nil, nil) with no side effects. With
// WithExpectedVersion, a stale version fails with a ConcurrencyError and
// leaves the stream unchanged; without it the write is unconditional
// (AnyVersion, last-writer-wins).
//
// On success the event has been persisted and every registered projection
// updated before Append returns; subscriber delivery happens asynchronously.
func (s *Store) Append(ctx context.Context, aggregateID, eventType string, payload any, opts ...AppendOption) (*Event, error) {
	if aggregateID == "" {
		return nil, errors.New("aggregate id is empty")
	}
	if eventType == "" {
		return nil, errors.New("event type is empty")
	}

	defer s.metrics.AppendDuration(eventType).ObserveDuration()

	options := newAppendOptions(s.newID, opts...)

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	var out *Event
	err = s.appends.DoContext(ctx, aggregateID, func() error {
		seen, err := s.guard.Seen(options.eventID)
		if err != nil {
			return fmt.Errorf("idempotency check failed: %w", err)
		}
		if seen {
			s.metrics.DuplicateSkipped()
			s.log.Debug(
				"duplicate event skipped",
				slog.String("event_id", options.eventID),
				slog.String("aggregate_id", aggregateID),
			)
			return nil
		}

		current, err := s.backend.Version(ctx, aggregateID)
		if err != nil {
			return fmt.Errorf("failed to read version: %w", err)
		}

		if options.expected != AnyVersion && options.expected != current {
			s.metrics.ConcurrencyConflict()
			return &ConcurrencyError{
				AggregateID: aggregateID,
				Expected:    options.expected,
				Actual:      current,
			}
		}

		ev := Event{
			ID:          options.eventID,
			AggregateID: aggregateID,
			Type:        eventType,
			Version:     current + 1,
			OccurredAt:  s.clock(),
			Metadata:    copyMetadata(options.metadata),
			Data:        data,
		}
		if err := ev.Validate(); err != nil {
			return err
		}

		s.commitMu.Lock()
		stored, err := s.backend.Append(ctx, ev)
		if err != nil {
			s.commitMu.Unlock()
			return fmt.Errorf("failed to append: %w", err)
		}
		if err := s.guard.Mark(stored.ID); err != nil {
			// The event is durable; a guard failure only degrades
			// duplicate detection, never consistency.
			s.log.Warn("failed to mark event id", slog.String("event_id", stored.ID), slog.Any("error", err))
		}
		s.projections.update(stored)
		s.commitMu.Unlock()

		s.bus.publish(stored)
		s.metrics.EventAppended(stored.Type)

		s.log.Debug(
			"append",
			slog.String("aggregate_id", stored.AggregateID),
			slog.String("type", stored.Type),
			stored.Version.SlogAttr(),
			slog.Uint64("seq", stored.Seq),
		)

		if s.snapshotInterval > 0 && s.snapshotReduce != nil &&
			stored.Version%Version(s.snapshotInterval) == 0 {
			if err := s.snapshot(ctx, stored); err != nil {
				s.log.Warn(
					"failed to snapshot aggregate",
					slog.String("aggregate_id", stored.AggregateID),
					stored.Version.SlogAttr(),
					slog.Any("error", err),
				)
			}
		}

		out = &stored
		return nil
	})
	if err != nil {
		if errors.Is(err, perkey.ErrSchedulerClosed) {
			return nil, ErrStoreClosed
		}
		return nil, err
	}
	return out, nil
}

// Events returns the aggregate's events with version >= 1 (or the version
// given via WithFromVersion), in ascending version order. An aggregate
// with no events yields an empty slice, not an error. Reads never wait on
// writers appending to other aggregates.
func (s *Store) Events(ctx context.Context, aggregateID string, opts ...LoadOption) ([]Event, error) {
	options := newLoadOptions(opts...)
	return s.backend.Load(ctx, aggregateID, options.fromVersion)
}

// AggregateVersion returns the aggregate's current stream version, 0 for
// an aggregate with no events.
func (s *Store) AggregateVersion(ctx context.Context, aggregateID string) (Version, error) {
	return s.backend.Version(ctx, aggregateID)
}

// snapshot folds the stream through the configured reducer and stores the
// result. Called on the append path every snapshotInterval versions.
func (s *Store) snapshot(ctx context.Context, ev Event) error {
	state, err := s.Rebuild(ctx, ev.AggregateID, s.snapshotReduce, s.snapshotInitial)
	if err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot state: %w", err)
	}

	defer s.metrics.SnapshotSaveDuration().ObserveDuration()
	err = s.snapshotter.SaveSnapshot(ctx, Snapshot{
		ID:          s.newID(),
		AggregateID: ev.AggregateID,
		Version:     ev.Version,
		Seq:         ev.Seq,
		CreatedAt:   s.clock(),
		State:       data,
	})
	if err != nil {
		return err
	}

	s.log.Debug(
		"snapshot saved",
		slog.String("aggregate_id", ev.AggregateID),
		ev.Version.SlogAttr(),
	)
	return nil
}
