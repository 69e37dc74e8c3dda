package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/driftworks/evlog-go/core/cache"
	"github.com/driftworks/evlog-go/core/sf"
)

// Reducer folds one event into an aggregate's materialized state and
// returns the next state.
type Reducer func(state any, ev Event) (any, error)

// Rebuild reconstructs the aggregate's current state: it starts from the
// latest snapshot if one exists (and from a deep copy of initial
// otherwise) and folds all later events through reduce in version order.
//
// State crosses this boundary by JSON round-trip, so reducers must keep
// state JSON-serializable and tolerate the decoded form (maps, slices,
// float64 numbers). Rebuild never mutates stored events or snapshots; an
// aggregate with no events yields a copy of initial, not an error.
func (s *Store) Rebuild(ctx context.Context, aggregateID string, reduce Reducer, initial any) (any, error) {
	if reduce == nil {
		return nil, errors.New("reducer is nil")
	}

	defer s.metrics.RebuildDuration().ObserveDuration()

	state, from, err := s.restore(ctx, aggregateID, initial)
	if err != nil {
		return nil, err
	}

	events, err := s.Events(ctx, aggregateID, WithFromVersion(from))
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		state, err = reduce(state, ev)
		if err != nil {
			return nil, fmt.Errorf("reducer failed at version %d: %w", ev.Version, err)
		}
	}
	return state, nil
}

// restore loads the rebuild starting point: snapshot state and the first
// version not covered by it, or a copy of initial and version 1.
func (s *Store) restore(ctx context.Context, aggregateID string, initial any) (any, Version, error) {
	if s.snapshotter != nil {
		timer := s.metrics.SnapshotLoadDuration()
		snapshot, err := s.snapshotter.LoadSnapshot(ctx, aggregateID)
		timer.ObserveDuration()
		switch {
		case err == nil:
			var state any
			if err := json.Unmarshal(snapshot.State, &state); err != nil {
				return nil, 0, fmt.Errorf("failed to decode snapshot state: %w", err)
			}
			return state, snapshot.Version + 1, nil
		case !errors.Is(err, ErrSnapshotNotFound):
			return nil, 0, fmt.Errorf("failed to load snapshot: %w", err)
		}
	}

	if initial == nil {
		return map[string]any{}, 1, nil
	}
	state, err := deepCopyValue(initial)
	if err != nil {
		return nil, 0, err
	}
	return state, 1, nil
}

// === Cached rebuilds ===

type (
	cachedRebuilderOptions struct {
		cache cache.Cache
	}

	// CachedRebuilderOption configures a CachedRebuilder.
	CachedRebuilderOption interface {
		applyToCachedRebuilder(*cachedRebuilderOptions)
	}

	RebuildCacheOption valueOption[cache.Cache]
)

// WithRebuildCache sets the cache backing a CachedRebuilder.
func WithRebuildCache(c cache.Cache) RebuildCacheOption { return RebuildCacheOption{v: c} }

func (o RebuildCacheOption) applyToCachedRebuilder(opts *cachedRebuilderOptions) { opts.cache = o.v }

// CachedRebuilder serves hot aggregate state reads for one fixed reducer.
// Rebuilt state is cached per aggregate (as JSON, so every caller gets a
// private copy), concurrent rebuilds of the same aggregate collapse into
// one, and a bus subscription evicts an aggregate whenever it gets a new
// event.
//
// Eviction rides the asynchronous fan-out path, so a read racing a write
// may briefly serve the prior state. Use Store.Rebuild directly when
// read-your-write is required.
type CachedRebuilder struct {
	store   *Store
	reduce  Reducer
	initial any
	cache   cache.TypedCache[json.RawMessage]
	group   *sf.Group[json.RawMessage]
	unsub   func()
}

func NewCachedRebuilder(store *Store, reduce Reducer, initial any, opts ...CachedRebuilderOption) *CachedRebuilder {
	options := cachedRebuilderOptions{
		cache: cache.NewLRU(cache.LRUOpts{Size: 512}),
	}
	for _, opt := range opts {
		opt.applyToCachedRebuilder(&options)
	}

	r := &CachedRebuilder{
		store:   store,
		reduce:  reduce,
		initial: initial,
		cache:   cache.NewTyped[json.RawMessage](options.cache),
		group:   sf.New[json.RawMessage](),
	}
	r.unsub = store.Subscribe(func(ev Event) error {
		r.cache.Delete(ev.AggregateID)
		return nil
	})
	return r
}

// Get returns the aggregate's current state, rebuilt on a cache miss.
func (r *CachedRebuilder) Get(ctx context.Context, aggregateID string) (any, error) {
	if data, ok := r.cache.Get(aggregateID); ok {
		r.store.metrics.CacheHit()
		return decodeState(data)
	}
	r.store.metrics.CacheMiss()

	data, err := r.group.Do(aggregateID, func() (json.RawMessage, error) {
		state, err := r.store.Rebuild(ctx, aggregateID, r.reduce, r.initial)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(state)
		if err != nil {
			return nil, fmt.Errorf("failed to encode state: %w", err)
		}
		r.cache.Put(aggregateID, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}

// Close detaches the rebuilder from the store's subscriber bus.
func (r *CachedRebuilder) Close() { r.unsub() }

func decodeState(data json.RawMessage) (any, error) {
	var state any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return state, nil
}
