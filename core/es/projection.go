package es

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// ProjectionHandler folds one event into a projection's read-model state
// and returns the updated state.
type ProjectionHandler func(state any, ev Event) (any, error)

// ProjectionHandlers is a projection's dispatch table: event type tag to
// handler. Events whose type has no entry are skipped.
type ProjectionHandlers map[string]ProjectionHandler

type projection struct {
	name     string
	initial  func() any
	handlers ProjectionHandlers
	state    any
}

// apply folds ev into the projection state. A handler failure leaves the
// state untouched for that event.
func (p *projection) apply(ev Event) error {
	h, ok := p.handlers[ev.Type]
	if !ok {
		return nil
	}
	next, err := h(p.state, ev)
	if err != nil {
		return err
	}
	p.state = next
	return nil
}

type projectionSet struct {
	mu      sync.RWMutex
	log     *slog.Logger
	metrics Metrics
	byName  map[string]*projection
	order   []string
}

func newProjectionSet(log *slog.Logger, m Metrics) *projectionSet {
	return &projectionSet{
		log:     log,
		metrics: m,
		byName:  map[string]*projection{},
	}
}

func (ps *projectionSet) put(p *projection) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, exists := ps.byName[p.name]; !exists {
		ps.order = append(ps.order, p.name)
	}
	ps.byName[p.name] = p
}

func (ps *projectionSet) remove(name string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.byName[name]; !ok {
		return
	}
	delete(ps.byName, name)
	for i, n := range ps.order {
		if n == name {
			ps.order = append(ps.order[:i], ps.order[i+1:]...)
			break
		}
	}
}

// update folds ev into every registered projection, in registration order.
// A failing handler is logged and isolated; it never aborts the append or
// the other projections.
func (ps *projectionSet) update(ev Event) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, name := range ps.order {
		p := ps.byName[name]
		timer := ps.metrics.ProjectionUpdateDuration(name)
		if err := p.apply(ev); err != nil {
			ps.metrics.ProjectionHandlerError(name)
			ps.log.Error(
				"projection handler failed",
				slog.String("projection", name),
				slog.String("event_id", ev.ID),
				slog.String("event_type", ev.Type),
				slog.Any("error", err),
			)
		}
		timer.ObserveDuration()
	}
}

func (ps *projectionSet) state(name string) (any, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.byName[name]
	if !ok {
		return nil, false
	}
	return p.state, true
}

// === Store surface ===

// RegisterProjection registers a named projection and immediately replays
// the full history (all aggregates, ascending sequence) into it, so a
// projection registered late observes exactly what an early one did.
// Re-registering a name replaces the projection.
func (s *Store) RegisterProjection(ctx context.Context, name string, initial func() any, handlers ProjectionHandlers) error {
	if name == "" {
		return fmt.Errorf("projection name is empty")
	}
	if initial == nil {
		initial = func() any { return map[string]any{} }
	}

	p := &projection{
		name:     name,
		initial:  initial,
		handlers: handlers,
	}

	// Registration and replay happen inside the commit section so the
	// projection misses no event and sees none twice.
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if err := s.replayLocked(ctx, p); err != nil {
		return err
	}
	s.projections.put(p)

	s.log.Debug("projection registered", slog.String("projection", name))
	return nil
}

// UnregisterProjection removes the projection; its state is discarded.
func (s *Store) UnregisterProjection(name string) {
	s.projections.remove(name)
	s.log.Debug("projection unregistered", slog.String("projection", name))
}

// ReplayProjection resets the projection's state and refolds the whole
// history. The result is identical to the state the projection would hold
// had it been registered before the first event.
func (s *Store) ReplayProjection(ctx context.Context, name string) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.projections.mu.Lock()
	p, ok := s.projections.byName[name]
	s.projections.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown projection: %s", name)
	}
	return s.replayLocked(ctx, p)
}

func (s *Store) replayLocked(ctx context.Context, p *projection) error {
	events, err := s.backend.All(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to load history for projection %s: %w", p.name, err)
	}

	// Fold into a scratch copy, then swap it in under the set lock so
	// concurrent readers never observe a half-replayed state.
	scratch := &projection{name: p.name, initial: p.initial, handlers: p.handlers}
	scratch.state = p.initial()
	for _, ev := range events {
		if err := scratch.apply(ev); err != nil {
			// Same isolation as the live path: log, skip, continue.
			s.projections.metrics.ProjectionHandlerError(p.name)
			s.log.Error(
				"projection handler failed during replay",
				slog.String("projection", p.name),
				slog.String("event_id", ev.ID),
				slog.Any("error", err),
			)
		}
	}

	s.projections.mu.Lock()
	p.state = scratch.state
	s.projections.mu.Unlock()
	return nil
}

// ProjectionView is a read-only handle to a registered projection.
type ProjectionView struct {
	name  string
	store *Store
}

// Projection returns a read handle for the named projection, false if it
// is not registered.
func (s *Store) Projection(name string) (*ProjectionView, bool) {
	if _, ok := s.projections.state(name); !ok {
		return nil, false
	}
	return &ProjectionView{name: name, store: s}, true
}

func (v *ProjectionView) Name() string { return v.name }

// State returns a deep copy of the projection's current read-model state
// via a JSON round-trip, so callers cannot mutate the live state.
func (v *ProjectionView) State() (any, error) {
	state, ok := v.store.projections.state(v.name)
	if !ok {
		return nil, fmt.Errorf("unknown projection: %s", v.name)
	}
	return deepCopyValue(state)
}

func deepCopyValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to copy value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to copy value: %w", err)
	}
	return out, nil
}
