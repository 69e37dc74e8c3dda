// Package perkey serializes work per key while letting work for different
// keys run concurrently.
//
// The event store uses it to serialize appends per aggregate ID: version
// assignment and the optimistic concurrency check for one aggregate are
// atomic, while unrelated aggregates never wait on each other.
package perkey

import (
	"context"
	"errors"
	"sync"
)

// ErrSchedulerClosed is returned when Do is called on a closed scheduler.
var ErrSchedulerClosed = errors.New("perkey: scheduler is closed")

// Option configures a Scheduler.
type Option func(*config)

type config struct {
	queueSize int
}

// WithQueueSize sets the task queue size per key (default: 64).
func WithQueueSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.queueSize = size
		}
	}
}

// Scheduler executes submitted functions such that for any given key K
// they run sequentially in submission order. Functions for different keys
// proceed in parallel, each key on its own goroutine.
type Scheduler[K comparable] struct {
	mu        sync.Mutex
	lanes     map[K]*lane
	closed    bool
	inflight  sync.WaitGroup
	queueSize int
}

type lane struct {
	tasks chan *task
}

type task struct {
	fn   func() error
	done chan error
}

// New creates a Scheduler.
func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := &config{queueSize: 64}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Scheduler[K]{
		lanes:     make(map[K]*lane),
		queueSize: cfg.queueSize,
	}
}

// Do runs fn for the given key and blocks until fn finishes, returning its
// error. All Do calls for the same key execute sequentially.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but respects context cancellation while waiting to
// enqueue or waiting for completion. A task that was already enqueued still
// executes even if the caller gives up on it.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.inflight.Add(1)
	l := s.laneLocked(key)
	s.mu.Unlock()
	defer s.inflight.Done()

	t := &task{fn: fn, done: make(chan error, 1)}

	select {
	case l.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new tasks and shuts down all lane goroutines.
// Tasks already enqueued are still processed.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// Wait until every in-flight Do has finished enqueueing, so no send
	// can race with closing the lane channels.
	s.inflight.Wait()

	s.mu.Lock()
	for _, l := range s.lanes {
		close(l.tasks)
	}
	s.lanes = nil
	s.mu.Unlock()
}

func (s *Scheduler[K]) laneLocked(key K) *lane {
	l, ok := s.lanes[key]
	if ok {
		return l
	}
	l = &lane{tasks: make(chan *task, s.queueSize)}
	s.lanes[key] = l
	go func() {
		for t := range l.tasks {
			t.done <- t.fn()
		}
	}()
	return l
}
