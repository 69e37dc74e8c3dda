package es

import (
	"sync"

	"github.com/driftworks/evlog-go/core/ds"
)

// Guard tracks processed event IDs so re-submitting the same write is a
// no-op. A duplicate is success, not failure: Append returns (nil, nil).
type Guard interface {
	// Seen reports whether eventID has already been processed.
	Seen(eventID string) (bool, error)
	// Mark records eventID as processed.
	Mark(eventID string) error
}

// InMemoryGuard keeps processed IDs in process memory. IDs are retained
// for the life of the process, matching the lifetime of the in-memory log.
type InMemoryGuard struct {
	mu   sync.RWMutex
	seen *ds.StringSet
}

func NewInMemoryGuard() *InMemoryGuard {
	return &InMemoryGuard{seen: ds.NewSet[string]()}
}

func (g *InMemoryGuard) Seen(eventID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.seen.Contains(eventID), nil
}

func (g *InMemoryGuard) Mark(eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen.Add(eventID)
	return nil
}

// Len returns the number of tracked event IDs.
func (g *InMemoryGuard) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.seen.Len()
}

var _ Guard = (*InMemoryGuard)(nil)
