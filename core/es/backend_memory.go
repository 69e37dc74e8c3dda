package es

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend keeps the event log in process memory. Reads take a read
// lock only, so loading one aggregate never waits on writers appending to
// another.
type MemoryBackend struct {
	mu      sync.RWMutex
	seq     uint64
	streams map[string][]Event
	all     []Event
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{streams: map[string][]Event{}}
}

func (b *MemoryBackend) Append(_ context.Context, ev Event) (Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream := b.streams[ev.AggregateID]
	if want := Version(len(stream)) + 1; ev.Version != want {
		return Event{}, fmt.Errorf(
			"non-contiguous version for aggregate %s: got %d, want %d",
			ev.AggregateID, ev.Version, want,
		)
	}

	b.seq++
	ev.Seq = b.seq
	b.streams[ev.AggregateID] = append(stream, ev)
	b.all = append(b.all, ev)
	return ev, nil
}

func (b *MemoryBackend) Load(_ context.Context, aggregateID string, from Version) ([]Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stream := b.streams[aggregateID]
	out := make([]Event, 0, len(stream))
	for _, ev := range stream {
		if ev.Version >= from {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (b *MemoryBackend) Version(_ context.Context, aggregateID string) (Version, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Version(len(b.streams[aggregateID])), nil
}

func (b *MemoryBackend) All(_ context.Context, fromSeq uint64) ([]Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.all))
	for _, ev := range b.all {
		if ev.Seq >= fromSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

var _ Backend = (*MemoryBackend)(nil)
