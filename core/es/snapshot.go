package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is a materialized aggregate state at a known version, used to
// bound replay cost. At most one snapshot is retained per aggregate; a
// newer one supersedes the old. The stream remains the source of truth.
type Snapshot struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Version     Version         `json:"version"`
	Seq         uint64          `json:"seq"`
	CreatedAt   time.Time       `json:"created_at"`
	State       json.RawMessage `json:"state"`
}

// Snapshotter stores and loads the newest snapshot per aggregate.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	// LoadSnapshot returns the latest snapshot or ErrSnapshotNotFound.
	LoadSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)
}

// === In-memory snapshotter ===

type InMemorySnapshotter struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
}

func NewInMemorySnapshotter() *InMemorySnapshotter {
	return &InMemorySnapshotter{snapshots: map[string]Snapshot{}}
}

func (s *InMemorySnapshotter) SaveSnapshot(_ context.Context, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.AggregateID] = snapshot
	return nil
}

func (s *InMemorySnapshotter) LoadSnapshot(_ context.Context, aggregateID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.snapshots[aggregateID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return &snapshot, nil
}

var _ Snapshotter = (*InMemorySnapshotter)(nil)

// === Key/value backed snapshotter ===

// KeyValue is the storage contract KeyValueSnapshotter persists through.
// Get returns found=false for a missing key.
type KeyValue interface {
	Set(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) (data []byte, found bool, err error)
}

// KeyValueSnapshotter stores snapshots as JSON in any KeyValue store, one
// key per aggregate (newest wins).
type KeyValueSnapshotter struct {
	kv KeyValue
}

func NewKeyValueSnapshotter(kv KeyValue) *KeyValueSnapshotter {
	return &KeyValueSnapshotter{kv: kv}
}

func (s *KeyValueSnapshotter) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return s.kv.Set(ctx, snapshot.AggregateID, data)
}

func (s *KeyValueSnapshotter) LoadSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	data, found, err := s.kv.Get(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrSnapshotNotFound
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snapshot, nil
}

var _ Snapshotter = (*KeyValueSnapshotter)(nil)
