package es

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRebuild_SnapshotMatchesFullReplay(t *testing.T) {
	withSnapshots := NewStore(WithSnapshotting(2, nameReducer, nil))
	defer withSnapshots.Close()
	plain := NewStore()
	defer plain.Close()

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("name-%d", i)
		_, err := withSnapshots.Append(t.Context(), "acct-1", "Renamed", renamed{Name: name})
		require.NoError(t, err)
		_, err = plain.Append(t.Context(), "acct-1", "Renamed", renamed{Name: name})
		require.NoError(t, err)
	}

	snapshot, err := withSnapshots.Snapshotter().LoadSnapshot(t.Context(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, Version(4), snapshot.Version)
	require.Equal(t, uint64(4), snapshot.Seq)
	require.NotEmpty(t, snapshot.ID)
	require.JSONEq(t, `{"name":"name-3"}`, string(snapshot.State))

	fromSnapshot, err := withSnapshots.Rebuild(t.Context(), "acct-1", nameReducer, nil)
	require.NoError(t, err)
	fromScratch, err := plain.Rebuild(t.Context(), "acct-1", nameReducer, nil)
	require.NoError(t, err)
	require.Equal(t, fromScratch, fromSnapshot)
	require.Equal(t, map[string]any{"name": "name-4"}, fromSnapshot)
}

func TestRebuild_SnapshotSuperseded(t *testing.T) {
	s := NewStore(WithSnapshotting(2, nameReducer, nil))
	defer s.Close()

	for i := 0; i < 4; i++ {
		_, err := s.Append(t.Context(), "acct-1", "Renamed", renamed{Name: fmt.Sprintf("name-%d", i)})
		require.NoError(t, err)
	}

	// only the newest snapshot is retained
	snapshot, err := s.Snapshotter().LoadSnapshot(t.Context(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, Version(4), snapshot.Version)
}

func TestRebuild_UnknownAggregateReturnsInitial(t *testing.T) {
	s := NewStore()
	defer s.Close()

	state, err := s.Rebuild(t.Context(), "nope", nameReducer, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{}, state)

	initial := map[string]any{"name": "seed"}
	state, err = s.Rebuild(t.Context(), "nope", nameReducer, initial)
	require.NoError(t, err)
	require.Equal(t, initial, state)

	// the returned state is a copy, not the caller's initial
	state.(map[string]any)["name"] = "tampered"
	again, err := s.Rebuild(t.Context(), "nope", nameReducer, initial)
	require.NoError(t, err)
	require.Equal(t, "seed", again.(map[string]any)["name"])
}

func TestRebuild_NilReducer(t *testing.T) {
	s := NewStore()
	defer s.Close()

	_, err := s.Rebuild(t.Context(), "acct-1", nil, nil)
	require.Error(t, err)
}

func TestRebuild_ReducerErrorPropagates(t *testing.T) {
	s := NewStore()
	defer s.Close()

	_, err := s.Append(t.Context(), "acct-1", "Renamed", renamed{Name: "x"})
	require.NoError(t, err)

	_, err = s.Rebuild(t.Context(), "acct-1", func(state any, ev Event) (any, error) {
		return nil, fmt.Errorf("boom")
	}, nil)
	require.ErrorContains(t, err, "boom")
}

func TestKeyValueSnapshotter(t *testing.T) {
	s := NewStore(
		WithSnapshotter(NewKeyValueSnapshotter(newMemoryKV())),
		WithSnapshotting(2, nameReducer, nil),
	)
	defer s.Close()

	for i := 0; i < 2; i++ {
		_, err := s.Append(t.Context(), "acct-1", "Renamed", renamed{Name: fmt.Sprintf("name-%d", i)})
		require.NoError(t, err)
	}

	snapshot, err := s.Snapshotter().LoadSnapshot(t.Context(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, Version(2), snapshot.Version)

	_, err = s.Snapshotter().LoadSnapshot(t.Context(), "nope")
	require.ErrorIs(t, err, ErrSnapshotNotFound)

	state, err := s.Rebuild(t.Context(), "acct-1", nameReducer, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "name-1"}, state)
}

func TestCachedRebuilder(t *testing.T) {
	s := NewStore()
	defer s.Close()

	r := NewCachedRebuilder(s, nameReducer, nil)
	defer r.Close()

	_, err := s.Append(t.Context(), "acct-1", "Renamed", renamed{Name: "a"})
	require.NoError(t, err)

	state, err := r.Get(t.Context(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "a"}, state)

	// cached result is a private copy
	state.(map[string]any)["name"] = "tampered"
	state, err = r.Get(t.Context(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, "a", state.(map[string]any)["name"])

	// a new event evicts the cached aggregate
	_, err = s.Append(t.Context(), "acct-1", "Renamed", renamed{Name: "b"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := r.Get(t.Context(), "acct-1")
		if err != nil {
			return false
		}
		return state.(map[string]any)["name"] == "b"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCachedRebuilder_UnknownAggregate(t *testing.T) {
	s := NewStore()
	defer s.Close()

	r := NewCachedRebuilder(s, nameReducer, map[string]any{"name": "seed"})
	defer r.Close()

	state, err := r.Get(t.Context(), "nope")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "seed"}, state)
}

func TestInMemoryGuard(t *testing.T) {
	g := NewInMemoryGuard()

	seen, err := g.Seen("ev-1")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, g.Mark("ev-1"))

	seen, err = g.Seen("ev-1")
	require.NoError(t, err)
	require.True(t, seen)
	require.Equal(t, 1, g.Len())
}

// memoryKV is a minimal KeyValue used to exercise KeyValueSnapshotter
// without a real store behind it.
type memoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryKV() *memoryKV {
	return &memoryKV{data: map[string][]byte{}}
}

func (kv *memoryKV) Set(_ context.Context, key string, data []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data[key] = data
	return nil
}

func (kv *memoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	data, ok := kv.data[key]
	return data, ok, nil
}
