package nats

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/evlog-go/core/es"
)

func testEvent(aggregateID string, version es.Version) es.Event {
	return es.Event{
		ID:          gonanoid.Must(),
		Version:     version,
		AggregateID: aggregateID,
		Type:        "TestEvent",
		OccurredAt:  time.Now(),
		Data:        []byte(fmt.Sprintf(`{"n":%d}`, version)),
	}
}

func TestNats_Backend(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	connectNatsC := NewTestContainer(t)
	backend, err := NewBackend(BackendConfig{
		Connect: connectNatsC,
		Log:     slog.Default(),
	})
	require.NoError(t, err)
	require.NotNil(t, backend)

	t.Run("stream info", func(t *testing.T) {
		si, err := backend.stream.Info(t.Context())
		require.NoError(t, err)
		require.NotNil(t, si)
		require.Equal(t, "EVLOG", si.Config.Name)
		require.Equal(t, uint64(1), si.Config.FirstSeq)
		require.Equal(t, []string{fmt.Sprintf("%s.>", defaultSubjectPrefix)}, si.Config.Subjects)
	})

	t.Run("append assigns stream sequence", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			stored, err := backend.Append(t.Context(), testEvent("agg-1", es.Version(i)))
			require.NoError(t, err)
			require.EqualValues(t, i, stored.Seq)
		}

		v, err := backend.Version(t.Context(), "agg-1")
		require.NoError(t, err)
		require.Equal(t, es.Version(3), v)
	})

	t.Run("load", func(t *testing.T) {
		events, err := backend.Load(t.Context(), "agg-1", 1)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, ev := range events {
			require.Equal(t, es.Version(i+1), ev.Version)
			require.EqualValues(t, i+1, ev.Seq)
		}

		events, err = backend.Load(t.Context(), "agg-1", 3)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, es.Version(3), events[0].Version)
	})

	t.Run("unknown aggregate", func(t *testing.T) {
		v, err := backend.Version(t.Context(), "nope")
		require.NoError(t, err)
		require.Equal(t, es.Version(0), v)

		events, err := backend.Load(t.Context(), "nope", 1)
		require.NoError(t, err)
		require.Empty(t, events)
	})

	t.Run("all interleaves aggregates by sequence", func(t *testing.T) {
		_, err := backend.Append(t.Context(), testEvent("agg-2", 1))
		require.NoError(t, err)
		_, err = backend.Append(t.Context(), testEvent("agg-1", 4))
		require.NoError(t, err)

		events, err := backend.All(t.Context(), 0)
		require.NoError(t, err)
		require.Len(t, events, 5)
		for i, ev := range events {
			require.EqualValues(t, i+1, ev.Seq)
		}
		require.Equal(t, "agg-2", events[3].AggregateID)
		require.Equal(t, "agg-1", events[4].AggregateID)

		events, err = backend.All(t.Context(), 4)
		require.NoError(t, err)
		require.Len(t, events, 2)
	})
}

func TestNats_StoreOnBackend(t *testing.T) {
	connectNats := ReuseConnection(NewTestContainer(t))

	backend, err := NewBackend(BackendConfig{Connect: connectNats})
	require.NoError(t, err)

	snapshotter, err := NewSnapshotter(KvConfig{Connect: connectNats, Bucket: "snapshots"})
	require.NoError(t, err)

	s := es.NewStore(
		es.WithBackend(backend),
		es.WithSnapshotter(snapshotter),
		es.WithSnapshotting(2, func(state any, ev es.Event) (any, error) {
			m := map[string]any{}
			if cur, ok := state.(map[string]any); ok {
				for k, v := range cur {
					m[k] = v
				}
			}
			m["last"] = ev.Type
			return m, nil
		}, nil),
	)
	defer s.Close()

	type created struct {
		Name string `json:"name"`
	}

	ev, err := s.Append(t.Context(), "acct-1", "Created", created{Name: "a"}, es.WithExpectedVersion(0))
	require.NoError(t, err)
	require.Equal(t, es.Version(1), ev.Version)

	// conflict surfaces through the durable backend too
	_, err = s.Append(t.Context(), "acct-1", "Created", created{Name: "b"}, es.WithExpectedVersion(0))
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	_, err = s.Append(t.Context(), "acct-1", "Renamed", created{Name: "b"}, es.WithExpectedVersion(1))
	require.NoError(t, err)

	v, err := s.AggregateVersion(t.Context(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(2), v)

	snapshot, err := s.Snapshotter().LoadSnapshot(t.Context(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(2), snapshot.Version)
}

func TestNats_KV(t *testing.T) {
	connectNats := NewTestContainer(t)
	kv, err := NewKvStore(KvConfig{
		Bucket:  "fruits",
		Connect: connectNats,
	})
	require.NoError(t, err)
	require.NoError(t, kv.Set(t.Context(), "apple", []byte(`{"count":10}`)))

	data, found, err := kv.Get(t.Context(), "apple")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"count":10}`, string(data))

	_, found, err = kv.Get(t.Context(), "missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestNats_Connect(t *testing.T) {
	connect := ReuseConnection(NewTestContainer(t))

	nc1, disconnect1, err := connect()
	require.NoError(t, err)
	require.NotNil(t, nc1)
	require.Equal(t, "CONNECTED", nc1.Status().String())

	nc2, disconnect2, err := connect()
	require.NoError(t, err)
	require.Same(t, nc1, nc2)

	disconnect1()
	require.Equal(t, "CONNECTED", nc1.Status().String())
	disconnect2()
	require.Equal(t, "CLOSED", nc1.Status().String())

	nc3, _, err := connect()
	require.NoError(t, err)
	require.NotNil(t, nc3)
	require.Equal(t, "CONNECTED", nc3.Status().String())
}
