package es

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func TestSubscriber_ReceivesInOrder(t *testing.T) {
	s := NewStore()
	defer s.Close()

	var got eventLog
	cancel := s.Subscribe(got.add)
	defer cancel()

	for i := 0; i < 10; i++ {
		_, err := s.Append(t.Context(), "acct-1", "Ping", nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(got.snapshot()) == 10
	}, 2*time.Second, 5*time.Millisecond)

	for i, ev := range got.snapshot() {
		require.Equal(t, Version(i+1), ev.Version)
		require.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestSubscriber_NoReplayOnSubscribe(t *testing.T) {
	s := NewStore()
	defer s.Close()

	_, err := s.Append(t.Context(), "acct-1", "Ping", nil)
	require.NoError(t, err)

	var got eventLog
	cancel := s.Subscribe(got.add)
	defer cancel()

	_, err = s.Append(t.Context(), "acct-1", "Ping", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(got.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// only the event appended after subscription arrives
	require.Equal(t, Version(2), got.snapshot()[0].Version)
}

func TestSubscriber_Unsubscribe(t *testing.T) {
	s := NewStore()
	defer s.Close()

	var got eventLog
	cancel := s.Subscribe(got.add)

	_, err := s.Append(t.Context(), "acct-1", "Ping", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(got.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	cancel() // safe to call twice

	_, err = s.Append(t.Context(), "acct-1", "Ping", nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.Len(t, got.snapshot(), 1)
}

func TestSubscriber_AppendDoesNotWaitForDelivery(t *testing.T) {
	s := NewStore()
	defer s.Close()

	release := make(chan struct{})
	var got eventLog
	cancel := s.Subscribe(func(ev Event) error {
		<-release
		return got.add(ev)
	})
	defer cancel()

	// the subscriber is stuck, appends still complete
	for i := 0; i < 5; i++ {
		_, err := s.Append(t.Context(), "acct-1", "Ping", nil)
		require.NoError(t, err)
	}
	require.Empty(t, got.snapshot())

	close(release)
	require.Eventually(t, func() bool {
		return len(got.snapshot()) == 5
	}, 2*time.Second, 5*time.Millisecond)

	for i, ev := range got.snapshot() {
		require.Equal(t, Version(i+1), ev.Version)
	}
}

func TestSubscriber_FailuresIsolated(t *testing.T) {
	s := NewStore()
	defer s.Close()

	cancelErr := s.Subscribe(func(ev Event) error {
		return fmt.Errorf("handler error")
	})
	defer cancelErr()

	cancelPanic := s.Subscribe(func(ev Event) error {
		panic("handler panic")
	})
	defer cancelPanic()

	var got eventLog
	cancel := s.Subscribe(got.add)
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := s.Append(t.Context(), "acct-1", "Ping", nil)
		require.NoError(t, err)
	}

	// the healthy subscriber sees everything despite its misbehaving peers
	require.Eventually(t, func() bool {
		return len(got.snapshot()) == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubscriber_CloseDrainsQueue(t *testing.T) {
	s := NewStore()

	var got eventLog
	s.Subscribe(got.add)

	for i := 0; i < 20; i++ {
		_, err := s.Append(t.Context(), "acct-1", "Ping", nil)
		require.NoError(t, err)
	}

	// Close waits for queued deliveries
	s.Close()
	require.Len(t, got.snapshot(), 20)
}
