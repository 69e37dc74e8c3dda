package es

import (
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// SubscriberFunc receives every event appended after subscription. There
// is no replay-on-subscribe: events appended earlier are not delivered.
type SubscriberFunc func(ev Event) error

// bus fans appended events out to subscribers. Each subscriber owns an
// unbounded FIFO queue drained by a dedicated goroutine, so delivery to
// one subscriber preserves append order (and therefore per-aggregate
// version order) while the writer never blocks on a slow handler.
type bus struct {
	mu      sync.Mutex
	log     *slog.Logger
	metrics Metrics
	subs    map[string]*subscriber
	closed  bool
	wg      sync.WaitGroup
}

type subscriber struct {
	id string
	fn SubscriberFunc

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

func newBus(log *slog.Logger, m Metrics) *bus {
	return &bus{
		log:     log,
		metrics: m,
		subs:    map[string]*subscriber{},
	}
}

func (b *bus) subscribe(fn SubscriberFunc) (cancel func()) {
	sub := &subscriber{
		id: gonanoid.Must(),
		fn: fn,
	}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		b.drain(sub)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub.id)
			b.mu.Unlock()
			sub.close()
		})
	}
}

// publish enqueues ev for every subscriber. Enqueueing only appends to a
// slice and never blocks the caller.
func (b *bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.enqueue(ev)
		b.metrics.SubscriberEnqueued()
	}
}

func (b *bus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = map[string]*subscriber{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.wg.Wait()
}

// drain delivers queued events in FIFO order until the subscriber is
// closed and its queue is empty.
func (b *bus) drain(sub *subscriber) {
	for {
		ev, ok := sub.next()
		if !ok {
			return
		}
		b.deliver(sub, ev)
	}
}

// deliver invokes the handler, isolating errors and panics: they are
// logged and never affect other subscribers or future events.
func (b *bus) deliver(sub *subscriber, ev Event) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("subscriber panic: %v", r)
			}
		}()
		err = sub.fn(ev)
	}()

	if err != nil {
		b.metrics.SubscriberDelivered(false)
		b.log.Error(
			"subscriber handler failed",
			slog.String("subscriber", sub.id),
			slog.String("event_id", ev.ID),
			slog.Any("error", err),
		)
		return
	}
	b.metrics.SubscriberDelivered(true)
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

// next blocks until an event is queued or the subscriber closes. Pending
// events are still drained after close.
func (s *subscriber) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Subscribe registers fn to receive every event appended after this call,
// in append order. The returned function unsubscribes; it is safe to call
// more than once. Events already queued may still be delivered after
// unsubscribe returns.
func (s *Store) Subscribe(fn SubscriberFunc) (cancel func()) {
	return s.bus.subscribe(fn)
}
