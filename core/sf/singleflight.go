// Package sf wraps golang.org/x/sync/singleflight with a typed API.
package sf

import "golang.org/x/sync/singleflight"

// Group deduplicates concurrent calls with the same key. Only the first
// caller executes fn; the others block and receive the same result. The
// rebuilder uses this so a burst of reads for one aggregate replays its
// stream once.
type Group[T any] struct {
	group singleflight.Group
}

// New creates a Group for type T.
func New[T any]() *Group[T] {
	return &Group[T]{}
}

// Do executes fn for the given key, collapsing concurrent duplicate calls.
func (g *Group[T]) Do(key string, fn func() (T, error)) (out T, err error) {
	v, err, _ := g.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return out, err
	}
	return v.(T), nil
}

// Forget drops any in-flight record for key so the next Do executes fn
// again instead of joining a stale call.
func (g *Group[T]) Forget(key string) {
	g.group.Forget(key)
}
