// Package ds provides generic data structures used by the event store.
package ds

import (
	"encoding/json"
	"fmt"
)

type StringSet = Set[string]

// Set is an ordered set with O(1) membership testing that preserves
// insertion order. Deterministic iteration matters when replaying or
// diffing identifier collections.
//
// Set is not safe for concurrent use; callers guard it themselves.
type Set[T comparable] struct {
	items map[T]struct{}
	order []T
}

// NewSet creates a set containing the given values.
func NewSet[T comparable](values ...T) *Set[T] {
	s := &Set[T]{items: make(map[T]struct{}, len(values))}
	for _, v := range values {
		s.Add(v)
	}
	return s
}

func (s *Set[T]) String() string {
	return fmt.Sprintf("%v", s.order)
}

// Add adds v to the set. No-op if already present.
func (s *Set[T]) Add(v T) {
	if s.items == nil {
		s.items = map[T]struct{}{}
	}
	if s.Contains(v) {
		return
	}
	s.items[v] = struct{}{}
	s.order = append(s.order, v)
}

// Contains returns true if v is present in the set.
func (s *Set[T]) Contains(v T) bool {
	_, ok := s.items[v]
	return ok
}

// Len returns the number of elements in the set.
func (s *Set[T]) Len() int { return len(s.items) }

// Remove removes the given values from the set. O(n) in the set size.
func (s *Set[T]) Remove(values ...T) {
	removed := false
	for _, v := range values {
		if _, ok := s.items[v]; ok {
			delete(s.items, v)
			removed = true
		}
	}
	if !removed {
		return
	}
	newOrder := make([]T, 0, len(s.items))
	for _, v := range s.order {
		if _, ok := s.items[v]; ok {
			newOrder = append(newOrder, v)
		}
	}
	s.order = newOrder
}

// Values returns the elements in insertion order as a fresh slice.
func (s *Set[T]) Values() []T {
	out := make([]T, len(s.order))
	copy(out, s.order)
	return out
}

// ForEach iterates over all elements in insertion order.
func (s *Set[T]) ForEach(fn func(T)) {
	for _, v := range s.order {
		fn(v)
	}
}

// Clear removes all elements.
func (s *Set[T]) Clear() {
	s.items = map[T]struct{}{}
	s.order = nil
}

// MarshalJSON encodes the set as a JSON array in insertion order.
func (s *Set[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.order)
}

// UnmarshalJSON decodes a JSON array into the set, preserving order.
func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var values []T
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	s.Clear()
	for _, v := range values {
		s.Add(v)
	}
	return nil
}
