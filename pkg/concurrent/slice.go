package concurrent

import "sync"

// Slice is an append-only event buffer safe for concurrent use.
type Slice[V any] struct {
	mu     sync.RWMutex
	values []V
}

func NewSlice[V any]() *Slice[V] {
	return &Slice[V]{}
}

func (s *Slice[V]) Append(value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, value)
}

func (s *Slice[V]) Length() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// All returns a copy of the current contents.
func (s *Slice[V]) All() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]V(nil), s.values...)
}
