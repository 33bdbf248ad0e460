package cache

import (
	"context"
	"sync"
)

// MemoryStore is a Loader and Persister backed by a map. It serves the
// single-node "memory" storage mode and tests.
type MemoryStore[V Entity[V]] struct {
	mu          sync.RWMutex
	rows        map[int64]V
	fail        error
	failPersist error
}

// NewMemoryStore constructs a store seeded with rows.
func NewMemoryStore[V Entity[V]](rows ...V) *MemoryStore[V] {
	s := &MemoryStore[V]{rows: make(map[int64]V, len(rows))}
	for _, row := range rows {
		s.rows[row.Key()] = row.Clone()
	}
	return s
}

// FailWith makes every write return err until called again with nil.
func (s *MemoryStore[V]) FailWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// FailPersistWith makes Persist return err while deletes keep working.
func (s *MemoryStore[V]) FailPersistWith(err error) {
	s.mu.Lock()
	s.failPersist = err
	s.mu.Unlock()
}

func (s *MemoryStore[V]) Load(_ context.Context, id int64) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return row.Clone(), nil
}

func (s *MemoryStore[V]) LoadAll(context.Context) ([]V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]V, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row.Clone())
	}
	return out, nil
}

func (s *MemoryStore[V]) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows), nil
}

func (s *MemoryStore[V]) Persist(_ context.Context, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if s.failPersist != nil {
		return s.failPersist
	}
	s.rows[value.Key()] = value.Clone()
	return nil
}

func (s *MemoryStore[V]) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	delete(s.rows, id)
	return nil
}

// Row returns a copy of the stored row, bypassing any cache.
func (s *MemoryStore[V]) Row(id int64) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		var zero V
		return zero, false
	}
	return row.Clone(), true
}
