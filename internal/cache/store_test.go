package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

type item struct {
	id    int64
	value string
}

func (i *item) Key() int64 { return i.id }

func (i *item) Clone() *item {
	c := *i
	return &c
}

type memStore struct {
	mu        sync.Mutex
	rows      map[int64]*item
	fail      atomic.Bool
	loads     atomic.Int32
	persists  atomic.Int32
	onPersist func()
}

func newMemStore(rows ...*item) *memStore {
	s := &memStore{rows: make(map[int64]*item)}
	for _, r := range rows {
		s.rows[r.id] = r.Clone()
	}
	return s
}

func (s *memStore) Load(_ context.Context, id int64) (*item, error) {
	s.loads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return row.Clone(), nil
}

func (s *memStore) LoadAll(context.Context) ([]*item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*item, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *memStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows), nil
}

func (s *memStore) Persist(_ context.Context, v *item) error {
	if s.onPersist != nil {
		s.onPersist()
	}
	if s.fail.Load() {
		return errors.New("store unavailable")
	}
	s.persists.Add(1)
	s.mu.Lock()
	s.rows[v.id] = v.Clone()
	s.mu.Unlock()
	return nil
}

func (s *memStore) Delete(_ context.Context, id int64) error {
	if s.fail.Load() {
		return errors.New("store unavailable")
	}
	s.mu.Lock()
	delete(s.rows, id)
	s.mu.Unlock()
	return nil
}

func (s *memStore) row(id int64) *item {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok {
		return r.Clone()
	}
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []EventType
}

func (r *recorder) listen(_ context.Context, evt Event[*item]) {
	r.mu.Lock()
	r.events = append(r.events, evt.Type)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventType(nil), r.events...)
}

var allEvents = []EventType{
	EventInserted, EventUpdateAccepted, EventUpdateRejected,
	EventUpdateFailed, EventSupervisionChange, EventConfirmStatus,
}
