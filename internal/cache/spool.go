package cache

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Spool durably remembers keys whose write-through failed.
type Spool interface {
	Enqueue(cacheName string, id int64) error
	Pending(cacheName string) ([]int64, error)
	Ack(cacheName string, id int64) error
}

const spoolPrefix = "pending:"

func spoolKey(cacheName string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%d", spoolPrefix, cacheName, id))
}

// BadgerSpool stores pending keys in a local badger database.
type BadgerSpool struct {
	db *badger.DB
}

// OpenBadgerSpool opens (or creates) a spool at dir.
func OpenBadgerSpool(dir string) (*BadgerSpool, error) {
	if dir == "" {
		return nil, errors.New("cache: empty spool dir")
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open spool: %w", err)
	}
	return &BadgerSpool{db: db}, nil
}

// Close closes the underlying database.
func (s *BadgerSpool) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enqueue records id as pending. Re-enqueueing refreshes the timestamp.
func (s *BadgerSpool) Enqueue(cacheName string, id int64) error {
	value := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(spoolKey(cacheName, id), value))
	})
}

// Pending lists pending ids for cacheName in ascending order.
func (s *BadgerSpool) Pending(cacheName string) ([]int64, error) {
	prefix := []byte(spoolPrefix + cacheName + ":")
	var ids []int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

// Ack removes id from the spool.
func (s *BadgerSpool) Ack(cacheName string, id int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(spoolKey(cacheName, id))
	})
}

// MemorySpool is a non-durable spool for tests and single-node development.
type MemorySpool struct {
	mu      sync.Mutex
	pending map[string]map[int64]struct{}
}

// NewMemorySpool constructs an empty in-memory spool.
func NewMemorySpool() *MemorySpool {
	return &MemorySpool{pending: make(map[string]map[int64]struct{})}
}

func (s *MemorySpool) Enqueue(cacheName string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.pending[cacheName]
	if !ok {
		set = make(map[int64]struct{})
		s.pending[cacheName] = set
	}
	set[id] = struct{}{}
	return nil
}

func (s *MemorySpool) Pending(cacheName string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.pending[cacheName]))
	for id := range s.pending[cacheName] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemorySpool) Ack(cacheName string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending[cacheName], id)
	return nil
}
