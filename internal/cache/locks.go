package cache

import (
	"context"
	"sync"
	"time"
)

// LockTable holds one read/write lock per key. Locks are never removed so a
// waiter can not end up holding a lock that a later caller does not see.
type LockTable struct {
	mu    sync.Mutex
	locks map[int64]*sync.RWMutex
}

// NewLockTable constructs an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[int64]*sync.RWMutex)}
}

func (t *LockTable) get(id int64) *sync.RWMutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[id]
	if !ok {
		lock = &sync.RWMutex{}
		t.locks[id] = lock
	}
	return lock
}

// Lock acquires the write lock for id. A zero timeout waits forever. A
// waiting writer blocks new readers, so readers cannot starve it.
func (t *LockTable) Lock(ctx context.Context, id int64, timeout time.Duration) error {
	lock := t.get(id)
	if lock.TryLock() {
		return nil
	}
	if timeout <= 0 && ctx.Done() == nil {
		lock.Lock()
		return nil
	}
	acquired := make(chan struct{})
	go func() {
		lock.Lock()
		close(acquired)
	}()
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	var err error
	select {
	case <-acquired:
		return nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-deadline:
		err = ErrLockTimeout
	}
	// The abandoned acquisition still completes; hand the lock straight back.
	go func() {
		<-acquired
		lock.Unlock()
	}()
	return err
}

// Unlock releases the write lock for id.
func (t *LockTable) Unlock(id int64) {
	t.get(id).Unlock()
}

// RLock acquires the read lock for id.
func (t *LockTable) RLock(id int64) {
	t.get(id).RLock()
}

// RUnlock releases the read lock for id.
func (t *LockTable) RUnlock(id int64) {
	t.get(id).RUnlock()
}
