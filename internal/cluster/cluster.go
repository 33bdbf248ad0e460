// Package cluster coordinates one-time work across server nodes sharing a database.
package cluster

import (
	"context"
	"sync"
)

// Locker serializes a named critical section across the cluster.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// FlagStore keeps named boolean flags that survive restarts.
type FlagStore interface {
	IsSet(ctx context.Context, name string) (bool, error)
	Set(ctx context.Context, name string) error
	Clear(ctx context.Context, name string) error
}

// MemoryLock is a single-node Locker.
type MemoryLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMemoryLock constructs a MemoryLock.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{locks: make(map[string]*sync.Mutex)}
}

func (l *MemoryLock) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	lock, ok := l.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[name] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

// MemoryFlags is a single-node FlagStore.
type MemoryFlags struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// NewMemoryFlags constructs an empty MemoryFlags.
func NewMemoryFlags() *MemoryFlags {
	return &MemoryFlags{flags: make(map[string]bool)}
}

func (f *MemoryFlags) IsSet(_ context.Context, name string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.flags[name], nil
}

func (f *MemoryFlags) Set(_ context.Context, name string) error {
	f.mu.Lock()
	f.flags[name] = true
	f.mu.Unlock()
	return nil
}

func (f *MemoryFlags) Clear(_ context.Context, name string) error {
	f.mu.Lock()
	delete(f.flags, name)
	f.mu.Unlock()
	return nil
}
