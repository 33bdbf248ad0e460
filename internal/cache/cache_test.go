package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scada-core/internal/logging"
)

func newTestCache(t *testing.T, store *memStore, mutate func(*Config[*item])) *Cache[*item] {
	t.Helper()
	logger := logging.Nop()
	cfg := Config[*item]{Name: "items", Loader: store, Persister: store, Logger: &logger}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestPutFiresInsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newTestCache(t, store, nil)
	rec := &recorder{}
	c.RegisterListener(allEvents, rec.listen)

	require.NoError(t, c.Put(ctx, &item{id: 1, value: "a"}))
	require.NoError(t, c.Put(ctx, &item{id: 1, value: "b"}))

	assert.Equal(t, []EventType{EventInserted, EventUpdateAccepted}, rec.types())
	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "b", got.value)
	assert.Equal(t, "b", store.row(1).value, "write-through must reach the store")
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemStore(), nil)
	require.NoError(t, c.Put(ctx, &item{id: 1, value: "a"}))

	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	got.value = "mutated"

	again, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", again.value)
}

func TestValidationRejected(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newTestCache(t, store, func(cfg *Config[*item]) {
		cfg.Validate = func(_ *item, _ bool, candidate *item) error {
			if candidate.value == "" {
				return errors.New("empty value")
			}
			return nil
		}
	})
	rec := &recorder{}
	c.RegisterListener(allEvents, rec.listen)

	require.NoError(t, c.Put(ctx, &item{id: 1, value: "a"}))
	err := c.Put(ctx, &item{id: 1, value: ""})
	require.ErrorIs(t, err, ErrValidationRejected)

	var cacheErr *Error
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, int64(1), cacheErr.Key)

	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", got.value)
	assert.Equal(t, []EventType{EventInserted, EventUpdateRejected}, rec.types())
}

func TestSyncPersistenceFailureRestoresPrevious(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newTestCache(t, store, nil)
	rec := &recorder{}
	c.RegisterListener(allEvents, rec.listen)

	require.NoError(t, c.Put(ctx, &item{id: 1, value: "a"}))
	store.fail.Store(true)

	err := c.Put(ctx, &item{id: 1, value: "b"})
	require.ErrorIs(t, err, ErrPersistenceFailure)
	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", got.value)

	err = c.Put(ctx, &item{id: 2, value: "new"})
	require.ErrorIs(t, err, ErrPersistenceFailure)
	assert.False(t, c.Has(2))

	assert.Equal(t, []EventType{EventInserted, EventUpdateFailed, EventUpdateFailed}, rec.types())
}

func TestQueuedPersistenceFailureSpoolsAndRetries(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	spool := NewMemorySpool()
	c := newTestCache(t, store, func(cfg *Config[*item]) {
		cfg.Mode = PersistQueued
		cfg.Spool = spool
	})
	rec := &recorder{}
	c.RegisterListener(allEvents, rec.listen)

	store.fail.Store(true)
	require.NoError(t, c.Put(ctx, &item{id: 7, value: "live"}))

	got, err := c.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "live", got.value)
	assert.Equal(t, []EventType{EventInserted, EventUpdateFailed}, rec.types())
	pending, err := spool.Pending("items")
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, pending)

	loop, err := NewRetryLoop(spool, time.Second, c)
	require.NoError(t, err)
	assert.Equal(t, 0, loop.RunOnce(ctx))

	store.fail.Store(false)
	assert.Equal(t, 1, loop.RunOnce(ctx))
	assert.Equal(t, "live", store.row(7).value)
	pending, err = spool.Pending("items")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPutQuietSkipsListeners(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newTestCache(t, store, nil)
	rec := &recorder{}
	c.RegisterListener(allEvents, rec.listen)

	require.NoError(t, c.PutQuiet(ctx, &item{id: 3, value: "memo"}))
	assert.Empty(t, rec.types())
	assert.Equal(t, "memo", store.row(3).value)
}

func TestDeriveAddsEvents(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemStore(), func(cfg *Config[*item]) {
		cfg.Derive = func(prev *item, had bool, cur *item) []EventType {
			if had && prev.value != cur.value {
				return []EventType{EventSupervisionChange}
			}
			return nil
		}
	})
	rec := &recorder{}
	c.RegisterListener([]EventType{EventSupervisionChange}, rec.listen)

	require.NoError(t, c.Put(ctx, &item{id: 1, value: "RUNNING"}))
	require.NoError(t, c.Put(ctx, &item{id: 1, value: "RUNNING"}))
	require.NoError(t, c.Put(ctx, &item{id: 1, value: "DOWN"}))
	assert.Equal(t, []EventType{EventSupervisionChange}, rec.types())
}

func TestGetLoadsOnceOnConcurrentMiss(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(&item{id: 42, value: "stored"})
	c := newTestCache(t, store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Get(ctx, 42)
			assert.NoError(t, err)
			assert.Equal(t, "stored", got.value)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), store.loads.Load())
}

func TestGetNotFound(t *testing.T) {
	c := newTestCache(t, newMemStore(), nil)
	_, err := c.Get(context.Background(), 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentPutsAreMutuallyExclusive(t *testing.T) {
	ctx := context.Background()
	var inflight, peak atomic.Int32
	store := newMemStore()
	store.onPersist = func() {
		time.Sleep(100 * time.Microsecond)
		inflight.Add(-1)
	}
	c := newTestCache(t, store, func(cfg *Config[*item]) {
		cfg.Validate = func(*item, bool, *item) error {
			n := inflight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			return nil
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				assert.NoError(t, c.Put(ctx, &item{id: 5, value: "x"}))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestWithKeyLockReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemStore(), nil)

	func() {
		defer func() { _ = recover() }()
		_ = c.WithKeyLock(ctx, 1, func() error { panic("boom") })
	}()

	done := make(chan struct{})
	go func() {
		_ = c.Put(ctx, &item{id: 1, value: "after"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock was not released after panic")
	}
}

func TestListenerPanicIsContained(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemStore(), nil)
	rec := &recorder{}
	c.RegisterListener([]EventType{EventInserted}, func(context.Context, Event[*item]) { panic("bad listener") })
	c.RegisterListener([]EventType{EventInserted}, rec.listen)

	require.NoError(t, c.Put(ctx, &item{id: 1, value: "a"}))
	assert.Equal(t, []EventType{EventInserted}, rec.types())
	require.NoError(t, c.Put(ctx, &item{id: 1, value: "b"}))
}

func TestLockTimeout(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemStore(), func(cfg *Config[*item]) {
		cfg.LockTimeout = 20 * time.Millisecond
	})
	require.NoError(t, c.LockOnKey(ctx, 1))
	defer c.UnlockOnKey(1)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Put(ctx, &item{id: 1, value: "a"}) }()
	require.ErrorIs(t, <-errCh, ErrLockTimeout)
}

func TestLockOnKeyThenLockedVariants(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemStore(), nil)
	require.NoError(t, c.Put(ctx, &item{id: 1, value: "a"}))

	require.NoError(t, c.LockOnKey(ctx, 1))
	cur, err := c.GetLocked(ctx, 1)
	require.NoError(t, err)
	cur.value += "b"
	require.NoError(t, c.PutLocked(ctx, cur))
	c.UnlockOnKey(1)

	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "ab", got.value)
}

func TestNotifyConfirmStatus(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemStore(), nil)
	rec := &recorder{}
	c.RegisterListener([]EventType{EventConfirmStatus}, rec.listen)
	require.NoError(t, c.Put(ctx, &item{id: 1, value: "a"}))

	require.NoError(t, c.Notify(ctx, 1, EventConfirmStatus))
	assert.Equal(t, []EventType{EventConfirmStatus}, rec.types())
	require.ErrorIs(t, c.Notify(ctx, 2, EventConfirmStatus), ErrNotFound)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newTestCache(t, store, nil)
	require.NoError(t, c.Put(ctx, &item{id: 1, value: "a"}))
	require.NoError(t, c.Remove(ctx, 1))
	assert.False(t, c.Has(1))
	assert.Nil(t, store.row(1))
}

func TestLoadFromStoreAndKeys(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(&item{id: 3}, &item{id: 1}, &item{id: 2})
	c := newTestCache(t, store, nil)
	n, err := c.LoadFromStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{1, 2, 3}, c.GetKeys())
}

func TestLockTableGivesUpWithoutLeakingTheLock(t *testing.T) {
	table := NewLockTable()
	require.NoError(t, table.Lock(context.Background(), 3, 0))

	err := table.Lock(context.Background(), 3, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, table.Lock(ctx, 3, 0), context.Canceled)

	table.Unlock(3)
	require.NoError(t, table.Lock(context.Background(), 3, time.Second))
	table.Unlock(3)
}

func TestLockTableWriterNotStarvedByReaders(t *testing.T) {
	table := NewLockTable()
	table.RLock(5)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				table.RLock(5)
				time.Sleep(time.Millisecond)
				table.RUnlock(5)
			}
		}()
	}

	locked := make(chan error, 1)
	go func() { locked <- table.Lock(context.Background(), 5, time.Second) }()
	time.Sleep(5 * time.Millisecond)
	table.RUnlock(5)

	require.NoError(t, <-locked)
	table.Unlock(5)
	close(stop)
	readers.Wait()
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	settings := BreakerSettings{FailureThreshold: 2, MaxRequests: 1, Timeout: time.Hour}
	c := newTestCache(t, store, func(cfg *Config[*item]) {
		cfg.Breaker = &settings
	})
	store.fail.Store(true)
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, c.Put(ctx, &item{id: 1, value: "a"}), ErrPersistenceFailure)
	}
	store.fail.Store(false)
	err := c.Put(ctx, &item{id: 1, value: "a"})
	require.ErrorIs(t, err, ErrPersistenceFailure, "open breaker fails fast")
	assert.Equal(t, int32(0), store.persists.Load())
}
