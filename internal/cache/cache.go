// Package cache provides the keyed, write-through entity cache shared by the
// supervision, alarm and tag engines. Every mutation of a key happens under
// that key's write lock and listeners run synchronously before it is released.
package cache

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"scada-core/internal/logging"
	"scada-core/internal/observability/metrics"
)

// Entity is a cacheable value addressed by a numeric id.
type Entity[V any] interface {
	Key() int64
	Clone() V
}

// Loader fetches entities from the backing store. Load must return an error
// matching ErrNotFound when the id does not exist.
type Loader[V any] interface {
	Load(ctx context.Context, id int64) (V, error)
	LoadAll(ctx context.Context) ([]V, error)
	Count(ctx context.Context) (int, error)
}

// Persister writes entities through to the backing store.
type Persister[V any] interface {
	Persist(ctx context.Context, value V) error
	Delete(ctx context.Context, id int64) error
}

// ValidateFunc runs before a candidate value is stored.
type ValidateFunc[V any] func(previous V, hadPrevious bool, candidate V) error

// DeriveFunc returns additional events implied by a stored change.
type DeriveFunc[V any] func(previous V, hadPrevious bool, current V) []EventType

// PersistMode selects how write-through failures are handled.
type PersistMode int

const (
	// PersistSync restores the previous value and returns the failure.
	PersistSync PersistMode = iota
	// PersistQueued keeps the new value, spools the key for retry and reports UPDATE_FAILED.
	PersistQueued
)

// Config assembles a cache.
type Config[V any] struct {
	Name        string
	Loader      Loader[V]
	Persister   Persister[V]
	Validate    ValidateFunc[V]
	Derive      DeriveFunc[V]
	Mode        PersistMode
	Spool       Spool
	Breaker     *BreakerSettings
	LockTimeout time.Duration
	Logger      *zerolog.Logger
}

// Cache is a keyed write-through store with per-key locking.
type Cache[V Entity[V]] struct {
	name        string
	mu          sync.RWMutex
	entries     map[int64]V
	locks       *LockTable
	loader      Loader[V]
	persister   Persister[V]
	validate    ValidateFunc[V]
	derive      DeriveFunc[V]
	mode        PersistMode
	spool       Spool
	breaker     *gobreaker.CircuitBreaker[struct{}]
	lockTimeout time.Duration
	listeners   listenerRegistry[V]
	loads       singleflight.Group
	logger      zerolog.Logger
}

// New constructs a cache.
func New[V Entity[V]](cfg Config[V]) (*Cache[V], error) {
	if cfg.Name == "" {
		return nil, errors.New("cache: empty name")
	}
	if cfg.Mode == PersistQueued && cfg.Spool == nil {
		return nil, errors.New("cache: queued persistence requires a spool")
	}
	logger := logging.With("cache").With().Str("cache", cfg.Name).Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("cache", cfg.Name).Logger()
	}
	c := &Cache[V]{
		name:        cfg.Name,
		entries:     make(map[int64]V),
		locks:       NewLockTable(),
		loader:      cfg.Loader,
		persister:   cfg.Persister,
		validate:    cfg.Validate,
		derive:      cfg.Derive,
		mode:        cfg.Mode,
		spool:       cfg.Spool,
		lockTimeout: cfg.LockTimeout,
		logger:      logger,
	}
	if cfg.Breaker != nil && cfg.Persister != nil {
		c.breaker = newBreaker(cfg.Name, *cfg.Breaker, logger)
	}
	return c, nil
}

// Name returns the cache name.
func (c *Cache[V]) Name() string {
	return c.name
}

// RegisterListener subscribes fn to the given event types.
func (c *Cache[V]) RegisterListener(types []EventType, fn Listener[V]) {
	if c == nil || fn == nil {
		return
	}
	c.listeners.add(types, fn)
}

// LoadFromStore fills the cache from the loader, replacing nothing already present.
func (c *Cache[V]) LoadFromStore(ctx context.Context) (int, error) {
	if c.loader == nil {
		return 0, nil
	}
	values, err := c.loader.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	loaded := 0
	for _, v := range values {
		if _, ok := c.entries[v.Key()]; ok {
			continue
		}
		c.entries[v.Key()] = v
		loaded++
	}
	return loaded, nil
}

// Get returns a copy of the value for id, loading it from the store on a miss.
// Callers holding the key's write lock must use GetLocked instead.
func (c *Cache[V]) Get(ctx context.Context, id int64) (V, error) {
	c.locks.RLock(id)
	v, ok := c.lookup(id)
	c.locks.RUnlock(id)
	if ok {
		return v.Clone(), nil
	}
	return c.loadMissing(ctx, id)
}

// GetLocked is Get for callers that already hold the key's write lock.
func (c *Cache[V]) GetLocked(ctx context.Context, id int64) (V, error) {
	v, err := c.loadLocked(ctx, id)
	if err != nil {
		var zero V
		return zero, err
	}
	return v.Clone(), nil
}

// Has reports whether id is present in memory.
func (c *Cache[V]) Has(id int64) bool {
	_, ok := c.lookup(id)
	return ok
}

// GetKeys returns a sorted snapshot of all keys in memory.
func (c *Cache[V]) GetKeys() []int64 {
	c.mu.RLock()
	keys := make([]int64, 0, len(c.entries))
	for id := range c.entries {
		keys = append(keys, id)
	}
	c.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

// Size returns the number of entries in memory.
func (c *Cache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// StoreCount returns the number of rows in the backing store.
func (c *Cache[V]) StoreCount(ctx context.Context) (int, error) {
	if c.loader == nil {
		return c.Size(), nil
	}
	return c.loader.Count(ctx)
}

// Put validates, stores, persists and notifies listeners.
func (c *Cache[V]) Put(ctx context.Context, value V) error {
	return c.withLock(ctx, "put", value.Key(), func() error {
		return c.putLocked(ctx, value, false)
	})
}

// PutQuiet is Put without listener notification.
func (c *Cache[V]) PutQuiet(ctx context.Context, value V) error {
	return c.withLock(ctx, "put", value.Key(), func() error {
		return c.putLocked(ctx, value, true)
	})
}

// PutLocked is Put for callers already holding the key's write lock.
func (c *Cache[V]) PutLocked(ctx context.Context, value V) error {
	return c.putLocked(ctx, value, false)
}

// PutQuietLocked is PutQuiet for callers already holding the key's write lock.
func (c *Cache[V]) PutQuietLocked(ctx context.Context, value V) error {
	return c.putLocked(ctx, value, true)
}

// Remove deletes id from the store and from memory.
func (c *Cache[V]) Remove(ctx context.Context, id int64) error {
	return c.withLock(ctx, "remove", id, func() error {
		return c.RemoveLocked(ctx, id)
	})
}

// RemoveLocked is Remove for callers already holding the key's write lock.
func (c *Cache[V]) RemoveLocked(ctx context.Context, id int64) error {
	if c.persister != nil {
		if err := c.guard(func() error { return c.persister.Delete(ctx, id) }); err != nil {
			metrics.IncCachePersistFailure(c.name)
			return wrap(c.name, "remove", id, Reason(ErrPersistenceFailure, err))
		}
	}
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	return nil
}

// Evict drops id from memory only, leaving the store untouched.
func (c *Cache[V]) Evict(id int64) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// LockOnKey acquires the write lock of id. Pair with UnlockOnKey on every path.
func (c *Cache[V]) LockOnKey(ctx context.Context, id int64) error {
	return c.lockKey(ctx, id)
}

// UnlockOnKey releases the write lock of id.
func (c *Cache[V]) UnlockOnKey(id int64) {
	c.locks.Unlock(id)
}

// WithKeyLock runs fn while holding the write lock of id. The lock is
// released even when fn panics.
func (c *Cache[V]) WithKeyLock(ctx context.Context, id int64, fn func() error) error {
	return c.withLock(ctx, "lock", id, fn)
}

// Notify re-publishes the current value of id under its lock.
func (c *Cache[V]) Notify(ctx context.Context, id int64, types ...EventType) error {
	return c.withLock(ctx, "notify", id, func() error {
		return c.NotifyLocked(ctx, id, types...)
	})
}

// NotifyLocked is Notify for callers already holding the key's write lock.
func (c *Cache[V]) NotifyLocked(ctx context.Context, id int64, types ...EventType) error {
	current, err := c.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	for _, t := range types {
		c.notify(ctx, Event[V]{Type: t, Key: id, Value: current, Previous: current, HadPrev: true})
	}
	return nil
}

// RetryPersist writes the current in-memory value of id to the store again.
// A key no longer in memory counts as done.
func (c *Cache[V]) RetryPersist(ctx context.Context, id int64) error {
	return c.withLock(ctx, "retry", id, func() error {
		current, ok := c.lookup(id)
		if !ok || c.persister == nil {
			return nil
		}
		if err := c.guard(func() error { return c.persister.Persist(ctx, current) }); err != nil {
			return Reason(ErrPersistenceFailure, err)
		}
		return nil
	})
}

func (c *Cache[V]) withLock(ctx context.Context, op string, id int64, fn func() error) error {
	if err := c.lockKey(ctx, id); err != nil {
		return wrap(c.name, op, id, err)
	}
	defer c.locks.Unlock(id)
	return fn()
}

func (c *Cache[V]) lockKey(ctx context.Context, id int64) error {
	start := time.Now()
	err := c.locks.Lock(ctx, id, c.lockTimeout)
	metrics.ObserveLockWait(c.name, time.Since(start))
	if errors.Is(err, ErrLockTimeout) {
		c.logger.Error().Int64("key", id).Dur("timeout", c.lockTimeout).Msg("key lock timeout, lock ordering violated?")
	}
	return err
}

func (c *Cache[V]) putLocked(ctx context.Context, value V, quiet bool) error {
	id := value.Key()
	previous, hadPrev := c.lookup(id)
	candidate := value.Clone()

	if c.validate != nil {
		if err := c.validate(previous, hadPrev, candidate); err != nil {
			rejected := Reason(ErrValidationRejected, err)
			if !quiet {
				c.notify(ctx, Event[V]{Type: EventUpdateRejected, Key: id, Value: candidate, Previous: previous, HadPrev: hadPrev, Err: rejected})
			}
			return wrap(c.name, "put", id, rejected)
		}
	}

	c.store(id, candidate)

	var failure error
	if c.persister != nil {
		if err := c.guard(func() error { return c.persister.Persist(ctx, candidate) }); err != nil {
			failure = Reason(ErrPersistenceFailure, err)
			metrics.IncCachePersistFailure(c.name)
			c.logger.Error().Err(err).Int64("key", id).Msg("write-through persistence failed")
		}
	}

	if failure != nil && c.mode == PersistSync {
		if hadPrev {
			c.store(id, previous)
		} else {
			c.Evict(id)
		}
		if !quiet {
			c.notify(ctx, Event[V]{Type: EventUpdateFailed, Key: id, Value: candidate, Previous: previous, HadPrev: hadPrev, Err: failure})
		}
		return wrap(c.name, "put", id, failure)
	}
	if failure != nil {
		c.enqueueRetry(id)
	}
	if quiet {
		return nil
	}

	first := EventUpdateAccepted
	if !hadPrev {
		first = EventInserted
	}
	types := []EventType{first}
	if c.derive != nil {
		types = append(types, c.derive(previous, hadPrev, candidate)...)
	}
	if failure != nil {
		types = append(types, EventUpdateFailed)
	}
	for _, t := range types {
		evt := Event[V]{Type: t, Key: id, Value: candidate, Previous: previous, HadPrev: hadPrev}
		if t == EventUpdateFailed {
			evt.Err = failure
		}
		c.notify(ctx, evt)
	}
	return nil
}

func (c *Cache[V]) enqueueRetry(id int64) {
	if c.spool == nil {
		return
	}
	if err := c.spool.Enqueue(c.name, id); err != nil {
		metrics.IncSpool(c.name, "error")
		c.logger.Error().Err(err).Int64("key", id).Msg("retry spool enqueue failed")
		return
	}
	metrics.IncSpool(c.name, "enqueued")
}

func (c *Cache[V]) notify(ctx context.Context, evt Event[V]) {
	evt.Cache = c.name
	metrics.IncCacheEvent(c.name, evt.Type.String())
	for _, reg := range c.listeners.snapshot() {
		if _, ok := reg.types[evt.Type]; !ok {
			continue
		}
		delivered := evt
		delivered.Value = evt.Value.Clone()
		if evt.HadPrev {
			delivered.Previous = evt.Previous.Clone()
		}
		c.invoke(ctx, reg.fn, delivered)
	}
}

func (c *Cache[V]) invoke(ctx context.Context, fn Listener[V], evt Event[V]) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Int64("key", evt.Key).Str("event", evt.Type.String()).Msg("listener panicked")
		}
	}()
	fn(ctx, evt)
}

func (c *Cache[V]) loadMissing(ctx context.Context, id int64) (V, error) {
	var zero V
	if c.loader == nil {
		return zero, wrap(c.name, "get", id, ErrNotFound)
	}
	res, err, _ := c.loads.Do(strconv.FormatInt(id, 10), func() (any, error) {
		if err := c.lockKey(ctx, id); err != nil {
			return nil, wrap(c.name, "get", id, err)
		}
		defer c.locks.Unlock(id)
		return c.loadLocked(ctx, id)
	})
	if err != nil {
		return zero, err
	}
	return res.(V).Clone(), nil
}

func (c *Cache[V]) loadLocked(ctx context.Context, id int64) (V, error) {
	if v, ok := c.lookup(id); ok {
		return v, nil
	}
	var zero V
	if c.loader == nil {
		return zero, wrap(c.name, "get", id, ErrNotFound)
	}
	v, err := c.loader.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return zero, wrap(c.name, "get", id, ErrNotFound)
		}
		return zero, wrap(c.name, "load", id, err)
	}
	c.store(id, v)
	return v, nil
}

func (c *Cache[V]) lookup(id int64) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[id]
	return v, ok
}

func (c *Cache[V]) store(id int64, v V) {
	c.mu.Lock()
	c.entries[id] = v
	c.mu.Unlock()
}

func (c *Cache[V]) guard(fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
