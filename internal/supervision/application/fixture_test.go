package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scada-core/internal/cache"
	"scada-core/internal/logging"
	supervision "scada-core/internal/supervision/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	sm          *StateMachine
	entities    *EntityCache
	timers      *TimerCache
	entityStore *cache.MemoryStore[*supervision.Supervised]
	timerStore  *cache.MemoryStore[*supervision.AliveTimer]
	clock       *fakeClock
	events      *eventLog
}

type eventLog struct {
	mu    sync.Mutex
	types []cache.EventType
}

func (l *eventLog) add(_ context.Context, evt cache.Event[*supervision.Supervised]) {
	l.mu.Lock()
	l.types = append(l.types, evt.Type)
	l.mu.Unlock()
}

func (l *eventLog) count(t cache.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, got := range l.types {
		if got == t {
			n++
		}
	}
	return n
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testProcess(id int64) *supervision.Supervised {
	return &supervision.Supervised{
		ID:              id,
		Kind:            supervision.KindProcess,
		Name:            "P_TEST",
		Description:     "test process",
		AliveTagID:      1000 + id,
		StateTagID:      2000 + id,
		AliveInterval:   10 * time.Second,
		MaxMessageSize:  100,
		MaxMessageDelay: time.Second,
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := logging.Nop()
	f := &fixture{
		entityStore: cache.NewMemoryStore[*supervision.Supervised](),
		timerStore:  cache.NewMemoryStore[*supervision.AliveTimer](),
		clock:       &fakeClock{now: t0},
		events:      &eventLog{},
	}
	var err error
	f.entities, err = cache.New(cache.Config[*supervision.Supervised]{
		Name:      "supervised",
		Loader:    f.entityStore,
		Persister: f.entityStore,
		Derive:    StatusEvents,
		Logger:    &logger,
	})
	require.NoError(t, err)
	f.timers, err = cache.New(cache.Config[*supervision.AliveTimer]{
		Name:      "alive-timers",
		Loader:    f.timerStore,
		Persister: f.timerStore,
		Logger:    &logger,
	})
	require.NoError(t, err)
	f.entities.RegisterListener([]cache.EventType{cache.EventSupervisionChange, cache.EventConfirmStatus}, f.events.add)

	opts = append([]Option{WithClock(f.clock), WithLogger(logger)}, opts...)
	f.sm, err = NewStateMachine(f.entities, f.timers, opts...)
	require.NoError(t, err)

	facade, err := NewConfigFacade(f.sm)
	require.NoError(t, err)
	_, err = facade.CreateCacheObject(context.Background(), testProcess(5))
	require.NoError(t, err)
	return f
}
