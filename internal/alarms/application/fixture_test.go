package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	alarms "scada-core/internal/alarms/domain"
	"scada-core/internal/cache"
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

type fakeTags struct {
	mu     sync.Mutex
	values map[int64]TagValue
}

func (f *fakeTags) set(v TagValue) {
	f.mu.Lock()
	f.values[v.ID] = v
	f.mu.Unlock()
}

func (f *fakeTags) CurrentValue(_ context.Context, id int64) (TagValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[id]
	if !ok {
		return TagValue{}, fmt.Errorf("tag %d: %w", id, cache.ErrNotFound)
	}
	return v, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []AlarmEvent
}

func (r *recordingNotifier) Notify(_ context.Context, event AlarmEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	service  *Service
	checker  *OscillationChecker
	facade   *ConfigFacade
	cache    *AlarmCache
	store    *cache.MemoryStore[*alarms.Alarm]
	settings *OscillationSettings
	tags     *fakeTags
	clock    *fakeClock
	notes    *recordingNotifier
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testTagID = 42

func defaultParams() alarms.OscillationParams {
	return alarms.OscillationParams{Numbers: 3, TimeRange: 50 * time.Second, QuietTime: time.Minute}
}

func newFixture(t *testing.T, params alarms.OscillationParams) *fixture {
	t.Helper()
	store := cache.NewMemoryStore[*alarms.Alarm]()
	c, err := cache.New(cache.Config[*alarms.Alarm]{Name: "alarms", Loader: store, Persister: store})
	require.NoError(t, err)

	clock := &fakeClock{now: t0}
	settings := NewOscillationSettings(params)
	service, err := NewService(c, NewOscillationUpdater(settings), WithClock(clock))
	require.NoError(t, err)
	tags := &fakeTags{values: make(map[int64]TagValue)}
	checker, err := NewOscillationChecker(c, tags, settings, WithCheckerClock(clock))
	require.NoError(t, err)
	facade, err := NewConfigFacade(service)
	require.NoError(t, err)

	notes := &recordingNotifier{}
	c.RegisterListener([]cache.EventType{cache.EventInserted, cache.EventUpdateAccepted}, NotificationListener(notes))

	return &fixture{
		service:  service,
		checker:  checker,
		facade:   facade,
		cache:    c,
		store:    store,
		settings: settings,
		tags:     tags,
		clock:    clock,
		notes:    notes,
	}
}

func testAlarm(id int64) *alarms.Alarm {
	return &alarms.Alarm{
		ID:          id,
		TagID:       testTagID,
		FaultFamily: "PUMP",
		FaultMember: "P1",
		FaultCode:   1,
		Condition:   alarms.Condition{Operator: alarms.OperatorGreater, Threshold: 80},
	}
}

func (f *fixture) create(t *testing.T, id int64) {
	t.Helper()
	_, err := f.facade.CreateCacheObject(context.Background(), testAlarm(id))
	require.NoError(t, err)
}

// feed updates the tag and evaluates its alarms, as the tag update path does.
func (f *fixture) feed(t *testing.T, value float64, ts time.Time) {
	t.Helper()
	v := TagValue{ID: testTagID, Value: value, Timestamp: ts}
	f.tags.set(v)
	require.NoError(t, f.service.EvaluateTag(context.Background(), v))
}

func (f *fixture) alarm(t *testing.T, id int64) *alarms.Alarm {
	t.Helper()
	a, err := f.cache.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}
