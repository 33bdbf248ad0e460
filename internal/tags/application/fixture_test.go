package application

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scada-core/internal/cache"
	tags "scada-core/internal/tags/domain"
)

type countingStore struct {
	*cache.MemoryStore[*tags.RuleTag]
	persists atomic.Int64
}

func (s *countingStore) Persist(ctx context.Context, r *tags.RuleTag) error {
	s.persists.Add(1)
	return s.MemoryStore.Persist(ctx, r)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	data      *DataTagCache
	control   *DataTagCache
	rules     *RuleTagCache
	ruleStore *countingStore
	resolver  *DependencyResolver
	service   *TagService
	facade    *ConfigFacade
	clock     *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dataStore := cache.NewMemoryStore[*tags.DataTag]()
	controlStore := cache.NewMemoryStore[*tags.DataTag]()
	ruleStore := &countingStore{MemoryStore: cache.NewMemoryStore[*tags.RuleTag]()}

	data, err := cache.New(cache.Config[*tags.DataTag]{Name: "data_tags", Loader: dataStore, Persister: dataStore})
	require.NoError(t, err)
	control, err := cache.New(cache.Config[*tags.DataTag]{Name: "control_tags", Loader: controlStore, Persister: controlStore})
	require.NoError(t, err)
	rules, err := cache.New(cache.Config[*tags.RuleTag]{Name: "rule_tags", Loader: ruleStore, Persister: ruleStore, LockTimeout: 2 * time.Second})
	require.NoError(t, err)

	resolver, err := NewDependencyResolver(data, control, rules)
	require.NoError(t, err)
	clock := &fakeClock{now: t0}
	service, err := NewTagService(data, control, rules, WithClock(clock))
	require.NoError(t, err)
	facade, err := NewConfigFacade(service, resolver)
	require.NoError(t, err)
	return &fixture{
		data:      data,
		control:   control,
		rules:     rules,
		ruleStore: ruleStore,
		resolver:  resolver,
		service:   service,
		facade:    facade,
		clock:     clock,
	}
}

func (f *fixture) dataTag(t *testing.T, id, process, equipment int64) {
	t.Helper()
	_, err := f.facade.CreateCacheObject(context.Background(), &tags.DataTag{
		ID: id, Name: "T", DataType: "Float", ProcessID: process, EquipmentID: equipment,
	})
	require.NoError(t, err)
}

// rule inserts a rule tag without resolving it.
func (f *fixture) rule(t *testing.T, id int64, text string) {
	t.Helper()
	require.NoError(t, f.rules.Put(context.Background(), &tags.RuleTag{
		ID: id, Name: "R", DataType: "Boolean", RuleText: text, InputTagIDs: tags.ParseRuleInputs(text),
	}))
}
