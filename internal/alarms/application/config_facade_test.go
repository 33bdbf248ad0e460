package application

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarms "scada-core/internal/alarms/domain"
	"scada-core/internal/cache"
)

func TestConfigFacadeLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultParams())

	_, err := f.facade.CreateCacheObject(ctx, &alarms.Alarm{ID: 1})
	require.Error(t, err)

	f.create(t, 1)
	_, err = f.facade.CreateCacheObject(ctx, testAlarm(1))
	require.Error(t, err)
	assert.Equal(t, []int64{1}, f.service.AlarmsForTag(testTagID))
	_, ok := f.store.Row(1)
	assert.True(t, ok)

	update := testAlarm(1)
	update.TagID = 77
	update.FaultCode = 9
	previous, err := f.facade.ConfigureCacheObject(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, int64(testTagID), previous.TagID)
	assert.Empty(t, f.service.AlarmsForTag(testTagID))
	assert.Equal(t, []int64{1}, f.service.AlarmsForTag(77))
	assert.Equal(t, 9, f.alarm(t, 1).FaultCode)

	require.NoError(t, f.facade.Restore(ctx, previous))
	assert.Equal(t, []int64{1}, f.service.AlarmsForTag(testTagID))
	assert.Empty(t, f.service.AlarmsForTag(77))

	removed, err := f.facade.Remove(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed.ID)
	assert.Empty(t, f.service.AlarmsForTag(testTagID))
	_, err = f.cache.Get(ctx, 1)
	assert.True(t, errors.Is(err, cache.ErrNotFound))
}

func TestConfigureConditionResetsWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultParams())
	f.create(t, 1)
	f.feed(t, 100, t0)
	f.feed(t, 0, t0.Add(1))
	require.Len(t, f.alarm(t, 1).FifoSourceTimestamps, 2)

	update := testAlarm(1)
	update.Condition.Threshold = 90
	_, err := f.facade.ConfigureCacheObject(ctx, update)
	require.NoError(t, err)
	assert.Empty(t, f.alarm(t, 1).FifoSourceTimestamps)
}

func TestIndexAllRebuildsFromCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultParams())
	f.create(t, 2)
	f.create(t, 1)
	f.service.Detach(testTagID, 1)
	f.service.Detach(testTagID, 2)

	require.NoError(t, f.service.IndexAll(ctx))
	assert.ElementsMatch(t, []int64{1, 2}, f.service.AlarmsForTag(testTagID))
}

func TestClassify(t *testing.T) {
	inactive := &alarms.Alarm{}
	active := &alarms.Alarm{Active: true}
	oscillating := &alarms.Alarm{Active: true, Oscillating: true}

	cases := []struct {
		name    string
		prev    *alarms.Alarm
		hadPrev bool
		cur     *alarms.Alarm
		want    string
		ok      bool
	}{
		{name: "insert inactive", cur: inactive},
		{name: "insert active", cur: active, want: EventActivated, ok: true},
		{name: "activate", prev: inactive, hadPrev: true, cur: active, want: EventActivated, ok: true},
		{name: "terminate", prev: active, hadPrev: true, cur: inactive, want: EventTerminated, ok: true},
		{name: "start oscillating", prev: active, hadPrev: true, cur: oscillating, want: EventOscillating, ok: true},
		{name: "flap while oscillating", prev: oscillating, hadPrev: true, cur: oscillating},
		{name: "oscillation cleared", prev: oscillating, hadPrev: true, cur: inactive, want: EventTerminated, ok: true},
		{name: "unchanged", prev: active, hadPrev: true, cur: active},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Classify(tc.prev, tc.hadPrev, tc.cur)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
