package configuration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarmapp "scada-core/internal/alarms/application"
	alarms "scada-core/internal/alarms/domain"
	"scada-core/internal/cache"
	"scada-core/internal/daq"
	"scada-core/internal/logging"
	supapp "scada-core/internal/supervision/application"
	supervision "scada-core/internal/supervision/domain"
	tagapp "scada-core/internal/tags/application"
	tags "scada-core/internal/tags/domain"
)

type fixture struct {
	applier     *Applier
	sm          *supapp.StateMachine
	sender      *fakeSender
	entities    *supapp.EntityCache
	timers      *supapp.TimerCache
	entityStore *cache.MemoryStore[*supervision.Supervised]
	timerStore  *cache.MemoryStore[*supervision.AliveTimer]
	data        *tagapp.DataTagCache
	rules       *tagapp.RuleTagCache
	alarms      *alarmapp.AlarmCache
}

type sentChange struct {
	process string
	change  daq.ConfigurationChange
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentChange
	reboot bool
	err    error
}

func (s *fakeSender) SendConfigurationChange(_ context.Context, processName string, change daq.ConfigurationChange) (daq.ConfigurationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return daq.ConfigurationReport{}, s.err
	}
	s.sent = append(s.sent, sentChange{process: processName, change: change})
	return daq.ConfigurationReport{ChangeID: "change-1", Status: daq.StatusOK, RequiresReboot: s.reboot}, nil
}

func (s *fakeSender) changes() []sentChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentChange(nil), s.sent...)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.Nop()

	entityStore := cache.NewMemoryStore[*supervision.Supervised]()
	timerStore := cache.NewMemoryStore[*supervision.AliveTimer]()
	entities, err := cache.New(cache.Config[*supervision.Supervised]{Name: "supervised", Loader: entityStore, Persister: entityStore, Logger: &logger})
	require.NoError(t, err)
	timers, err := cache.New(cache.Config[*supervision.AliveTimer]{Name: "alive-timers", Loader: timerStore, Persister: timerStore, Logger: &logger})
	require.NoError(t, err)
	sm, err := supapp.NewStateMachine(entities, timers, supapp.WithLogger(logger))
	require.NoError(t, err)
	supFacade, err := supapp.NewConfigFacade(sm)
	require.NoError(t, err)

	dataStore := cache.NewMemoryStore[*tags.DataTag]()
	controlStore := cache.NewMemoryStore[*tags.DataTag]()
	ruleStore := cache.NewMemoryStore[*tags.RuleTag]()
	data, err := cache.New(cache.Config[*tags.DataTag]{Name: "data_tags", Loader: dataStore, Persister: dataStore})
	require.NoError(t, err)
	control, err := cache.New(cache.Config[*tags.DataTag]{Name: "control_tags", Loader: controlStore, Persister: controlStore})
	require.NoError(t, err)
	rules, err := cache.New(cache.Config[*tags.RuleTag]{Name: "rule_tags", Loader: ruleStore, Persister: ruleStore})
	require.NoError(t, err)
	resolver, err := tagapp.NewDependencyResolver(data, control, rules)
	require.NoError(t, err)
	tagService, err := tagapp.NewTagService(data, control, rules)
	require.NoError(t, err)
	tagFacade, err := tagapp.NewConfigFacade(tagService, resolver)
	require.NoError(t, err)

	alarmStore := cache.NewMemoryStore[*alarms.Alarm]()
	alarmCache, err := cache.New(cache.Config[*alarms.Alarm]{Name: "alarms", Loader: alarmStore, Persister: alarmStore})
	require.NoError(t, err)
	settings := alarmapp.NewOscillationSettings(alarms.OscillationParams{})
	alarmService, err := alarmapp.NewService(alarmCache, alarmapp.NewOscillationUpdater(settings))
	require.NoError(t, err)
	alarmFacade, err := alarmapp.NewConfigFacade(alarmService)
	require.NoError(t, err)

	sender := &fakeSender{}
	applier, err := NewApplier(supFacade, tagFacade, alarmFacade, WithLogger(logger), WithChangeForwarding(sender, sm))
	require.NoError(t, err)
	return &fixture{
		applier:     applier,
		sm:          sm,
		sender:      sender,
		entities:    entities,
		timers:      timers,
		entityStore: entityStore,
		timerStore:  timerStore,
		data:        data,
		rules:       rules,
		alarms:      alarmCache,
	}
}

func (f *fixture) apply(t *testing.T, text string) (*Report, error) {
	t.Helper()
	doc, err := Decode(strings.NewReader(text))
	require.NoError(t, err)
	return f.applier.Apply(context.Background(), doc)
}

const baseDocument = `
name: initial
processes:
  - action: create
    id: 1
    name: P_PLANT
    description: plant process
    alive_tag_id: 1001
    alive_interval: 30s
    state_tag_id: 1002
    max_message_size: 100
    max_message_delay: 1s
equipment:
  - action: create
    id: 10
    name: E_PUMP
    description: pump
    parent_id: 1
    alive_tag_id: 1010
    alive_interval: 30s
    state_tag_id: 1011
data_tags:
  - action: create
    id: 100
    name: pump.pressure
    data_type: Float
    process_id: 1
    equipment_id: 10
  - action: create
    id: 101
    name: pump.running
    data_type: Boolean
    process_id: 1
    equipment_id: 10
rule_tags:
  - action: create
    id: 200
    name: pump.overpressure
    data_type: Boolean
    rule_text: "(#100 > 8) && #101"
alarms:
  - action: create
    id: 300
    tag_id: 100
    fault_family: PUMP
    fault_member: P1
    fault_code: 1
    condition:
      operator: ">"
      threshold: 8
`

func TestApplyCreatesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.apply(t, baseDocument)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.NotEmpty(t, report.ID)
	require.Len(t, report.Elements, 6)
	for _, e := range report.Elements {
		assert.Equal(t, StatusApplied, e.Status, "%s %d", e.Kind, e.ID)
	}

	process, err := f.entities.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, supervision.StatusDown, process.Status)

	rule, err := f.rules.Get(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, rule.ProcessIDs)
	assert.Equal(t, []int64{10}, rule.EquipmentIDs)

	alarm, err := f.alarms.Get(ctx, 300)
	require.NoError(t, err)
	assert.Equal(t, alarms.OperatorGreater, alarm.Condition.Operator)
}

func TestApplyRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.apply(t, baseDocument)
	require.NoError(t, err)

	report, err := f.apply(t, `
name: broken
processes:
  - action: update
    id: 1
    name: P_PLANT
    description: renamed
    alive_tag_id: 1001
    alive_interval: 30s
    state_tag_id: 1002
    max_message_size: 100
    max_message_delay: 1s
data_tags:
  - action: create
    id: 102
    name: pump.flow
    data_type: Float
    process_id: 1
  - action: remove
    id: 101
alarms:
  - action: create
    id: 301
    tag_id: 102
    fault_family: PUMP
    fault_member: P1
    fault_code: 2
    condition:
      operator: "~"
      threshold: 1
`)
	require.Error(t, err)
	assert.False(t, report.Success)

	process, err := f.entities.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "plant process", process.Description)
	assert.False(t, f.data.Has(102))
	assert.True(t, f.data.Has(101))
	assert.False(t, f.alarms.Has(301))

	statuses := map[int64]string{}
	for _, e := range report.Elements {
		statuses[e.ID] = e.Status
	}
	// Tag 101 is a rule input, so its removal fails first and nothing after it runs.
	assert.Equal(t, StatusFailed, statuses[101])
	assert.Equal(t, StatusSkipped, statuses[1])
	assert.Equal(t, StatusSkipped, statuses[102])
	assert.Equal(t, StatusSkipped, statuses[301])
}

func TestApplyRollsBackAppliedElements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.apply(t, baseDocument)
	require.NoError(t, err)

	report, err := f.apply(t, `
processes:
  - action: update
    id: 1
    name: P_PLANT
    description: renamed
    alive_tag_id: 1001
    alive_interval: 30s
    state_tag_id: 1002
    max_message_size: 100
    max_message_delay: 1s
data_tags:
  - action: create
    id: 102
    name: pump.flow
    data_type: Float
    process_id: 1
alarms:
  - action: create
    id: 301
    tag_id: 102
    fault_family: PUMP
    fault_member: P1
    fault_code: 2
    condition:
      operator: "~"
      threshold: 1
`)
	require.Error(t, err)
	require.Len(t, report.Elements, 3)
	assert.Equal(t, StatusRolledBack, report.Elements[0].Status)
	assert.Equal(t, StatusRolledBack, report.Elements[1].Status)
	assert.Equal(t, StatusFailed, report.Elements[2].Status)

	process, err := f.entities.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "plant process", process.Description)
	assert.False(t, f.data.Has(102))
	assert.False(t, f.alarms.Has(301))
}

func TestApplyRemovesDependentsFirst(t *testing.T) {
	f := newFixture(t)
	_, err := f.apply(t, baseDocument)
	require.NoError(t, err)

	report, err := f.apply(t, `
data_tags:
  - action: remove
    id: 101
rule_tags:
  - action: remove
    id: 200
`)
	require.NoError(t, err)
	require.Len(t, report.Elements, 2)
	assert.Equal(t, "RULETAG", report.Elements[0].Kind)
	assert.False(t, f.rules.Has(200))
	assert.False(t, f.data.Has(101))
}

func TestApplyRejectsUnknownAction(t *testing.T) {
	f := newFixture(t)
	_, err := f.apply(t, `
data_tags:
  - action: upsert
    id: 100
    name: t
    data_type: Float
    process_id: 1
`)
	require.ErrorIs(t, err, ErrInvalidAction)
	assert.False(t, f.data.Has(100))
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader("processes:\n  - action: create\n    colour: red\n"))
	require.Error(t, err)
}

func TestTransactionRollbackOrder(t *testing.T) {
	var order []string
	tx := &Transaction{}
	tx.Record("a", func(context.Context) error { order = append(order, "a"); return nil })
	tx.Record("b", func(context.Context) error { order = append(order, "b"); return errors.New("boom") })
	tx.Record("c", func(context.Context) error { order = append(order, "c"); return nil })

	err := tx.Rollback(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undo b")
	assert.Equal(t, []string{"c", "b", "a"}, order)
	assert.Zero(t, tx.Len())
}

func TestApplyLeavesNoEntityWhenAliveTimerWriteFails(t *testing.T) {
	f := newFixture(t)
	f.timerStore.FailWith(errors.New("db down"))

	report, err := f.apply(t, baseDocument)
	require.Error(t, err)
	require.ErrorIs(t, err, cache.ErrPersistenceFailure)
	require.NotNil(t, report)
	assert.False(t, report.Success)

	assert.False(t, f.entities.Has(1))
	_, stored := f.entityStore.Row(1)
	assert.False(t, stored)
	assert.False(t, f.timers.Has(1001))
	assert.Zero(t, f.data.Size())
}

const movedAliveTag = `
processes:
  - action: update
    id: 1
    name: P_PLANT
    description: moved alive tag
    alive_tag_id: 1099
    alive_interval: 30s
    state_tag_id: 1002
    max_message_size: 100
    max_message_delay: 1s
`

func TestApplyRestoresEntityWhenReconfiguredTimerFails(t *testing.T) {
	cases := []struct {
		name string
		fail func(f *fixture)
	}{
		{"timer store down", func(f *fixture) { f.timerStore.FailWith(errors.New("db down")) }},
		{"timer writes fail while deletes work", func(f *fixture) { f.timerStore.FailPersistWith(errors.New("disk full")) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			_, err := f.apply(t, baseDocument)
			require.NoError(t, err)

			tc.fail(f)
			_, err = f.apply(t, movedAliveTag)
			require.Error(t, err)
			f.timerStore.FailWith(nil)
			f.timerStore.FailPersistWith(nil)

			process, err := f.entities.Get(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(1001), process.AliveTagID)
			assert.Equal(t, "plant process", process.Description)
			row, ok := f.entityStore.Row(1)
			require.True(t, ok)
			assert.Equal(t, int64(1001), row.AliveTagID)
			assert.Equal(t, "plant process", row.Description)

			timer, err := f.timers.Get(ctx, 1001)
			require.NoError(t, err)
			assert.Equal(t, int64(1), timer.RelatedID)
			_, stored := f.timerStore.Row(1001)
			assert.True(t, stored)
			assert.False(t, f.timers.Has(1099))
		})
	}
}

const tagChanges = `
name: tag changes
data_tags:
  - action: update
    id: 100
    name: pump.pressure
    data_type: Float
    unit: bar
    process_id: 1
    equipment_id: 10
  - action: create
    id: 102
    name: pump.flow
    data_type: Float
    process_id: 1
`

func TestApplyForwardsTagChangesToRunningProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	report, err := f.apply(t, baseDocument)
	require.NoError(t, err)
	require.Len(t, report.Processes, 1)
	assert.Equal(t, ForwardNotRunning, report.Processes[0].Status)
	assert.Empty(t, f.sender.changes())

	_, err = f.sm.ConnectProcess(ctx, "P_PLANT", "hostA", time.Now())
	require.NoError(t, err)
	f.sender.reboot = true

	report, err = f.apply(t, tagChanges)
	require.NoError(t, err)
	require.Len(t, report.Processes, 1)
	assert.Equal(t, ProcessReport{ProcessID: 1, ChangeID: "change-1", Status: ForwardSent, RequiresReboot: true}, report.Processes[0])

	sent := f.sender.changes()
	require.Len(t, sent, 1)
	assert.Equal(t, "P_PLANT", sent[0].process)
	var payload changePayload
	require.NoError(t, json.Unmarshal(sent[0].change.Payload, &payload))
	assert.Equal(t, report.ID, payload.ReportID)
	require.Len(t, payload.Elements, 2)
	assert.Equal(t, ProcessElement{Kind: "DATATAG", ID: 100, Action: ActionUpdate}, withoutTag(payload.Elements[0]))
	assert.Equal(t, "bar", payload.Elements[0].Tag.Unit)
	assert.Equal(t, ActionCreate, payload.Elements[1].Action)
	assert.Equal(t, int64(102), payload.Elements[1].ID)

	process, err := f.entities.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, process.RequiresReboot)
}

func withoutTag(e ProcessElement) ProcessElement {
	e.Tag = nil
	return e
}

func TestApplyKeepsCommittedChangeWhenForwardingFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.apply(t, baseDocument)
	require.NoError(t, err)
	_, err = f.sm.ConnectProcess(ctx, "P_PLANT", "hostA", time.Now())
	require.NoError(t, err)
	f.sender.err = daq.ErrNotResponding

	report, err := f.apply(t, tagChanges)
	require.NoError(t, err)
	assert.True(t, report.Success)
	require.Len(t, report.Processes, 1)
	assert.Equal(t, ForwardFailed, report.Processes[0].Status)
	assert.Contains(t, report.Processes[0].Error, "not responding")
	assert.True(t, f.data.Has(102))

	process, err := f.entities.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, process.RequiresReboot)
}

func TestApplyForwardsNothingAfterRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.apply(t, baseDocument)
	require.NoError(t, err)
	_, err = f.sm.ConnectProcess(ctx, "P_PLANT", "hostA", time.Now())
	require.NoError(t, err)

	report, err := f.apply(t, tagChanges+`
alarms:
  - action: create
    id: 301
    tag_id: 102
    fault_family: PUMP
    fault_member: P1
    fault_code: 2
    condition:
      operator: "~"
      threshold: 1
`)
	require.Error(t, err)
	assert.Empty(t, report.Processes)
	assert.Empty(t, f.sender.changes())
}
