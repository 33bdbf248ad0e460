package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"scada-core/internal/cache"
	"scada-core/internal/logging"
	"scada-core/internal/observability/metrics"
	supervision "scada-core/internal/supervision/domain"
)

const aliveExpiredMessage = "alive timer expired"

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// EntityCache holds processes, equipment and subequipment.
type EntityCache = cache.Cache[*supervision.Supervised]

// TimerCache holds alive timers keyed by alive tag id.
type TimerCache = cache.Cache[*supervision.AliveTimer]

// StateMachine drives supervision status. An entity's key lock is always
// taken before the lock of its alive timer.
type StateMachine struct {
	entities *EntityCache
	timers   *TimerCache
	pik      *PIKGenerator
	clock    Clock
	testMode bool
	logger   zerolog.Logger
}

// Option customizes the state machine.
type Option func(*StateMachine)

// WithTestMode makes Start restart unconditionally.
func WithTestMode(enabled bool) Option {
	return func(sm *StateMachine) {
		sm.testMode = enabled
	}
}

// WithPIKGenerator assigns the process instance key generator.
func WithPIKGenerator(g *PIKGenerator) Option {
	return func(sm *StateMachine) {
		if g != nil {
			sm.pik = g
		}
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(sm *StateMachine) {
		if clock != nil {
			sm.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(sm *StateMachine) {
		sm.logger = logger
	}
}

// NewStateMachine constructs a state machine.
func NewStateMachine(entities *EntityCache, timers *TimerCache, opts ...Option) (*StateMachine, error) {
	if entities == nil || timers == nil {
		return nil, errors.New("supervision: nil cache")
	}
	pik, _ := NewPIKGenerator(DefaultPIKMin, DefaultPIKMax)
	sm := &StateMachine{
		entities: entities,
		timers:   timers,
		pik:      pik,
		clock:    systemClock{},
		logger:   logging.With("supervision"),
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm, nil
}

// StatusEvents derives SUPERVISION_CHANGE for the entity cache.
func StatusEvents(previous *supervision.Supervised, hadPrevious bool, current *supervision.Supervised) []cache.EventType {
	if !hadPrevious || previous.Status == current.Status {
		return nil
	}
	metrics.IncSupervisionTransition(string(current.Kind), string(current.Status))
	return []cache.EventType{cache.EventSupervisionChange}
}

// AdoptStoredPIKs registers keys of processes loaded from the store so new
// keys do not collide with them.
func (sm *StateMachine) AdoptStoredPIKs(ctx context.Context) {
	for _, id := range sm.entities.GetKeys() {
		entity, err := sm.entities.Get(ctx, id)
		if err != nil || entity.Kind != supervision.KindProcess {
			continue
		}
		sm.pik.Adopt(entity.ID, entity.PIK)
	}
}

// Start moves the entity to STARTUP and restarts its alive timer. Outside
// test mode it is a no-op for an entity that is already running. It returns
// the entity's PIK and whether a restart happened.
func (sm *StateMachine) Start(ctx context.Context, id int64, host string, startupTime time.Time) (int64, bool, error) {
	var (
		pik     int64
		started bool
	)
	err := sm.entities.WithKeyLock(ctx, id, func() error {
		entity, err := sm.entities.GetLocked(ctx, id)
		if err != nil {
			return err
		}
		if !sm.testMode && entity.IsRunning() {
			pik = entity.PIK
			sm.logger.Debug().Int64("id", id).Str("status", string(entity.Status)).Msg("start ignored, already running")
			return nil
		}
		if entity.Kind == supervision.KindProcess {
			entity.PIK = sm.pik.Next(entity.ID)
			entity.CurrentHost = host
			entity.StartupTime = startupTime.UTC()
		}
		if _, err := entity.SetStatus(supervision.StatusStartup, startupTime, "started on "+host); err != nil {
			return err
		}
		if err := sm.entities.PutLocked(ctx, entity); err != nil {
			return err
		}
		pik, started = entity.PIK, true
		return sm.updateTimer(ctx, entity, func(timer *supervision.AliveTimer) {
			timer.Start(sm.clock.Now())
		})
	})
	return pik, started, err
}

// Stop moves the entity to STOPPED, clears its runtime fields and deactivates
// its alive timer.
func (sm *StateMachine) Stop(ctx context.Context, id int64, at time.Time) error {
	return sm.stop(ctx, id, at, nil)
}

// stopIfPIK stops the process only while pik still names its live instance.
func (sm *StateMachine) stopIfPIK(ctx context.Context, id, pik int64, at time.Time) error {
	return sm.stop(ctx, id, at, func(entity *supervision.Supervised) error {
		if entity.PIK == 0 || entity.PIK != pik {
			return fmt.Errorf("%w: process %s", supervision.ErrStalePIK, entity.Name)
		}
		return nil
	})
}

func (sm *StateMachine) stop(ctx context.Context, id int64, at time.Time, check func(*supervision.Supervised) error) error {
	return sm.entities.WithKeyLock(ctx, id, func() error {
		entity, err := sm.entities.GetLocked(ctx, id)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(entity); err != nil {
				return err
			}
		}
		if _, err := entity.SetStatus(supervision.StatusStopped, at, "stopped"); err != nil {
			return err
		}
		if entity.Kind == supervision.KindProcess {
			sm.pik.Release(entity.ID)
			entity.ClearRuntime()
		}
		if err := sm.entities.PutLocked(ctx, entity); err != nil {
			return err
		}
		return sm.updateTimer(ctx, entity, func(timer *supervision.AliveTimer) {
			timer.Stop()
		})
	})
}

// MarkRebootRequired flags a process whose last configuration change takes
// effect only after a restart. Stopping the process clears the flag.
func (sm *StateMachine) MarkRebootRequired(ctx context.Context, id int64) error {
	return sm.entities.WithKeyLock(ctx, id, func() error {
		entity, err := sm.entities.GetLocked(ctx, id)
		if err != nil {
			return err
		}
		if entity.RequiresReboot {
			return nil
		}
		entity.RequiresReboot = true
		return sm.entities.PutQuietLocked(ctx, entity)
	})
}

// Suspend moves the entity to DOWN.
func (sm *StateMachine) Suspend(ctx context.Context, id int64, at time.Time, message string) error {
	return sm.transition(ctx, id, supervision.StatusDown, at, message)
}

// Resume moves the entity to RUNNING.
func (sm *StateMachine) Resume(ctx context.Context, id int64, at time.Time, message string) error {
	return sm.transition(ctx, id, supervision.StatusRunning, at, message)
}

// MarkUncertain moves a running entity to UNCERTAIN. Other statuses are left alone.
func (sm *StateMachine) MarkUncertain(ctx context.Context, id int64, at time.Time, message string) error {
	return sm.entities.WithKeyLock(ctx, id, func() error {
		entity, err := sm.entities.GetLocked(ctx, id)
		if err != nil {
			return err
		}
		if entity.Status != supervision.StatusRunning {
			return nil
		}
		if _, err := entity.SetStatus(supervision.StatusUncertain, at, message); err != nil {
			return err
		}
		return sm.entities.PutLocked(ctx, entity)
	})
}

// IsRunning reports whether the entity is RUNNING or STARTUP.
func (sm *StateMachine) IsRunning(ctx context.Context, id int64) (bool, error) {
	entity, err := sm.entities.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return entity.IsRunning(), nil
}

// IsUncertain reports whether the entity is UNCERTAIN.
func (sm *StateMachine) IsUncertain(ctx context.Context, id int64) (bool, error) {
	entity, err := sm.entities.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return entity.IsUncertain(), nil
}

// Get returns a copy of the entity.
func (sm *StateMachine) Get(ctx context.Context, id int64) (*supervision.Supervised, error) {
	return sm.entities.Get(ctx, id)
}

// List returns copies of every supervised entity.
func (sm *StateMachine) List(ctx context.Context) []*supervision.Supervised {
	ids := sm.entities.GetKeys()
	out := make([]*supervision.Supervised, 0, len(ids))
	for _, id := range ids {
		entity, err := sm.entities.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, entity)
	}
	return out
}

// RefreshAndNotifyCurrentSupervisionStatus re-publishes the current status as
// CONFIRM_STATUS without touching timestamps.
func (sm *StateMachine) RefreshAndNotifyCurrentSupervisionStatus(ctx context.Context, id int64) error {
	return sm.entities.Notify(ctx, id, cache.EventConfirmStatus)
}

// RefreshAll confirms the status of every entity, used after recovery.
func (sm *StateMachine) RefreshAll(ctx context.Context) int {
	refreshed := 0
	for _, id := range sm.entities.GetKeys() {
		if err := sm.RefreshAndNotifyCurrentSupervisionStatus(ctx, id); err != nil {
			sm.logger.Warn().Err(err).Int64("id", id).Msg("refresh status failed")
			continue
		}
		refreshed++
	}
	return refreshed
}

// Heartbeat applies an alive signal. Stale heartbeats are dropped. A fresh
// heartbeat reactivates the timer and brings a STARTUP, DOWN or UNCERTAIN
// entity to RUNNING; a STOPPED entity stays stopped.
func (sm *StateMachine) Heartbeat(ctx context.Context, aliveTagID int64, at time.Time) (bool, error) {
	timer, err := sm.timers.Get(ctx, aliveTagID)
	if err != nil {
		return false, err
	}
	advanced := false
	err = sm.entities.WithKeyLock(ctx, timer.RelatedID, func() error {
		entity, err := sm.entities.GetLocked(ctx, timer.RelatedID)
		if err != nil {
			return err
		}
		stopped := entity.Status == supervision.StatusStopped
		err = sm.timers.WithKeyLock(ctx, aliveTagID, func() error {
			current, err := sm.timers.GetLocked(ctx, aliveTagID)
			if err != nil {
				return err
			}
			if !current.Advance(at) {
				return nil
			}
			advanced = true
			if !stopped {
				current.Active = true
			}
			return sm.timers.PutLocked(ctx, current)
		})
		if err != nil || !advanced || stopped {
			return err
		}
		switch entity.Status {
		case supervision.StatusStartup, supervision.StatusDown, supervision.StatusUncertain:
			if _, err := entity.SetStatus(supervision.StatusRunning, at, "alive received"); err != nil {
				return err
			}
			return sm.entities.PutLocked(ctx, entity)
		}
		return nil
	})
	return advanced, err
}

// ExpireTimer deactivates an expired timer and moves its entity to DOWN. The
// deadline is re-checked under the locks so a heartbeat that raced the sweep wins.
func (sm *StateMachine) ExpireTimer(ctx context.Context, timer *supervision.AliveTimer, now time.Time) (bool, error) {
	expired := false
	err := sm.entities.WithKeyLock(ctx, timer.RelatedID, func() error {
		entity, entityErr := sm.entities.GetLocked(ctx, timer.RelatedID)
		if entityErr != nil && !errors.Is(entityErr, cache.ErrNotFound) {
			return entityErr
		}
		err := sm.timers.WithKeyLock(ctx, timer.ID, func() error {
			current, err := sm.timers.GetLocked(ctx, timer.ID)
			if err != nil {
				return err
			}
			if !current.Expired(now) {
				return nil
			}
			expired = true
			current.Stop()
			return sm.timers.PutLocked(ctx, current)
		})
		if err != nil || !expired || entityErr != nil {
			return err
		}
		metrics.IncAliveExpiration(string(entity.Kind))
		if _, err := entity.SetStatus(supervision.StatusDown, now, aliveExpiredMessage); err != nil {
			return err
		}
		return sm.entities.PutLocked(ctx, entity)
	})
	return expired, err
}

func (sm *StateMachine) transition(ctx context.Context, id int64, status supervision.Status, at time.Time, message string) error {
	return sm.entities.WithKeyLock(ctx, id, func() error {
		entity, err := sm.entities.GetLocked(ctx, id)
		if err != nil {
			return err
		}
		changed, err := entity.SetStatus(status, at, message)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return sm.entities.PutLocked(ctx, entity)
	})
}

// updateTimer mutates the entity's alive timer, creating it when missing.
// Callers hold the entity's key lock.
func (sm *StateMachine) updateTimer(ctx context.Context, entity *supervision.Supervised, mutate func(*supervision.AliveTimer)) error {
	if entity.AliveTagID == 0 {
		return nil
	}
	return sm.timers.WithKeyLock(ctx, entity.AliveTagID, func() error {
		timer, err := sm.timers.GetLocked(ctx, entity.AliveTagID)
		switch {
		case errors.Is(err, cache.ErrNotFound):
			timer = &supervision.AliveTimer{ID: entity.AliveTagID}
		case err != nil:
			return err
		}
		timer.RelatedID = entity.ID
		timer.RelatedKind = entity.Kind
		timer.Interval = entity.AliveInterval
		mutate(timer)
		if err := sm.timers.PutLocked(ctx, timer); err != nil {
			return fmt.Errorf("supervision: update alive timer %d: %w", timer.ID, err)
		}
		return nil
	})
}
