package application

import (
	"context"
	"errors"
	"fmt"

	"scada-core/internal/cache"
	supervision "scada-core/internal/supervision/domain"
)

// ConfigFacade creates, reconfigures and removes supervised entities together
// with their alive timers.
type ConfigFacade struct {
	sm *StateMachine
}

// NewConfigFacade constructs a facade.
func NewConfigFacade(sm *StateMachine) (*ConfigFacade, error) {
	if sm == nil {
		return nil, errors.New("supervision: nil state machine")
	}
	return &ConfigFacade{sm: sm}, nil
}

// ValidateConfig checks an entity's configuration.
func (f *ConfigFacade) ValidateConfig(entity *supervision.Supervised) error {
	if entity == nil {
		return errors.New("supervision: nil entity")
	}
	return entity.ValidateConfig()
}

// CreateCacheObject inserts a new entity in DOWN status plus an inactive
// alive timer. When the timer cannot be written the entity is removed again.
func (f *ConfigFacade) CreateCacheObject(ctx context.Context, entity *supervision.Supervised) (*supervision.Supervised, error) {
	if err := f.ValidateConfig(entity); err != nil {
		return nil, err
	}
	created := entity.Clone()
	if created.Status == "" {
		created.Status = supervision.StatusDown
		created.StatusTime = f.sm.clock.Now()
		created.StatusDescription = "created"
	}
	err := f.sm.entities.WithKeyLock(ctx, created.ID, func() error {
		_, err := f.sm.entities.GetLocked(ctx, created.ID)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s %d", supervision.ErrExists, created.Kind, created.ID)
		case !errors.Is(err, cache.ErrNotFound):
			return err
		}
		if err := f.sm.entities.PutLocked(ctx, created); err != nil {
			return err
		}
		if err := f.sm.updateTimer(ctx, created, func(timer *supervision.AliveTimer) {
			timer.Active = false
		}); err != nil {
			return errors.Join(err, f.sm.entities.RemoveLocked(ctx, created.ID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// ConfigureCacheObject replaces the configuration fields of an existing
// entity, keeping its runtime status. It returns the previous value so the
// change can be undone. A moved alive timer is written before the old one is
// dropped; a failed step puts the previous entity back.
func (f *ConfigFacade) ConfigureCacheObject(ctx context.Context, update *supervision.Supervised) (*supervision.Supervised, error) {
	if err := f.ValidateConfig(update); err != nil {
		return nil, err
	}
	var previous *supervision.Supervised
	err := f.sm.entities.WithKeyLock(ctx, update.ID, func() error {
		current, err := f.sm.entities.GetLocked(ctx, update.ID)
		if err != nil {
			return err
		}
		previous = current.Clone()
		current.Name = update.Name
		current.Description = update.Description
		current.ParentID = update.ParentID
		current.AliveInterval = update.AliveInterval
		current.StateTagID = update.StateTagID
		current.CommFaultTagID = update.CommFaultTagID
		current.MaxMessageSize = update.MaxMessageSize
		current.MaxMessageDelay = update.MaxMessageDelay

		oldAliveTag := current.AliveTagID
		current.AliveTagID = update.AliveTagID
		if err := f.sm.entities.PutLocked(ctx, current); err != nil {
			return err
		}
		active := current.IsRunning()
		if err := f.sm.updateTimer(ctx, current, func(timer *supervision.AliveTimer) {
			if active && !timer.Active {
				timer.Start(f.sm.clock.Now())
			}
		}); err != nil {
			return errors.Join(err, f.sm.entities.PutQuietLocked(ctx, previous))
		}
		if oldAliveTag == current.AliveTagID {
			return nil
		}
		if _, err := f.takeTimer(ctx, oldAliveTag); err != nil {
			_, undoErr := f.takeTimer(ctx, current.AliveTagID)
			return errors.Join(err, undoErr, f.sm.entities.PutQuietLocked(ctx, previous))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// Remove deletes the entity and its alive timer, returning the removed value.
func (f *ConfigFacade) Remove(ctx context.Context, id int64) (*supervision.Supervised, error) {
	var removed *supervision.Supervised
	err := f.sm.entities.WithKeyLock(ctx, id, func() error {
		current, err := f.sm.entities.GetLocked(ctx, id)
		if err != nil {
			return err
		}
		dropped, err := f.takeTimer(ctx, current.AliveTagID)
		if err != nil {
			return err
		}
		if err := f.sm.entities.RemoveLocked(ctx, id); err != nil {
			return errors.Join(err, f.restoreTimer(ctx, dropped))
		}
		if current.Kind == supervision.KindProcess {
			f.sm.pik.Release(current.ID)
		}
		removed = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Restore puts back a previously removed or reconfigured entity verbatim.
func (f *ConfigFacade) Restore(ctx context.Context, entity *supervision.Supervised) error {
	return f.sm.entities.WithKeyLock(ctx, entity.ID, func() error {
		if err := f.sm.entities.PutQuietLocked(ctx, entity); err != nil {
			return err
		}
		active := entity.IsRunning()
		return f.sm.updateTimer(ctx, entity, func(timer *supervision.AliveTimer) {
			timer.Active = active
		})
	})
}

// takeTimer removes the alive timer and returns it, or nil when there was none.
func (f *ConfigFacade) takeTimer(ctx context.Context, aliveTagID int64) (*supervision.AliveTimer, error) {
	if aliveTagID == 0 {
		return nil, nil
	}
	var taken *supervision.AliveTimer
	err := f.sm.timers.WithKeyLock(ctx, aliveTagID, func() error {
		timer, err := f.sm.timers.GetLocked(ctx, aliveTagID)
		if errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := f.sm.timers.RemoveLocked(ctx, aliveTagID); err != nil {
			return err
		}
		taken = timer
		return nil
	})
	return taken, err
}

func (f *ConfigFacade) restoreTimer(ctx context.Context, timer *supervision.AliveTimer) error {
	if timer == nil {
		return nil
	}
	return f.sm.timers.PutQuiet(ctx, timer)
}
