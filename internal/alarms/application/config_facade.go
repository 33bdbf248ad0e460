package application

import (
	"context"
	"errors"
	"fmt"

	alarms "scada-core/internal/alarms/domain"
	"scada-core/internal/cache"
)

// ConfigFacade creates, reconfigures and removes alarms and keeps the
// service's tag index in step.
type ConfigFacade struct {
	service *Service
}

// NewConfigFacade constructs a facade.
func NewConfigFacade(service *Service) (*ConfigFacade, error) {
	if service == nil {
		return nil, errors.New("alarms: nil service")
	}
	return &ConfigFacade{service: service}, nil
}

// ValidateConfig checks an alarm's configuration.
func (f *ConfigFacade) ValidateConfig(alarm *alarms.Alarm) error {
	if alarm == nil {
		return errors.New("alarms: nil alarm")
	}
	return alarm.ValidateConfig()
}

// CreateCacheObject inserts a new, inactive alarm.
func (f *ConfigFacade) CreateCacheObject(ctx context.Context, alarm *alarms.Alarm) (*alarms.Alarm, error) {
	if err := f.ValidateConfig(alarm); err != nil {
		return nil, err
	}
	c := f.service.alarms
	created := alarm.Clone()
	created.Active = false
	created.InternalActive = false
	created.Oscillating = false
	created.Info = ""
	created.ResetOscillation()
	err := c.WithKeyLock(ctx, created.ID, func() error {
		_, err := c.GetLocked(ctx, created.ID)
		switch {
		case err == nil:
			return fmt.Errorf("alarms: alarm %d already exists", created.ID)
		case !errors.Is(err, cache.ErrNotFound):
			return err
		}
		return c.PutLocked(ctx, created)
	})
	if err != nil {
		return nil, err
	}
	f.service.Attach(created)
	return created.Clone(), nil
}

// ConfigureCacheObject replaces the configuration fields of an alarm and
// returns the previous value. Changing the condition or the tag resets the
// oscillation window.
func (f *ConfigFacade) ConfigureCacheObject(ctx context.Context, update *alarms.Alarm) (*alarms.Alarm, error) {
	if err := f.ValidateConfig(update); err != nil {
		return nil, err
	}
	c := f.service.alarms
	var previous *alarms.Alarm
	err := c.WithKeyLock(ctx, update.ID, func() error {
		current, err := c.GetLocked(ctx, update.ID)
		if err != nil {
			return err
		}
		previous = current.Clone()
		current.FaultFamily = update.FaultFamily
		current.FaultMember = update.FaultMember
		current.FaultCode = update.FaultCode
		if current.TagID != update.TagID || current.Condition != update.Condition {
			current.TagID = update.TagID
			current.Condition = update.Condition
			current.ResetOscillation()
		}
		return c.PutLocked(ctx, current)
	})
	if err != nil {
		return nil, err
	}
	if previous.TagID != update.TagID {
		f.service.Detach(previous.TagID, previous.ID)
	}
	f.service.Attach(update)
	return previous, nil
}

// Remove deletes the alarm and returns the removed value.
func (f *ConfigFacade) Remove(ctx context.Context, id int64) (*alarms.Alarm, error) {
	c := f.service.alarms
	var removed *alarms.Alarm
	err := c.WithKeyLock(ctx, id, func() error {
		current, err := c.GetLocked(ctx, id)
		if err != nil {
			return err
		}
		removed = current
		return c.RemoveLocked(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	f.service.Detach(removed.TagID, removed.ID)
	return removed, nil
}

// Restore puts back a previously removed or reconfigured alarm verbatim.
func (f *ConfigFacade) Restore(ctx context.Context, alarm *alarms.Alarm) error {
	c := f.service.alarms
	var replaced *alarms.Alarm
	err := c.WithKeyLock(ctx, alarm.ID, func() error {
		if current, err := c.GetLocked(ctx, alarm.ID); err == nil {
			replaced = current
		}
		return c.PutQuietLocked(ctx, alarm)
	})
	if err != nil {
		return err
	}
	if replaced != nil && replaced.TagID != alarm.TagID {
		f.service.Detach(replaced.TagID, replaced.ID)
	}
	f.service.Attach(alarm)
	return nil
}
