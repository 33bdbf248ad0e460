package application

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	alarms "scada-core/internal/alarms/domain"
	"scada-core/internal/cache"
	"scada-core/internal/logging"
	"scada-core/internal/observability/metrics"
)

// AlarmCache holds alarms keyed by alarm id.
type AlarmCache = cache.Cache[*alarms.Alarm]

// TagValue is a tag reading handed to alarm evaluation.
type TagValue struct {
	ID        int64
	Value     any
	Timestamp time.Time
}

// TagReader returns the current value of a tag.
type TagReader interface {
	CurrentValue(ctx context.Context, tagID int64) (TagValue, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Service evaluates alarms when their tag changes.
type Service struct {
	alarms  *AlarmCache
	updater *OscillationUpdater
	clock   Clock
	logger  zerolog.Logger

	mu    sync.RWMutex
	byTag map[int64][]int64
}

// ServiceOption customizes the alarm service.
type ServiceOption func(*Service)

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger overrides the service logger.
func WithLogger(logger zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService constructs an alarm service.
func NewService(alarmCache *AlarmCache, updater *OscillationUpdater, opts ...ServiceOption) (*Service, error) {
	if alarmCache == nil {
		return nil, errors.New("alarms: nil cache")
	}
	if updater == nil {
		return nil, errors.New("alarms: nil oscillation updater")
	}
	s := &Service{
		alarms:  alarmCache,
		updater: updater,
		clock:   systemClock{},
		logger:  logging.With("alarms"),
		byTag:   make(map[int64][]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Cache returns the alarm cache.
func (s *Service) Cache() *AlarmCache {
	return s.alarms
}

// IndexAll rebuilds the tag to alarm index from the cache contents.
func (s *Service) IndexAll(ctx context.Context) error {
	byTag := make(map[int64][]int64)
	for _, id := range s.alarms.GetKeys() {
		alarm, err := s.alarms.Get(ctx, id)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				continue
			}
			return err
		}
		byTag[alarm.TagID] = append(byTag[alarm.TagID], alarm.ID)
	}
	s.mu.Lock()
	s.byTag = byTag
	s.mu.Unlock()
	return nil
}

// Attach indexes alarm under its tag.
func (s *Service) Attach(alarm *alarms.Alarm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byTag[alarm.TagID]
	if !slices.Contains(ids, alarm.ID) {
		ids = append(ids, alarm.ID)
		slices.Sort(ids)
		s.byTag[alarm.TagID] = ids
	}
}

// Detach removes alarm from the index of tagID.
func (s *Service) Detach(tagID, alarmID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.DeleteFunc(slices.Clone(s.byTag[tagID]), func(id int64) bool { return id == alarmID })
	if len(ids) == 0 {
		delete(s.byTag, tagID)
		return
	}
	s.byTag[tagID] = ids
}

// AlarmsForTag returns the ids of the alarms watching tagID.
func (s *Service) AlarmsForTag(tagID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.byTag[tagID])
}

// EvaluateTag re-evaluates every alarm attached to the tag. Each alarm is
// updated under its own key lock.
func (s *Service) EvaluateTag(ctx context.Context, tag TagValue) error {
	if s == nil {
		return errors.New("alarms: nil service")
	}
	var errs []error
	for _, id := range s.AlarmsForTag(tag.ID) {
		if err := s.evaluate(ctx, id, tag); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) evaluate(ctx context.Context, id int64, tag TagValue) error {
	return s.alarms.WithKeyLock(ctx, id, func() error {
		alarm, err := s.alarms.GetLocked(ctx, id)
		if err != nil {
			return err
		}
		if alarm.TagID != tag.ID {
			return nil
		}
		if !tag.Timestamp.IsZero() && tag.Timestamp.Before(alarm.SourceTimestamp) {
			s.logger.Debug().Int64("alarm_id", id).Time("source_ts", tag.Timestamp).Msg("stale tag value ignored")
			return nil
		}
		state, err := alarm.Condition.Evaluate(tag.Value)
		if err != nil {
			return fmt.Errorf("alarm %d: %w", id, err)
		}
		if state == alarm.InternalActive {
			return nil
		}

		alarm.InternalActive = state
		alarm.SourceTimestamp = tag.Timestamp
		alarm.TriggerTimestamp = s.clock.Now()
		if s.updater.Update(alarm, tag.Timestamp) {
			s.logger.Warn().Int64("alarm_id", id).Str("fault", alarm.Label()).Msg("alarm is oscillating")
		}
		if alarm.Oscillating {
			alarm.Active = true
			alarm.Info = alarms.InfoOscillating
		} else {
			alarm.Active = state
			alarm.Info = ""
		}
		metrics.IncAlarmEvent(stateLabel(state))
		return s.alarms.PutLocked(ctx, alarm)
	})
}

func stateLabel(active bool) string {
	if active {
		return "activated"
	}
	return "terminated"
}
