package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	alarmapp "scada-core/internal/alarms/application"
	"scada-core/internal/cache"
	"scada-core/internal/logging"
	tags "scada-core/internal/tags/domain"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// ValueUpdate is a value reported by a DAQ process.
type ValueUpdate struct {
	TagID              int64     `json:"tag_id"`
	Value              any       `json:"value"`
	Timestamp          time.Time `json:"timestamp"`
	Quality            string    `json:"quality,omitempty"`
	QualityDescription string    `json:"quality_description,omitempty"`
}

// TagService applies live values to data and control tags.
type TagService struct {
	data    *DataTagCache
	control *DataTagCache
	rules   *RuleTagCache
	clock   Clock
	logger  zerolog.Logger
}

// ServiceOption customizes the tag service.
type ServiceOption func(*TagService)

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *TagService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewTagService constructs a tag service.
func NewTagService(data, control *DataTagCache, rules *RuleTagCache, opts ...ServiceOption) (*TagService, error) {
	if data == nil || control == nil || rules == nil {
		return nil, errors.New("tags: nil cache")
	}
	s := &TagService{
		data:    data,
		control: control,
		rules:   rules,
		clock:   systemClock{},
		logger:  logging.With("tags"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Caches returns the data, control and rule tag caches.
func (s *TagService) Caches() (*DataTagCache, *DataTagCache, *RuleTagCache) {
	return s.data, s.control, s.rules
}

func (s *TagService) cacheFor(ctx context.Context, id int64) (*DataTagCache, error) {
	for _, c := range []*DataTagCache{s.data, s.control} {
		_, err := c.Get(ctx, id)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("tag %d: %w", id, cache.ErrNotFound)
}

// Get returns a data or control tag.
func (s *TagService) Get(ctx context.Context, id int64) (*tags.DataTag, error) {
	c, err := s.cacheFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, id)
}

// UpdateValue stores a new value. Updates older than the current source
// timestamp are discarded and reported as not applied.
func (s *TagService) UpdateValue(ctx context.Context, u ValueUpdate) (bool, error) {
	c, err := s.cacheFor(ctx, u.TagID)
	if err != nil {
		return false, err
	}
	applied := false
	err = c.WithKeyLock(ctx, u.TagID, func() error {
		tag, err := c.GetLocked(ctx, u.TagID)
		if err != nil {
			return err
		}
		if !u.Timestamp.IsZero() && u.Timestamp.Before(tag.Timestamp) {
			return nil
		}
		tag.Value = u.Value
		tag.Timestamp = u.Timestamp
		tag.ServerTimestamp = s.clock.Now()
		tag.Quality = u.Quality
		if tag.Quality == "" {
			tag.Quality = tags.QualityOK
		}
		tag.QualityDescription = u.QualityDescription
		if err := c.PutLocked(ctx, tag); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// CurrentValue implements the alarm checker's tag reader.
func (s *TagService) CurrentValue(ctx context.Context, tagID int64) (alarmapp.TagValue, error) {
	tag, err := s.Get(ctx, tagID)
	if err != nil {
		return alarmapp.TagValue{}, err
	}
	if !tag.Valid() {
		return alarmapp.TagValue{}, fmt.Errorf("tag %d: quality %s", tagID, tag.Quality)
	}
	return alarmapp.TagValue{ID: tag.ID, Value: tag.Value, Timestamp: tag.Timestamp}, nil
}

// AlarmEvaluator evaluates the alarms of a tag.
type AlarmEvaluator interface {
	EvaluateTag(ctx context.Context, tag alarmapp.TagValue) error
}

// AlarmListener returns a tag cache listener that feeds valid values to the
// alarm evaluator. It runs under the tag's key lock, so alarm locks are
// always taken after tag locks.
func AlarmListener(evaluator AlarmEvaluator) cache.Listener[*tags.DataTag] {
	logger := logging.With("tags")
	return func(ctx context.Context, evt cache.Event[*tags.DataTag]) {
		tag := evt.Value
		if tag == nil || !tag.Valid() {
			return
		}
		err := evaluator.EvaluateTag(ctx, alarmapp.TagValue{ID: tag.ID, Value: tag.Value, Timestamp: tag.Timestamp})
		if err != nil {
			logger.Error().Err(err).Int64("tag_id", tag.ID).Msg("alarm evaluation failed")
		}
	}
}
