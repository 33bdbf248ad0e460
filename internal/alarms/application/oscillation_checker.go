package application

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	alarms "scada-core/internal/alarms/domain"
	"scada-core/internal/cache"
	"scada-core/internal/logging"
	"scada-core/internal/observability/metrics"
)

const defaultCheckInterval = 10 * time.Second

// OscillationChecker periodically clears the oscillating flag of alarms
// whose tag has settled. It is the only writer allowed to clear the flag.
type OscillationChecker struct {
	alarms   *AlarmCache
	tags     TagReader
	settings *OscillationSettings
	interval time.Duration
	clock    Clock
	logger   zerolog.Logger
}

// CheckerOption customizes the checker.
type CheckerOption func(*OscillationChecker)

// WithCheckInterval sets the sweep period.
func WithCheckInterval(d time.Duration) CheckerOption {
	return func(c *OscillationChecker) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithCheckerClock assigns a clock.
func WithCheckerClock(clock Clock) CheckerOption {
	return func(c *OscillationChecker) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewOscillationChecker constructs a checker.
func NewOscillationChecker(alarmCache *AlarmCache, tags TagReader, settings *OscillationSettings, opts ...CheckerOption) (*OscillationChecker, error) {
	if alarmCache == nil || tags == nil {
		return nil, errors.New("oscillation checker: nil dependency")
	}
	c := &OscillationChecker{
		alarms:   alarmCache,
		tags:     tags,
		settings: settings,
		interval: defaultCheckInterval,
		clock:    systemClock{},
		logger:   logging.With("oscillation_checker"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Serve runs Check on every tick until ctx is done.
func (c *OscillationChecker) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

func (c *OscillationChecker) String() string {
	return "oscillation-checker"
}

// Check makes one pass over the oscillating alarms and returns how many
// were cleared. A second pass without intervening updates changes nothing.
func (c *OscillationChecker) Check(ctx context.Context) int {
	start := time.Now()
	quiet := c.settings.Load().QuietTime
	cleared, remaining := 0, 0
	for _, id := range c.alarms.GetKeys() {
		snapshot, err := c.alarms.Get(ctx, id)
		if err != nil || !snapshot.Oscillating {
			continue
		}
		// The tag is read before the alarm lock is taken; the tag update
		// path locks tag then alarm.
		tag, err := c.tags.CurrentValue(ctx, snapshot.TagID)
		if err != nil {
			c.logger.Warn().Err(err).Int64("alarm_id", id).Int64("tag_id", snapshot.TagID).Msg("tag value unavailable")
			remaining++
			continue
		}
		done, err := c.clear(ctx, id, tag, quiet)
		if err != nil {
			c.logger.Error().Err(err).Int64("alarm_id", id).Msg("oscillation check failed")
		}
		if done {
			cleared++
		} else {
			remaining++
		}
	}
	metrics.ObserveOscillationSweep(time.Since(start), remaining)
	return cleared
}

func (c *OscillationChecker) clear(ctx context.Context, id int64, tag TagValue, quiet time.Duration) (bool, error) {
	cleared := false
	err := c.alarms.WithKeyLock(ctx, id, func() error {
		alarm, err := c.alarms.GetLocked(ctx, id)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return nil
			}
			return err
		}
		if !alarm.Oscillating {
			return nil
		}
		state, err := alarm.Condition.Evaluate(tag.Value)
		if err != nil {
			return err
		}
		if state || c.clock.Now().Sub(alarm.SourceTimestamp) < quiet {
			return nil
		}
		alarm.Oscillating = false
		alarm.Active = state
		alarm.InternalActive = state
		alarm.Info = alarms.InfoTerminated
		alarm.ResetOscillation()
		if tag.Timestamp.After(alarm.SourceTimestamp) {
			alarm.SourceTimestamp = tag.Timestamp
		}
		if err := c.alarms.PutLocked(ctx, alarm); err != nil {
			return err
		}
		cleared = true
		metrics.IncOscillation("cleared")
		c.logger.Info().Int64("alarm_id", id).Str("fault", alarm.Label()).Msg("oscillation cleared")
		return nil
	})
	return cleared, err
}
