package application

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"scada-core/internal/logging"
	"scada-core/internal/observability/metrics"
)

const uncertainMessage = "alive signal late"

// AliveMonitor periodically expires alive timers. It implements suture.Service.
type AliveMonitor struct {
	sm       *StateMachine
	interval time.Duration
	grace    float64
	logger   zerolog.Logger
}

// MonitorOption customizes the monitor.
type MonitorOption func(*AliveMonitor)

// WithSweepInterval sets the sweep period.
func WithSweepInterval(interval time.Duration) MonitorOption {
	return func(m *AliveMonitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithUncertainGrace marks an entity UNCERTAIN once grace*interval has passed
// without a heartbeat. Zero disables the UNCERTAIN window.
func WithUncertainGrace(grace float64) MonitorOption {
	return func(m *AliveMonitor) {
		m.grace = grace
	}
}

// NewAliveMonitor constructs an alive monitor.
func NewAliveMonitor(sm *StateMachine, opts ...MonitorOption) (*AliveMonitor, error) {
	if sm == nil {
		return nil, errors.New("supervision: nil state machine")
	}
	m := &AliveMonitor{
		sm:       sm,
		interval: 5 * time.Second,
		logger:   logging.With("alive-monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Serve sweeps until ctx is cancelled.
func (m *AliveMonitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep checks every active timer once against a snapshot of keys and returns
// how many expired. Each entity is locked only while its own timer is handled.
func (m *AliveMonitor) Sweep(ctx context.Context) int {
	start := time.Now()
	defer func() { metrics.ObserveAliveSweep(time.Since(start)) }()

	now := m.sm.clock.Now()
	expired := 0
	for _, id := range m.sm.timers.GetKeys() {
		if ctx.Err() != nil {
			break
		}
		timer, err := m.sm.timers.Get(ctx, id)
		if err != nil || !timer.Active {
			continue
		}
		switch {
		case timer.Expired(now):
			ok, err := m.sm.ExpireTimer(ctx, timer, now)
			if err != nil {
				m.logger.Error().Err(err).Int64("alive_tag", id).Int64("related", timer.RelatedID).Msg("expire alive timer failed")
				continue
			}
			if ok {
				expired++
				m.logger.Warn().Int64("alive_tag", id).Int64("related", timer.RelatedID).Str("kind", string(timer.RelatedKind)).Msg(aliveExpiredMessage)
			}
		case timer.Late(now, m.grace):
			if err := m.sm.MarkUncertain(ctx, timer.RelatedID, now, uncertainMessage); err != nil {
				m.logger.Warn().Err(err).Int64("related", timer.RelatedID).Msg("mark uncertain failed")
			}
		}
	}
	return expired
}

func (m *AliveMonitor) String() string {
	return "alive-monitor"
}
