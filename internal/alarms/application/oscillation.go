package application

import (
	"sync/atomic"
	"time"

	alarms "scada-core/internal/alarms/domain"
	"scada-core/internal/observability/metrics"
)

// OscillationSettings holds the oscillation parameters and may be replaced
// while the server runs. Readers load a snapshot per evaluation.
type OscillationSettings struct {
	params atomic.Pointer[alarms.OscillationParams]
}

// NewOscillationSettings constructs settings with the given parameters.
func NewOscillationSettings(p alarms.OscillationParams) *OscillationSettings {
	s := &OscillationSettings{}
	s.Store(p)
	return s
}

// Load returns the current parameters.
func (s *OscillationSettings) Load() alarms.OscillationParams {
	if s == nil {
		return alarms.OscillationParams{}
	}
	p := s.params.Load()
	if p == nil {
		return alarms.OscillationParams{}
	}
	return *p
}

// Store replaces the parameters. Windows already accumulated are judged
// against the new values on their next update only.
func (s *OscillationSettings) Store(p alarms.OscillationParams) {
	s.params.Store(&p)
}

// OscillationUpdater runs inline on every alarm state change. It may set
// the oscillating flag but never clears it.
type OscillationUpdater struct {
	settings *OscillationSettings
}

// NewOscillationUpdater constructs an updater reading settings on each call.
func NewOscillationUpdater(settings *OscillationSettings) *OscillationUpdater {
	return &OscillationUpdater{settings: settings}
}

// Update pushes ts into the alarm's window and reports whether the alarm
// just became oscillating. The caller holds the alarm's key lock.
func (u *OscillationUpdater) Update(alarm *alarms.Alarm, ts time.Time) bool {
	if u == nil || alarm == nil {
		return false
	}
	p := u.settings.Load()
	if !p.Enabled() {
		return false
	}

	fifo := make([]time.Time, 0, p.Numbers)
	fifo = append(fifo, ts)
	for _, prev := range alarm.FifoSourceTimestamps {
		if len(fifo) == p.Numbers {
			break
		}
		fifo = append(fifo, prev)
	}
	alarm.FifoSourceTimestamps = fifo

	if alarm.Oscillating || len(fifo) < p.Numbers {
		return false
	}
	if fifo[0].Sub(fifo[len(fifo)-1]) >= p.TimeRange {
		return false
	}
	alarm.Oscillating = true
	alarm.Active = true
	alarm.Info = alarms.InfoOscillating
	metrics.IncOscillation("set")
	return true
}
