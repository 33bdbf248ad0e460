package supervision

import "time"

// AliveTimer tracks the heartbeat deadline of one supervised entity. Its id is
// the id of the control tag that carries the heartbeat.
type AliveTimer struct {
	ID          int64
	RelatedID   int64
	RelatedKind Kind
	Interval    time.Duration
	LastUpdate  time.Time
	Active      bool
}

func (t *AliveTimer) Key() int64 {
	return t.ID
}

func (t *AliveTimer) Clone() *AliveTimer {
	c := *t
	return &c
}

// Advance records a heartbeat. Stale heartbeats are ignored; it returns
// whether LastUpdate moved.
func (t *AliveTimer) Advance(at time.Time) bool {
	if !at.After(t.LastUpdate) {
		return false
	}
	t.LastUpdate = at.UTC()
	return true
}

// Start activates the timer as of at.
func (t *AliveTimer) Start(at time.Time) {
	t.Active = true
	if at.After(t.LastUpdate) {
		t.LastUpdate = at.UTC()
	}
}

// Stop deactivates the timer.
func (t *AliveTimer) Stop() {
	t.Active = false
}

// Expired reports whether an active timer missed its deadline.
func (t *AliveTimer) Expired(now time.Time) bool {
	return t.Active && now.Sub(t.LastUpdate) > t.Interval
}

// Late reports whether an active timer is past grace*interval but not yet expired.
func (t *AliveTimer) Late(now time.Time, grace float64) bool {
	if !t.Active || grace <= 0 || grace >= 1 {
		return false
	}
	elapsed := now.Sub(t.LastUpdate)
	return elapsed > time.Duration(float64(t.Interval)*grace) && elapsed <= t.Interval
}
