package supervision

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusStartup, StatusRunning, true},
		{StatusRunning, StatusUncertain, true},
		{StatusUncertain, StatusRunning, true},
		{StatusUncertain, StatusDown, true},
		{StatusDown, StatusStartup, true},
		{StatusStopped, StatusStartup, true},
		{StatusStopped, StatusRunning, false},
		{StatusStopped, StatusUncertain, false},
		{StatusDown, StatusDown, true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestSetStatusRejectsStoppedToRunning(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSupervised(5, KindProcess, "P_TEST", now)
	if _, err := s.SetStatus(StatusStopped, now, "stop"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	_, err := s.SetStatus(StatusRunning, now, "run")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	if s.Status != StatusStopped {
		t.Fatalf("status changed on rejected transition: %s", s.Status)
	}
}

func TestAliveTimerAdvanceIsMonotonic(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	t2 := t1.Add(5 * time.Second)
	timer := &AliveTimer{ID: 1, Interval: 10 * time.Second}

	if !timer.Advance(t1) || !timer.Advance(t2) {
		t.Fatalf("expected in-order heartbeats to advance")
	}
	if timer.Advance(t1) {
		t.Fatalf("stale heartbeat advanced the timer")
	}
	if !timer.LastUpdate.Equal(t2) {
		t.Fatalf("expected lastUpdate %v, got %v", t2, timer.LastUpdate)
	}
}

func TestAliveTimerExpiry(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	timer := &AliveTimer{ID: 1, Interval: 10 * time.Second}
	timer.Start(start)

	if timer.Expired(start.Add(10 * time.Second)) {
		t.Fatalf("expired exactly at the interval")
	}
	if !timer.Expired(start.Add(10*time.Second + time.Millisecond)) {
		t.Fatalf("expected expiry after the interval")
	}
	if !timer.Late(start.Add(8*time.Second), 0.5) {
		t.Fatalf("expected late inside grace window")
	}
	timer.Stop()
	if timer.Expired(start.Add(time.Hour)) {
		t.Fatalf("inactive timer must never expire")
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Supervised {
		return &Supervised{
			ID:              1,
			Kind:            KindProcess,
			Name:            "P_TEST",
			Description:     "test process",
			AliveTagID:      100,
			StateTagID:      101,
			AliveInterval:   60 * time.Second,
			MaxMessageSize:  100,
			MaxMessageDelay: time.Second,
		}
	}
	if err := valid().ValidateConfig(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := map[string]func(*Supervised){
		"short alive interval": func(s *Supervised) { s.AliveInterval = 9 * time.Second },
		"missing alive tag":    func(s *Supervised) { s.AliveTagID = 0 },
		"long name":            func(s *Supervised) { s.Name = string(make([]byte, 61)) },
		"empty description":    func(s *Supervised) { s.Description = "" },
		"message delay":        func(s *Supervised) { s.MaxMessageDelay = 99 * time.Millisecond },
		"message size":         func(s *Supervised) { s.MaxMessageSize = 0 },
		"equipment parent":     func(s *Supervised) { s.Kind = KindEquipment },
	}
	for name, mutate := range cases {
		s := valid()
		mutate(s)
		if err := s.ValidateConfig(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
