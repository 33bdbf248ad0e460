package supervision

import (
	"fmt"
	"time"
)

// Supervised is a process, equipment or subequipment whose status is driven by
// alive signals. Process-only fields are zero for other kinds.
type Supervised struct {
	ID                int64
	Kind              Kind
	Name              string
	Description       string
	ParentID          int64
	Status            Status
	StatusTime        time.Time
	StatusDescription string
	AliveTagID        int64
	AliveInterval     time.Duration
	StateTagID        int64
	CommFaultTagID    int64

	CurrentHost     string
	StartupTime     time.Time
	PIK             int64
	RequiresReboot  bool
	LocalConfig     bool
	MaxMessageSize  int
	MaxMessageDelay time.Duration
}

// NewSupervised builds an entity in its initial DOWN status.
func NewSupervised(id int64, kind Kind, name string, now time.Time) *Supervised {
	return &Supervised{
		ID:                id,
		Kind:              kind,
		Name:              name,
		Status:            StatusDown,
		StatusTime:        now.UTC(),
		StatusDescription: "created",
	}
}

func (s *Supervised) Key() int64 {
	return s.ID
}

func (s *Supervised) Clone() *Supervised {
	c := *s
	return &c
}

// IsRunning treats STARTUP as running: the process has connected and is
// expected to send its first heartbeat.
func (s *Supervised) IsRunning() bool {
	return s.Status == StatusRunning || s.Status == StatusStartup
}

// IsUncertain reports the late-heartbeat grace status.
func (s *Supervised) IsUncertain() bool {
	return s.Status == StatusUncertain
}

// SetStatus moves to status, stamping time and description. It returns
// whether the status actually changed.
func (s *Supervised) SetStatus(status Status, at time.Time, description string) (bool, error) {
	if !CanTransition(s.Status, status) {
		return false, fmt.Errorf("%w: %s %d %s -> %s", ErrIllegalTransition, s.Kind, s.ID, s.Status, status)
	}
	changed := s.Status != status
	s.Status = status
	s.StatusTime = at.UTC()
	s.StatusDescription = description
	return changed, nil
}

// ClearRuntime resets the fields describing a running process instance.
func (s *Supervised) ClearRuntime() {
	s.CurrentHost = ""
	s.StartupTime = time.Time{}
	s.PIK = 0
	s.RequiresReboot = false
	s.LocalConfig = false
}
