package alarms

import (
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// InfoOscillating marks an alarm held active by oscillation.
	InfoOscillating = "[OSC]"
	// InfoTerminated marks an alarm whose oscillation was cleared by the checker.
	InfoTerminated = "[T]"
)

// Alarm is a condition watched on a single tag.
//
// FifoSourceTimestamps holds the source timestamps of the latest state
// changes, newest first. While Oscillating is set, Active stays true
// whatever InternalActive says.
type Alarm struct {
	ID                   int64       `json:"id"`
	TagID                int64       `json:"tag_id"`
	FaultFamily          string      `json:"fault_family"`
	FaultMember          string      `json:"fault_member"`
	FaultCode            int         `json:"fault_code"`
	Condition            Condition   `json:"condition"`
	Active               bool        `json:"active"`
	InternalActive       bool        `json:"internal_active"`
	Oscillating          bool        `json:"oscillating"`
	FifoSourceTimestamps []time.Time `json:"fifo_source_timestamps,omitempty"`
	Info                 string      `json:"info,omitempty"`
	SourceTimestamp      time.Time   `json:"source_timestamp"`
	TriggerTimestamp     time.Time   `json:"trigger_timestamp"`
}

// Key implements cache.Entity.
func (a *Alarm) Key() int64 {
	return a.ID
}

// Clone implements cache.Entity.
func (a *Alarm) Clone() *Alarm {
	if a == nil {
		return nil
	}
	out := *a
	out.FifoSourceTimestamps = slices.Clone(a.FifoSourceTimestamps)
	return &out
}

// Label renders the fault triplet.
func (a *Alarm) Label() string {
	return fmt.Sprintf("%s:%s:%d", a.FaultFamily, a.FaultMember, a.FaultCode)
}

// ResetOscillation empties the oscillation window.
func (a *Alarm) ResetOscillation() {
	a.FifoSourceTimestamps = nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type alarmRules struct {
	TagID       int64  `validate:"required"`
	FaultFamily string `validate:"required,min=1,max=64"`
	FaultMember string `validate:"required,min=1,max=64"`
	FaultCode   int    `validate:"gte=0"`
	Operator    string `validate:"required,oneof=> >= < <= == !="`
}

// ValidateConfig checks the configuration fields of an alarm.
func (a *Alarm) ValidateConfig() error {
	if a.ID <= 0 {
		return fmt.Errorf("alarm: invalid id %d", a.ID)
	}
	if err := validate.Struct(alarmRules{
		TagID:       a.TagID,
		FaultFamily: a.FaultFamily,
		FaultMember: a.FaultMember,
		FaultCode:   a.FaultCode,
		Operator:    string(a.Condition.Operator),
	}); err != nil {
		return fmt.Errorf("alarm %d: %w", a.ID, err)
	}
	return nil
}

// OscillationParams tunes oscillation detection. Numbers samples whose
// newest and oldest source timestamps lie closer than TimeRange mark the
// alarm oscillating; QuietTime must pass without a change before the flag
// may be cleared.
type OscillationParams struct {
	Numbers   int           `json:"numbers" yaml:"numbers"`
	TimeRange time.Duration `json:"time_range" yaml:"time_range"`
	QuietTime time.Duration `json:"quiet_time" yaml:"quiet_time"`
}

// Enabled reports whether the parameters can classify oscillation at all.
// Disabled parameters mean no suppression.
func (p OscillationParams) Enabled() bool {
	return p.Numbers > 1 && p.TimeRange > 0
}
