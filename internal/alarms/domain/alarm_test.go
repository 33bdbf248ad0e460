package alarms

import (
	"errors"
	"testing"
	"time"
)

func TestConditionEvaluate(t *testing.T) {
	cases := []struct {
		name  string
		cond  Condition
		value any
		want  bool
	}{
		{name: "greater", cond: Condition{Operator: OperatorGreater, Threshold: 10}, value: 10.5, want: true},
		{name: "greater boundary", cond: Condition{Operator: OperatorGreater, Threshold: 10}, value: 10.0, want: false},
		{name: "greater or equal", cond: Condition{Operator: OperatorGreaterOrEqual, Threshold: 10}, value: int64(10), want: true},
		{name: "less", cond: Condition{Operator: OperatorLess, Threshold: 0}, value: -1, want: true},
		{name: "less or equal", cond: Condition{Operator: OperatorLessOrEqual, Threshold: 3}, value: float32(4), want: false},
		{name: "bool true", cond: Condition{Operator: OperatorEqual, Threshold: 1}, value: true, want: true},
		{name: "bool false", cond: Condition{Operator: OperatorEqual, Threshold: 1}, value: false, want: false},
		{name: "not equal", cond: Condition{Operator: OperatorNotEqual, Threshold: 2}, value: "3", want: true},
		{name: "string bool", cond: Condition{Operator: OperatorEqual, Threshold: 0}, value: "FALSE", want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.cond.Evaluate(tc.value)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestConditionEvaluateErrors(t *testing.T) {
	if _, err := (Condition{Operator: "~", Threshold: 1}).Evaluate(1.0); !errors.Is(err, ErrInvalidOperator) {
		t.Fatalf("expected ErrInvalidOperator, got %v", err)
	}
	if _, err := (Condition{Operator: OperatorEqual}).Evaluate(struct{}{}); !errors.Is(err, ErrUnsupportedValue) {
		t.Fatalf("expected ErrUnsupportedValue, got %v", err)
	}
	if _, err := (Condition{Operator: OperatorEqual}).Evaluate("n/a"); !errors.Is(err, ErrUnsupportedValue) {
		t.Fatalf("expected ErrUnsupportedValue, got %v", err)
	}
}

func TestAlarmCloneCopiesFifo(t *testing.T) {
	now := time.Now()
	a := &Alarm{ID: 1, FifoSourceTimestamps: []time.Time{now}}
	c := a.Clone()
	c.FifoSourceTimestamps[0] = now.Add(time.Hour)
	if !a.FifoSourceTimestamps[0].Equal(now) {
		t.Fatalf("clone shares fifo backing array")
	}
}

func TestAlarmValidateConfig(t *testing.T) {
	valid := Alarm{ID: 1, TagID: 5, FaultFamily: "PUMP", FaultMember: "P1", FaultCode: 0, Condition: Condition{Operator: OperatorGreater, Threshold: 1}}
	if err := valid.ValidateConfig(); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}

	long := make([]byte, 65)
	for i := range long {
		long[i] = 'x'
	}
	cases := map[string]func(a *Alarm){
		"zero id":          func(a *Alarm) { a.ID = 0 },
		"missing tag":      func(a *Alarm) { a.TagID = 0 },
		"empty family":     func(a *Alarm) { a.FaultFamily = "" },
		"long member":      func(a *Alarm) { a.FaultMember = string(long) },
		"negative code":    func(a *Alarm) { a.FaultCode = -1 },
		"missing operator": func(a *Alarm) { a.Condition.Operator = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			a := valid
			mutate(&a)
			if err := a.ValidateConfig(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestOscillationParamsEnabled(t *testing.T) {
	if (OscillationParams{}).Enabled() {
		t.Fatalf("zero params must be disabled")
	}
	if (OscillationParams{Numbers: 1, TimeRange: time.Second}).Enabled() {
		t.Fatalf("a single sample cannot oscillate")
	}
	if !(OscillationParams{Numbers: 3, TimeRange: 50 * time.Second}).Enabled() {
		t.Fatalf("expected enabled")
	}
}
