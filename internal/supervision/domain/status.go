package supervision

import (
	"fmt"
	"strings"
)

// Status is the supervision status of a process, equipment or subequipment.
type Status string

const (
	StatusStartup   Status = "STARTUP"
	StatusRunning   Status = "RUNNING"
	StatusDown      Status = "DOWN"
	StatusStopped   Status = "STOPPED"
	StatusUncertain Status = "UNCERTAIN"
)

var transitions = map[Status][]Status{
	StatusStartup:   {StatusRunning, StatusDown, StatusStopped, StatusUncertain},
	StatusRunning:   {StatusStartup, StatusDown, StatusStopped, StatusUncertain},
	StatusUncertain: {StatusStartup, StatusRunning, StatusDown, StatusStopped},
	StatusDown:      {StatusStartup, StatusRunning, StatusStopped},
	StatusStopped:   {StatusStartup, StatusDown},
}

// ParseStatus parses a status name.
func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := transitions[status]; !ok {
		return "", fmt.Errorf("supervision: unknown status %q", value)
	}
	return status, nil
}

// CanTransition reports whether from -> to is allowed. Staying put is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Kind identifies the supervised entity type.
type Kind string

const (
	KindProcess      Kind = "PROCESS"
	KindEquipment    Kind = "EQUIPMENT"
	KindSubEquipment Kind = "SUBEQUIPMENT"
)

// ParseKind parses a kind name.
func ParseKind(value string) (Kind, error) {
	switch kind := Kind(strings.ToUpper(strings.TrimSpace(value))); kind {
	case KindProcess, KindEquipment, KindSubEquipment:
		return kind, nil
	default:
		return "", fmt.Errorf("supervision: unknown kind %q", value)
	}
}
