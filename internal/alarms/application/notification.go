package application

import (
	"context"

	alarms "scada-core/internal/alarms/domain"
	"scada-core/internal/cache"
)

// Notification event types.
const (
	EventActivated   = "activated"
	EventTerminated  = "terminated"
	EventOscillating = "oscillating"
)

// AlarmNotifier publishes alarm lifecycle events.
type AlarmNotifier interface {
	Notify(ctx context.Context, event AlarmEvent)
}

// AlarmEvent represents a lifecycle update.
type AlarmEvent struct {
	Type  string       `json:"type"`
	Alarm alarms.Alarm `json:"alarm"`
}

// Classify maps a stored alarm change to a notification. Flapping of an
// oscillating alarm yields nothing since it stays active.
func Classify(previous *alarms.Alarm, hadPrevious bool, current *alarms.Alarm) (string, bool) {
	if current == nil {
		return "", false
	}
	if !hadPrevious || previous == nil {
		if current.Active {
			return EventActivated, true
		}
		return "", false
	}
	if !previous.Oscillating && current.Oscillating {
		return EventOscillating, true
	}
	if previous.Active == current.Active {
		return "", false
	}
	if current.Active {
		return EventActivated, true
	}
	return EventTerminated, true
}

// NotificationListener returns a cache listener forwarding classified
// changes to notifier. notifier must not block.
func NotificationListener(notifier AlarmNotifier) cache.Listener[*alarms.Alarm] {
	return func(ctx context.Context, evt cache.Event[*alarms.Alarm]) {
		kind, ok := Classify(evt.Previous, evt.HadPrev, evt.Value)
		if !ok {
			return
		}
		notifier.Notify(ctx, AlarmEvent{Type: kind, Alarm: *evt.Value.Clone()})
	}
}
