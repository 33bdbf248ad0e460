package eventing

import (
	"context"
	"fmt"
	"time"

	alarmapp "scada-core/internal/alarms/application"
	alarms "scada-core/internal/alarms/domain"
	"scada-core/internal/cache"
	"scada-core/internal/logging"
	supervision "scada-core/internal/supervision/domain"
)

// Event types published by the bridge.
const (
	TypeSupervisionChanged   = "supervision.status_changed"
	TypeSupervisionConfirmed = "supervision.status_confirmed"
	TypeSupervisionFailed    = "supervision.persist_failed"
	TypeAlarmUpdated         = "alarm.updated"
)

// SupervisionEvent describes the status of a supervised entity.
type SupervisionEvent struct {
	ID          int64     `json:"id"`
	Kind        string    `json:"kind"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	Description string    `json:"description"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// AlarmUpdated describes an alarm after a state change.
type AlarmUpdated struct {
	AlarmID     int64     `json:"alarm_id"`
	TagID       int64     `json:"tag_id"`
	Fault       string    `json:"fault"`
	Active      bool      `json:"active"`
	Oscillating bool      `json:"oscillating"`
	Info        string    `json:"info,omitempty"`
	Change      string    `json:"change,omitempty"`
	SourceTime  time.Time `json:"source_time"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func (e SupervisionEvent) EventTime() time.Time { return e.OccurredAt }

func (e AlarmUpdated) EventTime() time.Time { return e.OccurredAt }

// Enqueuer accepts envelopes for delivery.
type Enqueuer interface {
	Enqueue(env Envelope) bool
}

// SupervisionListener publishes supervision status changes, confirmations
// and persistence failures.
func SupervisionListener(q Enqueuer) cache.Listener[*supervision.Supervised] {
	return func(ctx context.Context, evt cache.Event[*supervision.Supervised]) {
		var eventType string
		switch evt.Type {
		case cache.EventSupervisionChange:
			eventType = TypeSupervisionChanged
		case cache.EventConfirmStatus:
			eventType = TypeSupervisionConfirmed
		case cache.EventUpdateFailed:
			eventType = TypeSupervisionFailed
		default:
			return
		}
		s := evt.Value
		payload := SupervisionEvent{
			ID:          s.ID,
			Kind:        string(s.Kind),
			Name:        s.Name,
			Status:      string(s.Status),
			Description: s.StatusDescription,
			OccurredAt:  s.StatusTime,
		}
		if evt.Err != nil {
			payload.Error = evt.Err.Error()
		}
		publish(ctx, q, eventType, fmt.Sprintf("supervision/%d", s.ID), payload)
	}
}

// AlarmListener publishes every accepted alarm change, labelled with the
// notification it would raise.
func AlarmListener(q Enqueuer) cache.Listener[*alarms.Alarm] {
	return func(ctx context.Context, evt cache.Event[*alarms.Alarm]) {
		if evt.Type != cache.EventInserted && evt.Type != cache.EventUpdateAccepted {
			return
		}
		a := evt.Value
		change, _ := alarmapp.Classify(evt.Previous, evt.HadPrev, a)
		payload := AlarmUpdated{
			AlarmID:     a.ID,
			TagID:       a.TagID,
			Fault:       a.Label(),
			Active:      a.Active,
			Oscillating: a.Oscillating,
			Info:        a.Info,
			Change:      change,
			SourceTime:  a.SourceTimestamp,
			OccurredAt:  a.TriggerTimestamp,
		}
		publish(ctx, q, TypeAlarmUpdated, fmt.Sprintf("alarm/%d", a.ID), payload)
	}
}

func publish(ctx context.Context, q Enqueuer, eventType, source string, payload any) {
	meta := MetaFromContext(ctx)
	meta.Source = source
	env, err := BuildEnvelope(eventType, payload, meta)
	if err != nil {
		logger := logging.Ctx(ctx)
		logger.Warn().Err(err).Str("event_type", eventType).Msg("event not built")
		return
	}
	q.Enqueue(env)
}
