// Package eventing publishes cache events to external consumers.
package eventing

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
)

const schemaVersion = 1

// Envelope is the wire form of every published event.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	Source        string          `json:"source,omitempty"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Timed is implemented by payloads that carry their own occurrence time.
type Timed interface {
	EventTime() time.Time
}

// Meta overrides envelope fields. Zero values are filled in by BuildEnvelope.
type Meta struct {
	EventID       string
	OccurredAt    time.Time
	CorrelationID string
	Source        string
}

// BuildEnvelope encodes event under eventType. OccurredAt falls back to the
// payload's own time, then to now; the correlation id falls back to the
// event id.
func BuildEnvelope(eventType string, event any, meta Meta) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, errors.New("eventing: empty event type")
	}
	if event == nil {
		return Envelope{}, errors.New("eventing: nil event")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		EventID:       meta.EventID,
		EventType:     eventType,
		OccurredAt:    meta.OccurredAt,
		CorrelationID: meta.CorrelationID,
		Source:        meta.Source,
		SchemaVersion: schemaVersion,
		Payload:       payload,
	}
	if env.EventID == "" {
		env.EventID = NewEventID()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.EventID
	}
	if env.OccurredAt.IsZero() {
		if timed, ok := event.(Timed); ok {
			env.OccurredAt = timed.EventTime()
		}
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now()
	}
	env.OccurredAt = env.OccurredAt.UTC()
	return env, nil
}
