package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"scada-core/internal/eventing"
)

const defaultDeadLetterTable = "event_dead_letters"

// DeadLetter is an envelope that could not be delivered.
type DeadLetter struct {
	ID        string
	Envelope  eventing.Envelope
	Error     string
	CreatedAt time.Time
}

// DeadLetterStore keeps undeliverable envelopes in Postgres.
type DeadLetterStore struct {
	db    *sql.DB
	table string
}

// DeadLetterOption configures the store.
type DeadLetterOption func(*DeadLetterStore)

// WithDeadLetterTable overrides the table name.
func WithDeadLetterTable(table string) DeadLetterOption {
	return func(store *DeadLetterStore) {
		if table != "" {
			store.table = table
		}
	}
}

// NewDeadLetterStore constructs a dead letter store.
func NewDeadLetterStore(db *sql.DB, opts ...DeadLetterOption) *DeadLetterStore {
	store := &DeadLetterStore{db: db, table: defaultDeadLetterTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// RecordFailure stores env with the delivery error.
func (s *DeadLetterStore) RecordFailure(ctx context.Context, env eventing.Envelope, cause error) error {
	if s == nil || s.db == nil {
		return errors.New("dead letter store: nil db")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	event_id,
	event_type,
	payload,
	error,
	created_at
) VALUES (
	$1, $2, $3, $4, $5, $6
)
ON CONFLICT (id)
DO NOTHING`, s.table)

	_, err = s.db.ExecContext(ctx, query, eventing.NewEventID(), env.EventID, env.EventType, payload, message, time.Now().UTC())
	return err
}

// ListRecent returns the newest dead letters first.
func (s *DeadLetterStore) ListRecent(ctx context.Context, limit int) ([]DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("dead letter store: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT id, payload, error, created_at
FROM %s
ORDER BY created_at DESC
LIMIT $1`, s.table)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []DeadLetter
	for rows.Next() {
		var letter DeadLetter
		var payload []byte
		if err := rows.Scan(&letter.ID, &payload, &letter.Error, &letter.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &letter.Envelope); err != nil {
			return nil, err
		}
		result = append(result, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes a dead letter, typically after it was replayed.
func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("dead letter store: nil db")
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id)
	return err
}
