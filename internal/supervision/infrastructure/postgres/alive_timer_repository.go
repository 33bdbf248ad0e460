package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"scada-core/internal/cache"
	supervision "scada-core/internal/supervision/domain"
)

const defaultAliveTimerTable = "alive_timers"

// AliveTimerRepository persists alive timers.
type AliveTimerRepository struct {
	db    DBTX
	table string
}

// NewAliveTimerRepository constructs a repository.
func NewAliveTimerRepository(db DBTX) *AliveTimerRepository {
	return &AliveTimerRepository{db: db, table: defaultAliveTimerTable}
}

// Load reads one timer.
func (r *AliveTimerRepository) Load(ctx context.Context, id int64) (*supervision.AliveTimer, error) {
	query := fmt.Sprintf(`SELECT id, related_id, related_kind, interval_ms, last_update, active FROM %s WHERE id = $1`, r.table)
	timer, err := scanAliveTimer(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	return timer, err
}

// LoadAll reads every timer.
func (r *AliveTimerRepository) LoadAll(ctx context.Context) ([]*supervision.AliveTimer, error) {
	query := fmt.Sprintf(`SELECT id, related_id, related_kind, interval_ms, last_update, active FROM %s ORDER BY id`, r.table)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*supervision.AliveTimer
	for rows.Next() {
		timer, err := scanAliveTimer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, timer)
	}
	return out, rows.Err()
}

// Count returns the number of rows.
func (r *AliveTimerRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, r.table)).Scan(&count)
	return count, err
}

// Persist upserts a timer.
func (r *AliveTimerRepository) Persist(ctx context.Context, t *supervision.AliveTimer) error {
	if t == nil {
		return errors.New("alive timer repo: nil timer")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, related_id, related_kind, interval_ms, last_update, active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	related_id = EXCLUDED.related_id,
	related_kind = EXCLUDED.related_kind,
	interval_ms = EXCLUDED.interval_ms,
	last_update = EXCLUDED.last_update,
	active = EXCLUDED.active`, r.table)
	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.RelatedID, string(t.RelatedKind), t.Interval.Milliseconds(), nullTime(t.LastUpdate), t.Active)
	return err
}

// Delete removes a timer.
func (r *AliveTimerRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.table), id)
	return err
}

func scanAliveTimer(row rowScanner) (*supervision.AliveTimer, error) {
	var (
		t          supervision.AliveTimer
		kind       string
		intervalMs int64
		last       sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.RelatedID, &kind, &intervalMs, &last, &t.Active); err != nil {
		return nil, err
	}
	t.RelatedKind = supervision.Kind(kind)
	t.Interval = time.Duration(intervalMs) * time.Millisecond
	t.LastUpdate = fromNullTime(last)
	return &t, nil
}
