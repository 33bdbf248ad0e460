package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	alarms "scada-core/internal/alarms/domain"
	"scada-core/internal/cache"
)

const defaultAlarmTable = "alarms"

const alarmColumns = `id, tag_id, fault_family, fault_member, fault_code, operator, threshold,
active, internal_active, oscillating, fifo_source_timestamps, info, source_ts, trigger_ts`

// AlarmRepository persists alarms and their oscillation state.
type AlarmRepository struct {
	db    DBTX
	table string
}

// AlarmOption configures the repository.
type AlarmOption func(*AlarmRepository)

// WithAlarmTable overrides the default table name.
func WithAlarmTable(table string) AlarmOption {
	return func(repo *AlarmRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewAlarmRepository constructs a repository.
func NewAlarmRepository(db DBTX, opts ...AlarmOption) *AlarmRepository {
	repo := &AlarmRepository{db: db, table: defaultAlarmTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Load reads one alarm.
func (r *AlarmRepository) Load(ctx context.Context, id int64) (*alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, alarmColumns, r.table)
	alarm, err := scanAlarm(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	return alarm, err
}

// LoadAll reads every alarm.
func (r *AlarmRepository) LoadAll(ctx context.Context) ([]*alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`, alarmColumns, r.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*alarms.Alarm
	for rows.Next() {
		alarm, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alarm)
	}
	return out, rows.Err()
}

// ListOscillating returns the ids of alarms stored as oscillating.
func (r *AlarmRepository) ListOscillating(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE oscillating ORDER BY id`, r.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of rows.
func (r *AlarmRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, r.table)).Scan(&count)
	return count, err
}

// Persist upserts an alarm.
func (r *AlarmRepository) Persist(ctx context.Context, a *alarms.Alarm) error {
	if r == nil || r.db == nil {
		return errors.New("alarm repo: nil db")
	}
	if a == nil {
		return errors.New("alarm repo: nil alarm")
	}
	fifo, err := json.Marshal(a.FifoSourceTimestamps)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE SET
	tag_id = EXCLUDED.tag_id,
	fault_family = EXCLUDED.fault_family,
	fault_member = EXCLUDED.fault_member,
	fault_code = EXCLUDED.fault_code,
	operator = EXCLUDED.operator,
	threshold = EXCLUDED.threshold,
	active = EXCLUDED.active,
	internal_active = EXCLUDED.internal_active,
	oscillating = EXCLUDED.oscillating,
	fifo_source_timestamps = EXCLUDED.fifo_source_timestamps,
	info = EXCLUDED.info,
	source_ts = EXCLUDED.source_ts,
	trigger_ts = EXCLUDED.trigger_ts,
	updated_at = EXCLUDED.updated_at`, r.table, alarmColumns)
	_, err = r.db.ExecContext(ctx, query,
		a.ID,
		a.TagID,
		a.FaultFamily,
		a.FaultMember,
		a.FaultCode,
		string(a.Condition.Operator),
		a.Condition.Threshold,
		a.Active,
		a.InternalActive,
		a.Oscillating,
		fifo,
		a.Info,
		nullTime(a.SourceTimestamp),
		nullTime(a.TriggerTimestamp),
		time.Now().UTC(),
	)
	return err
}

// Delete removes an alarm.
func (r *AlarmRepository) Delete(ctx context.Context, id int64) error {
	if r == nil || r.db == nil {
		return errors.New("alarm repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.table), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlarm(row rowScanner) (*alarms.Alarm, error) {
	var (
		a        alarms.Alarm
		operator string
		fifo     []byte
		sourceTS sql.NullTime
		trigger  sql.NullTime
	)
	if err := row.Scan(
		&a.ID,
		&a.TagID,
		&a.FaultFamily,
		&a.FaultMember,
		&a.FaultCode,
		&operator,
		&a.Condition.Threshold,
		&a.Active,
		&a.InternalActive,
		&a.Oscillating,
		&fifo,
		&a.Info,
		&sourceTS,
		&trigger,
	); err != nil {
		return nil, err
	}
	a.Condition.Operator = alarms.Operator(operator)
	if len(fifo) > 0 {
		if err := json.Unmarshal(fifo, &a.FifoSourceTimestamps); err != nil {
			return nil, fmt.Errorf("alarm %d: decode fifo: %w", a.ID, err)
		}
	}
	a.SourceTimestamp = fromNullTime(sourceTS)
	a.TriggerTimestamp = fromNullTime(trigger)
	return &a, nil
}
