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

const defaultSupervisedTable = "supervised_entities"

const supervisedColumns = `id, kind, name, description, parent_id, status, status_time, status_description,
alive_tag_id, alive_interval_ms, state_tag_id, commfault_tag_id, current_host, startup_time, pik,
requires_reboot, local_config, max_message_size, max_message_delay_ms`

// SupervisedRepository persists processes, equipment and subequipment.
type SupervisedRepository struct {
	db    DBTX
	table string
}

// SupervisedOption configures the repository.
type SupervisedOption func(*SupervisedRepository)

// WithSupervisedTable overrides the default table name.
func WithSupervisedTable(table string) SupervisedOption {
	return func(repo *SupervisedRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewSupervisedRepository constructs a repository.
func NewSupervisedRepository(db DBTX, opts ...SupervisedOption) *SupervisedRepository {
	repo := &SupervisedRepository{db: db, table: defaultSupervisedTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Load reads one entity.
func (r *SupervisedRepository) Load(ctx context.Context, id int64) (*supervision.Supervised, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("supervised repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, supervisedColumns, r.table)
	entity, err := scanSupervised(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	return entity, err
}

// LoadAll reads every entity.
func (r *SupervisedRepository) LoadAll(ctx context.Context) ([]*supervision.Supervised, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("supervised repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`, supervisedColumns, r.table)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*supervision.Supervised
	for rows.Next() {
		entity, err := scanSupervised(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

// Count returns the number of rows.
func (r *SupervisedRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, r.table)).Scan(&count)
	return count, err
}

// Persist upserts an entity.
func (r *SupervisedRepository) Persist(ctx context.Context, s *supervision.Supervised) error {
	if r == nil || r.db == nil {
		return errors.New("supervised repo: nil db")
	}
	if s == nil {
		return errors.New("supervised repo: nil entity")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
ON CONFLICT (id) DO UPDATE SET
	kind = EXCLUDED.kind,
	name = EXCLUDED.name,
	description = EXCLUDED.description,
	parent_id = EXCLUDED.parent_id,
	status = EXCLUDED.status,
	status_time = EXCLUDED.status_time,
	status_description = EXCLUDED.status_description,
	alive_tag_id = EXCLUDED.alive_tag_id,
	alive_interval_ms = EXCLUDED.alive_interval_ms,
	state_tag_id = EXCLUDED.state_tag_id,
	commfault_tag_id = EXCLUDED.commfault_tag_id,
	current_host = EXCLUDED.current_host,
	startup_time = EXCLUDED.startup_time,
	pik = EXCLUDED.pik,
	requires_reboot = EXCLUDED.requires_reboot,
	local_config = EXCLUDED.local_config,
	max_message_size = EXCLUDED.max_message_size,
	max_message_delay_ms = EXCLUDED.max_message_delay_ms,
	updated_at = EXCLUDED.updated_at`, r.table, supervisedColumns)

	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		string(s.Kind),
		s.Name,
		s.Description,
		s.ParentID,
		string(s.Status),
		s.StatusTime.UTC(),
		s.StatusDescription,
		s.AliveTagID,
		s.AliveInterval.Milliseconds(),
		s.StateTagID,
		s.CommFaultTagID,
		s.CurrentHost,
		nullTime(s.StartupTime),
		s.PIK,
		s.RequiresReboot,
		s.LocalConfig,
		s.MaxMessageSize,
		s.MaxMessageDelay.Milliseconds(),
		time.Now().UTC(),
	)
	return err
}

// Delete removes an entity.
func (r *SupervisedRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.table), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSupervised(row rowScanner) (*supervision.Supervised, error) {
	var (
		s                supervision.Supervised
		kind, status     string
		aliveMs, delayMs int64
		startup          sql.NullTime
	)
	if err := row.Scan(
		&s.ID,
		&kind,
		&s.Name,
		&s.Description,
		&s.ParentID,
		&status,
		&s.StatusTime,
		&s.StatusDescription,
		&s.AliveTagID,
		&aliveMs,
		&s.StateTagID,
		&s.CommFaultTagID,
		&s.CurrentHost,
		&startup,
		&s.PIK,
		&s.RequiresReboot,
		&s.LocalConfig,
		&s.MaxMessageSize,
		&delayMs,
	); err != nil {
		return nil, err
	}
	var err error
	if s.Kind, err = supervision.ParseKind(kind); err != nil {
		return nil, err
	}
	if s.Status, err = supervision.ParseStatus(status); err != nil {
		return nil, err
	}
	s.StatusTime = s.StatusTime.UTC()
	s.StartupTime = fromNullTime(startup)
	s.AliveInterval = time.Duration(aliveMs) * time.Millisecond
	s.MaxMessageDelay = time.Duration(delayMs) * time.Millisecond
	return &s, nil
}
