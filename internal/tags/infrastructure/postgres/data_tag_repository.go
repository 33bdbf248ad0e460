package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"scada-core/internal/cache"
	tags "scada-core/internal/tags/domain"
)

const (
	defaultDataTagTable    = "data_tags"
	defaultControlTagTable = "control_tags"
)

const dataTagColumns = `id, name, description, data_type, unit, process_id, equipment_id, sub_equipment_id,
value, source_ts, server_ts, quality, quality_description`

// DataTagRepository persists data tags, or control tags when built with
// NewControlTagRepository.
type DataTagRepository struct {
	db      DBTX
	table   string
	control bool
}

// DataTagOption configures the repository.
type DataTagOption func(*DataTagRepository)

// WithDataTagTable overrides the default table name.
func WithDataTagTable(table string) DataTagOption {
	return func(repo *DataTagRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewDataTagRepository constructs a repository for data tags.
func NewDataTagRepository(db DBTX, opts ...DataTagOption) *DataTagRepository {
	repo := &DataTagRepository{db: db, table: defaultDataTagTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// NewControlTagRepository constructs a repository for control tags.
func NewControlTagRepository(db DBTX, opts ...DataTagOption) *DataTagRepository {
	repo := &DataTagRepository{db: db, table: defaultControlTagTable, control: true}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Load reads one tag.
func (r *DataTagRepository) Load(ctx context.Context, id int64) (*tags.DataTag, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("data tag repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, dataTagColumns, r.table)
	tag, err := r.scan(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	return tag, err
}

// LoadAll reads every tag.
func (r *DataTagRepository) LoadAll(ctx context.Context) ([]*tags.DataTag, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("data tag repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`, dataTagColumns, r.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*tags.DataTag
	for rows.Next() {
		tag, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	return out, rows.Err()
}

// Count returns the number of rows.
func (r *DataTagRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, r.table)).Scan(&count)
	return count, err
}

// Persist upserts a tag. The value is stored as JSON.
func (r *DataTagRepository) Persist(ctx context.Context, t *tags.DataTag) error {
	if r == nil || r.db == nil {
		return errors.New("data tag repo: nil db")
	}
	if t == nil {
		return errors.New("data tag repo: nil tag")
	}
	value, err := json.Marshal(t.Value)
	if err != nil {
		return fmt.Errorf("data tag %d: encode value: %w", t.ID, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	description = EXCLUDED.description,
	data_type = EXCLUDED.data_type,
	unit = EXCLUDED.unit,
	process_id = EXCLUDED.process_id,
	equipment_id = EXCLUDED.equipment_id,
	sub_equipment_id = EXCLUDED.sub_equipment_id,
	value = EXCLUDED.value,
	source_ts = EXCLUDED.source_ts,
	server_ts = EXCLUDED.server_ts,
	quality = EXCLUDED.quality,
	quality_description = EXCLUDED.quality_description,
	updated_at = EXCLUDED.updated_at`, r.table, dataTagColumns)
	_, err = r.db.ExecContext(ctx, query,
		t.ID,
		t.Name,
		t.Description,
		t.DataType,
		t.Unit,
		t.ProcessID,
		t.EquipmentID,
		t.SubEquipmentID,
		value,
		nullTime(t.Timestamp),
		nullTime(t.ServerTimestamp),
		t.Quality,
		t.QualityDescription,
		time.Now().UTC(),
	)
	return err
}

// Delete removes a tag.
func (r *DataTagRepository) Delete(ctx context.Context, id int64) error {
	if r == nil || r.db == nil {
		return errors.New("data tag repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.table), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *DataTagRepository) scan(row rowScanner) (*tags.DataTag, error) {
	var (
		t        tags.DataTag
		value    []byte
		sourceTS sql.NullTime
		serverTS sql.NullTime
	)
	if err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Description,
		&t.DataType,
		&t.Unit,
		&t.ProcessID,
		&t.EquipmentID,
		&t.SubEquipmentID,
		&value,
		&sourceTS,
		&serverTS,
		&t.Quality,
		&t.QualityDescription,
	); err != nil {
		return nil, err
	}
	if len(value) > 0 {
		if err := json.Unmarshal(value, &t.Value); err != nil {
			return nil, fmt.Errorf("data tag %d: decode value: %w", t.ID, err)
		}
	}
	t.Control = r.control
	t.Timestamp = fromNullTime(sourceTS)
	t.ServerTimestamp = fromNullTime(serverTS)
	return &t, nil
}
