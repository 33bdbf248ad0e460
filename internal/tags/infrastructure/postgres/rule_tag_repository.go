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

const defaultRuleTagTable = "rule_tags"

const ruleTagColumns = `id, name, description, data_type, rule_text, input_tag_ids, process_ids,
equipment_ids, sub_equipment_ids, value, source_ts, quality`

// RuleTagRepository persists rule tags with their resolved parent ids.
type RuleTagRepository struct {
	db    DBTX
	table string
}

// RuleTagOption configures the repository.
type RuleTagOption func(*RuleTagRepository)

// WithRuleTagTable overrides the default table name.
func WithRuleTagTable(table string) RuleTagOption {
	return func(repo *RuleTagRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewRuleTagRepository constructs a repository.
func NewRuleTagRepository(db DBTX, opts ...RuleTagOption) *RuleTagRepository {
	repo := &RuleTagRepository{db: db, table: defaultRuleTagTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Load reads one rule tag.
func (r *RuleTagRepository) Load(ctx context.Context, id int64) (*tags.RuleTag, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rule tag repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, ruleTagColumns, r.table)
	rule, err := scanRuleTag(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	return rule, err
}

// LoadAll reads every rule tag.
func (r *RuleTagRepository) LoadAll(ctx context.Context) ([]*tags.RuleTag, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rule tag repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`, ruleTagColumns, r.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*tags.RuleTag
	for rows.Next() {
		rule, err := scanRuleTag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// Count returns the number of rows.
func (r *RuleTagRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, r.table)).Scan(&count)
	return count, err
}

// Persist upserts a rule tag. Id lists are stored as JSON arrays.
func (r *RuleTagRepository) Persist(ctx context.Context, t *tags.RuleTag) error {
	if r == nil || r.db == nil {
		return errors.New("rule tag repo: nil db")
	}
	if t == nil {
		return errors.New("rule tag repo: nil rule tag")
	}
	encoded := make([][]byte, 0, 5)
	for _, v := range []any{t.InputTagIDs, ids(t.ProcessIDs), ids(t.EquipmentIDs), ids(t.SubEquipmentIDs), t.Value} {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("rule tag %d: encode: %w", t.ID, err)
		}
		encoded = append(encoded, b)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	description = EXCLUDED.description,
	data_type = EXCLUDED.data_type,
	rule_text = EXCLUDED.rule_text,
	input_tag_ids = EXCLUDED.input_tag_ids,
	process_ids = EXCLUDED.process_ids,
	equipment_ids = EXCLUDED.equipment_ids,
	sub_equipment_ids = EXCLUDED.sub_equipment_ids,
	value = EXCLUDED.value,
	source_ts = EXCLUDED.source_ts,
	quality = EXCLUDED.quality,
	updated_at = EXCLUDED.updated_at`, r.table, ruleTagColumns)
	_, err := r.db.ExecContext(ctx, query,
		t.ID,
		t.Name,
		t.Description,
		t.DataType,
		t.RuleText,
		encoded[0],
		encoded[1],
		encoded[2],
		encoded[3],
		encoded[4],
		nullTime(t.Timestamp),
		t.Quality,
		time.Now().UTC(),
	)
	return err
}

// Delete removes a rule tag.
func (r *RuleTagRepository) Delete(ctx context.Context, id int64) error {
	if r == nil || r.db == nil {
		return errors.New("rule tag repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.table), id)
	return err
}

// ids keeps empty id lists as [] rather than null.
func ids(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}

func scanRuleTag(row rowScanner) (*tags.RuleTag, error) {
	var (
		t                                    tags.RuleTag
		inputs, processes, equipment, subEqs []byte
		value                                []byte
		sourceTS                             sql.NullTime
	)
	if err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Description,
		&t.DataType,
		&t.RuleText,
		&inputs,
		&processes,
		&equipment,
		&subEqs,
		&value,
		&sourceTS,
		&t.Quality,
	); err != nil {
		return nil, err
	}
	targets := []struct {
		raw []byte
		dst any
	}{
		{inputs, &t.InputTagIDs},
		{processes, &t.ProcessIDs},
		{equipment, &t.EquipmentIDs},
		{subEqs, &t.SubEquipmentIDs},
		{value, &t.Value},
	}
	for _, target := range targets {
		if len(target.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(target.raw, target.dst); err != nil {
			return nil, fmt.Errorf("rule tag %d: decode: %w", t.ID, err)
		}
	}
	for _, list := range []*[]int64{&t.ProcessIDs, &t.EquipmentIDs, &t.SubEquipmentIDs} {
		if len(*list) == 0 {
			*list = nil
		}
	}
	t.Timestamp = fromNullTime(sourceTS)
	return &t, nil
}
