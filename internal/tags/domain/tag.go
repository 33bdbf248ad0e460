package tags

import (
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
)

// Quality codes of a tag value.
const (
	QualityOK            = "OK"
	QualityUninitialised = "UNINITIALISED"
	QualityInaccessible  = "INACCESSIBLE"
	QualityInvalid       = "INVALID"
)

// DataTag is a value acquired by a DAQ process for one piece of equipment.
// Control tags (alive, state, commfault) share this shape with Control set.
type DataTag struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	DataType           string    `json:"data_type"`
	Unit               string    `json:"unit,omitempty"`
	Control            bool      `json:"control"`
	ProcessID          int64     `json:"process_id"`
	EquipmentID        int64     `json:"equipment_id,omitempty"`
	SubEquipmentID     int64     `json:"sub_equipment_id,omitempty"`
	Value              any       `json:"value,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
	ServerTimestamp    time.Time `json:"server_timestamp"`
	Quality            string    `json:"quality"`
	QualityDescription string    `json:"quality_description,omitempty"`
}

// ControlTag is a DataTag with Control set.
type ControlTag = DataTag

// Key implements cache.Entity.
func (t *DataTag) Key() int64 {
	return t.ID
}

// Clone implements cache.Entity. Values are scalars and copied as is.
func (t *DataTag) Clone() *DataTag {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

// Valid reports whether the current value may be used.
func (t *DataTag) Valid() bool {
	return t.Quality == QualityOK
}

// RuleTag is a value derived from other tags. ProcessIDs, EquipmentIDs and
// SubEquipmentIDs hold the physical sources it transitively depends on.
type RuleTag struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	DataType        string    `json:"data_type"`
	RuleText        string    `json:"rule_text"`
	InputTagIDs     []int64   `json:"input_tag_ids"`
	ProcessIDs      []int64   `json:"process_ids"`
	EquipmentIDs    []int64   `json:"equipment_ids"`
	SubEquipmentIDs []int64   `json:"sub_equipment_ids"`
	Value           any       `json:"value,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Quality         string    `json:"quality"`
}

// Key implements cache.Entity.
func (r *RuleTag) Key() int64 {
	return r.ID
}

// Clone implements cache.Entity.
func (r *RuleTag) Clone() *RuleTag {
	if r == nil {
		return nil
	}
	out := *r
	out.InputTagIDs = slices.Clone(r.InputTagIDs)
	out.ProcessIDs = slices.Clone(r.ProcessIDs)
	out.EquipmentIDs = slices.Clone(r.EquipmentIDs)
	out.SubEquipmentIDs = slices.Clone(r.SubEquipmentIDs)
	return &out
}

// Resolved reports whether the parent ids were already computed.
func (r *RuleTag) Resolved() bool {
	return len(r.ProcessIDs) > 0 || len(r.EquipmentIDs) > 0 || len(r.SubEquipmentIDs) > 0
}

// ClearParents forgets the resolved parent ids.
func (r *RuleTag) ClearParents() {
	r.ProcessIDs = nil
	r.EquipmentIDs = nil
	r.SubEquipmentIDs = nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type tagRules struct {
	Name     string `validate:"required,max=255"`
	DataType string `validate:"required,oneof=Float Double Integer Long Boolean String"`
}

// ValidateConfig checks the configuration fields of a data or control tag.
func (t *DataTag) ValidateConfig() error {
	if t.ID <= 0 {
		return fmt.Errorf("tag: invalid id %d", t.ID)
	}
	if err := validate.Struct(tagRules{Name: t.Name, DataType: t.DataType}); err != nil {
		return fmt.Errorf("tag %d: %w", t.ID, err)
	}
	if !t.Control && t.ProcessID <= 0 {
		return fmt.Errorf("tag %d: process id required", t.ID)
	}
	return nil
}

// ValidateConfig checks the configuration of a rule tag and that its input
// list matches the rule text.
func (r *RuleTag) ValidateConfig() error {
	if r.ID <= 0 {
		return fmt.Errorf("rule tag: invalid id %d", r.ID)
	}
	if err := validate.Struct(tagRules{Name: r.Name, DataType: r.DataType}); err != nil {
		return fmt.Errorf("rule tag %d: %w", r.ID, err)
	}
	inputs := ParseRuleInputs(r.RuleText)
	if len(inputs) == 0 {
		return fmt.Errorf("rule tag %d: rule references no tags", r.ID)
	}
	if slices.Contains(inputs, r.ID) {
		return fmt.Errorf("rule tag %d: rule references itself", r.ID)
	}
	return nil
}
