// Package configuration applies YAML configuration documents to the
// supervision, tag and alarm caches as one all-or-nothing change.
package configuration

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	alarms "scada-core/internal/alarms/domain"
	supervision "scada-core/internal/supervision/domain"
	tags "scada-core/internal/tags/domain"
)

// Action is what an element does to its cache object.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionRemove Action = "remove"
)

// Document lists the elements of one configuration change. Update elements
// carry the complete new configuration of the object.
type Document struct {
	Name         string              `yaml:"name"`
	Processes    []SupervisedElement `yaml:"processes"`
	Equipment    []SupervisedElement `yaml:"equipment"`
	SubEquipment []SupervisedElement `yaml:"subequipment"`
	ControlTags  []TagElement        `yaml:"control_tags"`
	DataTags     []TagElement        `yaml:"data_tags"`
	RuleTags     []RuleElement       `yaml:"rule_tags"`
	Alarms       []AlarmElement      `yaml:"alarms"`
}

// SupervisedElement configures a process, equipment or subequipment.
type SupervisedElement struct {
	Action          Action        `yaml:"action"`
	ID              int64         `yaml:"id"`
	Name            string        `yaml:"name"`
	Description     string        `yaml:"description"`
	ParentID        int64         `yaml:"parent_id"`
	AliveTagID      int64         `yaml:"alive_tag_id"`
	AliveInterval   time.Duration `yaml:"alive_interval"`
	StateTagID      int64         `yaml:"state_tag_id"`
	CommFaultTagID  int64         `yaml:"commfault_tag_id"`
	MaxMessageSize  int           `yaml:"max_message_size"`
	MaxMessageDelay time.Duration `yaml:"max_message_delay"`
}

// TagElement configures a data or control tag.
type TagElement struct {
	Action         Action `yaml:"action"`
	ID             int64  `yaml:"id"`
	Name           string `yaml:"name"`
	Description    string `yaml:"description"`
	DataType       string `yaml:"data_type"`
	Unit           string `yaml:"unit"`
	ProcessID      int64  `yaml:"process_id"`
	EquipmentID    int64  `yaml:"equipment_id"`
	SubEquipmentID int64  `yaml:"sub_equipment_id"`
}

// RuleElement configures a rule tag.
type RuleElement struct {
	Action      Action `yaml:"action"`
	ID          int64  `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	DataType    string `yaml:"data_type"`
	RuleText    string `yaml:"rule_text"`
}

// AlarmElement configures an alarm.
type AlarmElement struct {
	Action      Action           `yaml:"action"`
	ID          int64            `yaml:"id"`
	TagID       int64            `yaml:"tag_id"`
	FaultFamily string           `yaml:"fault_family"`
	FaultMember string           `yaml:"fault_member"`
	FaultCode   int              `yaml:"fault_code"`
	Condition   alarms.Condition `yaml:"condition"`
}

// Decode reads a document.
func Decode(r io.Reader) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("configuration: decode: %w", err)
	}
	return &doc, nil
}

// Size returns the number of elements.
func (d *Document) Size() int {
	return len(d.Processes) + len(d.Equipment) + len(d.SubEquipment) +
		len(d.ControlTags) + len(d.DataTags) + len(d.RuleTags) + len(d.Alarms)
}

func (a Action) valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionRemove:
		return true
	default:
		return false
	}
}

func (e SupervisedElement) entity(kind supervision.Kind) *supervision.Supervised {
	return &supervision.Supervised{
		ID:              e.ID,
		Kind:            kind,
		Name:            e.Name,
		Description:     e.Description,
		ParentID:        e.ParentID,
		AliveTagID:      e.AliveTagID,
		AliveInterval:   e.AliveInterval,
		StateTagID:      e.StateTagID,
		CommFaultTagID:  e.CommFaultTagID,
		MaxMessageSize:  e.MaxMessageSize,
		MaxMessageDelay: e.MaxMessageDelay,
	}
}

func (e TagElement) tag(control bool) *tags.DataTag {
	return &tags.DataTag{
		ID:             e.ID,
		Name:           e.Name,
		Description:    e.Description,
		DataType:       e.DataType,
		Unit:           e.Unit,
		Control:        control,
		ProcessID:      e.ProcessID,
		EquipmentID:    e.EquipmentID,
		SubEquipmentID: e.SubEquipmentID,
	}
}

func (e RuleElement) rule() *tags.RuleTag {
	return &tags.RuleTag{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		DataType:    e.DataType,
		RuleText:    e.RuleText,
	}
}

func (e AlarmElement) alarm() *alarms.Alarm {
	return &alarms.Alarm{
		ID:          e.ID,
		TagID:       e.TagID,
		FaultFamily: e.FaultFamily,
		FaultMember: e.FaultMember,
		FaultCode:   e.FaultCode,
		Condition:   e.Condition,
	}
}
