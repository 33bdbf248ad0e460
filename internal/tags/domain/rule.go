package tags

import (
	"regexp"
	"slices"
	"strconv"
)

var inputRef = regexp.MustCompile(`#(\d+)`)

// ParseRuleInputs returns the distinct tag ids referenced as #<id> in a rule
// expression, in ascending order.
func ParseRuleInputs(text string) []int64 {
	matches := inputRef.FindAllStringSubmatch(text, -1)
	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// ParentSet accumulates parent ids during resolution.
type ParentSet struct {
	processes    map[int64]struct{}
	equipment    map[int64]struct{}
	subEquipment map[int64]struct{}
}

// NewParentSet constructs an empty set.
func NewParentSet() *ParentSet {
	return &ParentSet{
		processes:    make(map[int64]struct{}),
		equipment:    make(map[int64]struct{}),
		subEquipment: make(map[int64]struct{}),
	}
}

// AddTag adds the parents of a data or control tag.
func (p *ParentSet) AddTag(t *DataTag) {
	addID(p.processes, t.ProcessID)
	addID(p.equipment, t.EquipmentID)
	addID(p.subEquipment, t.SubEquipmentID)
}

// AddRule adds the resolved parents of a rule tag.
func (p *ParentSet) AddRule(r *RuleTag) {
	for _, id := range r.ProcessIDs {
		addID(p.processes, id)
	}
	for _, id := range r.EquipmentIDs {
		addID(p.equipment, id)
	}
	for _, id := range r.SubEquipmentIDs {
		addID(p.subEquipment, id)
	}
}

// ApplyTo stores the accumulated ids on r, sorted.
func (p *ParentSet) ApplyTo(r *RuleTag) {
	r.ProcessIDs = sortedIDs(p.processes)
	r.EquipmentIDs = sortedIDs(p.equipment)
	r.SubEquipmentIDs = sortedIDs(p.subEquipment)
}

func addID(set map[int64]struct{}, id int64) {
	if id > 0 {
		set[id] = struct{}{}
	}
}

func sortedIDs(set map[int64]struct{}) []int64 {
	if len(set) == 0 {
		return nil
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
