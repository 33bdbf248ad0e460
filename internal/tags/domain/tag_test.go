package tags

import (
	"slices"
	"testing"
)

func TestParseRuleInputs(t *testing.T) {
	cases := map[string][]int64{
		"(#100 > 3) | (#20 = true) [2], true [1]": {20, 100},
		"#5 + #5 + #3":                            {3, 5},
		"no references":                           {},
		"#0 + #abc":                               {},
	}
	for text, want := range cases {
		got := ParseRuleInputs(text)
		if !slices.Equal(got, want) {
			t.Fatalf("%q: expected %v, got %v", text, want, got)
		}
	}
}

func TestParentSetUnion(t *testing.T) {
	set := NewParentSet()
	set.AddTag(&DataTag{ProcessID: 2, EquipmentID: 20})
	set.AddTag(&DataTag{ProcessID: 1, EquipmentID: 10, SubEquipmentID: 100})
	set.AddRule(&RuleTag{ProcessIDs: []int64{2, 3}, EquipmentIDs: []int64{30}})

	rule := &RuleTag{}
	set.ApplyTo(rule)
	if !slices.Equal(rule.ProcessIDs, []int64{1, 2, 3}) {
		t.Fatalf("unexpected processes %v", rule.ProcessIDs)
	}
	if !slices.Equal(rule.EquipmentIDs, []int64{10, 20, 30}) {
		t.Fatalf("unexpected equipment %v", rule.EquipmentIDs)
	}
	if !slices.Equal(rule.SubEquipmentIDs, []int64{100}) {
		t.Fatalf("unexpected subequipment %v", rule.SubEquipmentIDs)
	}
	if !rule.Resolved() {
		t.Fatalf("expected resolved")
	}
	rule.ClearParents()
	if rule.Resolved() {
		t.Fatalf("expected unresolved after clear")
	}
}

func TestRuleCloneIsDeep(t *testing.T) {
	r := &RuleTag{ID: 1, InputTagIDs: []int64{1}, ProcessIDs: []int64{5}}
	c := r.Clone()
	c.InputTagIDs[0] = 9
	c.ProcessIDs[0] = 9
	if r.InputTagIDs[0] != 1 || r.ProcessIDs[0] != 5 {
		t.Fatalf("clone shares slices")
	}
}

func TestValidateConfig(t *testing.T) {
	tag := &DataTag{ID: 1, Name: "T1", DataType: "Float", ProcessID: 5}
	if err := tag.ValidateConfig(); err != nil {
		t.Fatalf("expected valid tag, got %v", err)
	}
	bad := *tag
	bad.DataType = "Complex"
	if err := bad.ValidateConfig(); err == nil {
		t.Fatalf("expected invalid data type")
	}
	noProcess := *tag
	noProcess.ProcessID = 0
	if err := noProcess.ValidateConfig(); err == nil {
		t.Fatalf("expected missing process error")
	}
	noProcess.Control = true
	if err := noProcess.ValidateConfig(); err != nil {
		t.Fatalf("control tags need no process: %v", err)
	}

	rule := &RuleTag{ID: 10, Name: "R", DataType: "Boolean", RuleText: "#1 > 3 [1], true [0]"}
	if err := rule.ValidateConfig(); err != nil {
		t.Fatalf("expected valid rule, got %v", err)
	}
	self := *rule
	self.RuleText = "#10 > 3"
	if err := self.ValidateConfig(); err == nil {
		t.Fatalf("expected self reference error")
	}
	empty := *rule
	empty.RuleText = "true"
	if err := empty.ValidateConfig(); err == nil {
		t.Fatalf("expected no input error")
	}
}
