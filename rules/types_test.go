package rules

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/liamcoop/claims/claim"
)

func TestOperatorApply(t *testing.T) {
	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	testCases := []struct {
		name     string
		op       Operator
		actual   any
		expected any
		want     bool
	}{
		{"equals string", OpEquals, "death", "death", true},
		{"equals int vs float", OpEquals, 600.0, 600, true},
		{"equals bool", OpEquals, false, false, true},
		{"notEquals", OpNotEquals, "estate", "individual", true},
		{"greaterThan", OpGreaterThan, 500001.0, 500000, true},
		{"greaterThan equal", OpGreaterThan, 500000.0, 500000, false},
		{"greaterThanOrEqual", OpGreaterThanOrEqual, 600, 600.0, true},
		{"lessThan", OpLessThan, 79, 80, true},
		{"lessThanOrEqual", OpLessThanOrEqual, int64(80), 80, true},
		{"greaterThan time", OpGreaterThan, issued, "2023-06-01T00:00:00Z", true},
		{"compare mismatched types", OpGreaterThan, "abc", 1, false},
		{"contains substring", OpContains, "self-inflicted suicide", "suicide", true},
		{"contains element", OpContains, []any{"a", "b"}, "b", true},
		{"notContains", OpNotContains, "natural causes", "homicide", true},
		{"notContains wrong type", OpNotContains, 42, "x", false},
		{"in", OpIn, "lapsed", []any{"lapsed", "suspended"}, true},
		{"in numeric", OpIn, 2.0, []int{1, 2, 3}, true},
		{"notIn", OpNotIn, "in_force", []string{"lapsed"}, true},
		{"in non-list", OpIn, "x", "x", false},
		{"exists", OpExists, 0, nil, true},
		{"notExists present", OpNotExists, "x", nil, false},
		{"isEmpty blank", OpIsEmpty, "  ", nil, true},
		{"isEmpty list", OpIsEmpty, []any{}, nil, true},
		{"isNotEmpty", OpIsNotEmpty, []any{"x"}, nil, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.op.Apply(tc.actual, tc.expected); got != tc.want {
				t.Errorf("%s.Apply(%v, %v) = %v, want %v", tc.op, tc.actual, tc.expected, got, tc.want)
			}
		})
	}
}

func TestRuleJSONRoundTripKeepsCondition(t *testing.T) {
	original := &Rule{
		ID:       "nested",
		Name:     "Nested",
		Priority: 7,
		Enabled:  true,
		Condition: And(
			Or(Where("claim.amount", OpGreaterThan, 1000.0), Expr{Expression: "true"}),
			Negate(Where("policy.found", OpEquals, false)),
		),
		Actions: []Action{{Type: ActionEscalate, Reason: "why"}},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	if !strings.Contains(string(data), `"when"`) {
		t.Errorf("encoded rule should carry a when clause: %s", data)
	}

	var decoded Rule
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if !reflect.DeepEqual(decoded.Condition, original.Condition) {
		t.Errorf("condition = %#v, want %#v", decoded.Condition, original.Condition)
	}
}

func TestConditionNodeDecodeErrors(t *testing.T) {
	testCases := []struct {
		name string
		node ConditionNode
	}{
		{"empty", ConditionNode{}},
		{"mixed", ConditionNode{Field: "claim.type", Expr: "true"}},
		{"bad child", ConditionNode{All: []ConditionNode{{}}}},
		{"bad not", ConditionNode{Not: &ConditionNode{}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.node.Decode(); err == nil {
				t.Error("Decode() should fail")
			}
		})
	}
}

func TestValidateRule(t *testing.T) {
	valid := func() *Rule {
		return &Rule{
			ID: "valid-rule", Name: "Valid", Enabled: true,
			Condition: Where("claim.amount", OpGreaterThan, 10),
			Actions:   []Action{addRequirement(claim.RequirementTaxForm, claim.LevelMandatory, "", 0)},
		}
	}
	if err := ValidateRule(valid()); err != nil {
		t.Fatalf("ValidateRule(valid) = %v", err)
	}
	for _, r := range DefaultRules() {
		if err := ValidateRule(r); err != nil {
			t.Errorf("default rule %s invalid: %v", r.ID, err)
		}
	}

	testCases := []struct {
		name   string
		mutate func(r *Rule)
		field  string
	}{
		{"empty id", func(r *Rule) { r.ID = "" }, "id"},
		{"id with spaces", func(r *Rule) { r.ID = "has space" }, "id"},
		{"empty name", func(r *Rule) { r.Name = " " }, "name"},
		{"negative priority", func(r *Rule) { r.Priority = -1 }, "priority"},
		{"unknown operator", func(r *Rule) { r.Condition = Where("claim.amount", "approx", 1) }, "condition"},
		{"missing value", func(r *Rule) { r.Condition = Where("claim.amount", OpEquals, nil) }, "condition"},
		{"bad path", func(r *Rule) { r.Condition = Where("claim..amount", OpExists, nil) }, "condition"},
		{"reserved segment", func(r *Rule) { r.Condition = Where("claim.in", OpExists, nil) }, "condition"},
		{"empty group", func(r *Rule) { r.Condition = And() }, "condition"},
		{"empty not", func(r *Rule) { r.Condition = Negate(nil) }, "condition"},
		{"blank expression", func(r *Rule) { r.Condition = Expr{Expression: " "} }, "condition"},
		{"no actions", func(r *Rule) { r.Actions = nil }, "actions"},
		{"unknown action", func(r *Rule) { r.Actions = []Action{{Type: "notify"}} }, "actions[0]"},
		{"unknown requirement type", func(r *Rule) {
			r.Actions = []Action{addRequirement("selfie", claim.LevelMandatory, "", 0)}
		}, "actions[0]"},
		{"bad level", func(r *Rule) {
			r.Actions = []Action{addRequirement(claim.RequirementTaxForm, "sometimes", "", 0)}
		}, "actions[0]"},
		{"remove unknown type", func(r *Rule) {
			r.Actions = []Action{{Type: ActionRemoveRequirement, RequirementType: "selfie"}}
		}, "actions[0]"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := valid()
			tc.mutate(r)
			err := ValidateRule(r)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("ValidateRule() = %v, want ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Errorf("Field = %q, want %q (%v)", verr.Field, tc.field, err)
			}
		})
	}
}

func TestContextFacts(t *testing.T) {
	asOf := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	ctx := Context{
		ClaimID: "CLM-1",
		AsOf:    asOf,
		Claim:   ClaimFacts{Type: claim.TypeDeath, Amount: 1000, CauseOfDeath: "Homicide"},
		Policy:  PolicyFacts{Found: Bool(true), Status: "in_force", IssueDate: asOf.AddDate(-1, 0, 0)},
		Anomalies: []claim.Anomaly{
			{Code: "a", Severity: claim.SeverityMedium},
		},
	}
	facts := ctx.Facts()

	testCases := []struct {
		path string
		want any
	}{
		{"claim.id", "CLM-1"},
		{"claim.type", "death"},
		{"claim.causeOfDeath", "homicide"},
		{"policy.found", true},
		{"policy.withinContestability", true},
		{"anomalies.count", 1},
		{"anomalies.flagged", true},
		{"anomalies.highSeverity", false},
		{"anomalies.highestSeverity", "medium"},
		{"claim.claimantIsBeneficiary", nil},
		{"deathVerification.verified", nil},
		{"policy.status.nested", nil},
	}
	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			if got := Lookup(facts, tc.path); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Lookup(%q) = %#v, want %#v", tc.path, got, tc.want)
			}
		})
	}

	ctx.Policy.ContestabilityYears = 1
	ctx.Policy.IssueDate = asOf.AddDate(-1, 0, -1)
	if got := Lookup(ctx.Facts(), "policy.withinContestability"); got != false {
		t.Errorf("withinContestability with 1 year window = %v, want false", got)
	}

	ctx.Policy.WithinContestability = Bool(true)
	if got := Lookup(ctx.Facts(), "policy.withinContestability"); got != true {
		t.Errorf("explicit withinContestability = %v, want true", got)
	}
}
