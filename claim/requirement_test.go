package claim

import (
	"testing"
	"time"
)

func TestRequirementIsSatisfied(t *testing.T) {
	testCases := []struct {
		name string
		req  Requirement
		want bool
	}{
		{"pending", Requirement{Status: StatusPending}, false},
		{"in review", Requirement{Status: StatusInReview}, false},
		{"satisfied", Requirement{Status: StatusSatisfied}, true},
		{"rejected", Requirement{Status: StatusRejected}, false},
		{"waived flag", Requirement{Status: StatusWaived, Waived: true}, true},
		{"overridden flag", Requirement{Status: StatusOverridden, Overridden: true}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.req.IsSatisfied(); got != tc.want {
				t.Errorf("IsSatisfied() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRequirementIsOverdue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	testCases := []struct {
		name string
		req  Requirement
		want bool
	}{
		{"no due date", Requirement{Status: StatusPending}, false},
		{"due in future", Requirement{Status: StatusPending, DueDate: &future}, false},
		{"past due and pending", Requirement{Status: StatusPending, DueDate: &past}, true},
		{"past due but satisfied", Requirement{Status: StatusSatisfied, DueDate: &past}, false},
		{"past due but waived", Requirement{Status: StatusWaived, Waived: true, DueDate: &past}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.req.IsOverdue(now); got != tc.want {
				t.Errorf("IsOverdue() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRequirementStatusTransitions(t *testing.T) {
	testCases := []struct {
		from RequirementStatus
		to   RequirementStatus
		want bool
	}{
		{StatusPending, StatusInReview, true},
		{StatusPending, StatusWaived, true},
		{StatusInReview, StatusSatisfied, true},
		{StatusInReview, StatusRejected, true},
		{StatusInReview, StatusPending, false},
		{StatusInReview, StatusWaived, false},
		{StatusInReview, StatusOverridden, false},
		{StatusRejected, StatusWaived, false},
		{StatusRejected, StatusOverridden, false},
		{StatusRejected, StatusInReview, true},
		{StatusRejected, StatusSatisfied, false},
		{StatusSatisfied, StatusInReview, false},
		{StatusWaived, StatusOverridden, false},
		{StatusOverridden, StatusSatisfied, false},
	}

	for _, tc := range testCases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRequirementCloneIsDeep(t *testing.T) {
	due := time.Now()
	orig := &Requirement{
		ID:          "req-1",
		DocumentIDs: []string{"doc-1"},
		DueDate:     &due,
		Satisfaction: &Satisfaction{
			Method:    MethodAutomatic,
			Extracted: map[string]any{"name": "Jane"},
		},
	}

	c := orig.Clone()
	c.DocumentIDs[0] = "changed"
	c.Satisfaction.Extracted["name"] = "changed"
	*c.DueDate = due.Add(time.Hour)

	if orig.DocumentIDs[0] != "doc-1" {
		t.Error("clone shares DocumentIDs backing array")
	}
	if orig.Satisfaction.Extracted["name"] != "Jane" {
		t.Error("clone shares extracted fields map")
	}
	if !orig.DueDate.Equal(due) {
		t.Error("clone shares due date pointer")
	}
}

func TestHighestSeverity(t *testing.T) {
	if got := HighestSeverity(nil); got != "" {
		t.Errorf("HighestSeverity(nil) = %q, want empty", got)
	}
	got := HighestSeverity([]Anomaly{{Severity: SeverityLow}, {Severity: SeverityMedium}})
	if got != SeverityMedium {
		t.Errorf("HighestSeverity = %q, want medium", got)
	}
	got = HighestSeverity([]Anomaly{{Severity: SeverityMedium}, {Severity: SeverityHigh}, {Severity: SeverityLow}})
	if got != SeverityHigh {
		t.Errorf("HighestSeverity = %q, want high", got)
	}
}
