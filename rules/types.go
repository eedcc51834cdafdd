package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/liamcoop/claims/claim"
)

// ActionType is what a matched rule does.
type ActionType string

const (
	ActionAddRequirement    ActionType = "add_requirement"
	ActionRemoveRequirement ActionType = "remove_requirement"
	ActionEscalate          ActionType = "escalate"
	ActionAutoApprove       ActionType = "auto_approve"
)

// RequirementTemplate describes the requirement an add_requirement action emits.
type RequirementTemplate struct {
	Type        claim.RequirementType  `json:"type" yaml:"type"`
	Level       claim.RequirementLevel `json:"level" yaml:"level"`
	Description string                 `json:"description" yaml:"description"`
	DueInDays   int                    `json:"dueInDays,omitempty" yaml:"dueInDays,omitempty"`
}

// Action is one step of a rule's consequence.
type Action struct {
	Type ActionType `json:"type" yaml:"type"`

	// Requirement is set for add_requirement.
	Requirement *RequirementTemplate `json:"requirement,omitempty" yaml:"requirement,omitempty"`
	// RequirementType is set for remove_requirement.
	RequirementType claim.RequirementType `json:"requirementType,omitempty" yaml:"requirementType,omitempty"`
	// Reason annotates escalate and auto_approve.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Rule is a named, prioritized condition to actions mapping. Lower Priority
// values are evaluated first.
type Rule struct {
	ID          string
	Name        string
	Description string
	Priority    int
	Enabled     bool
	Condition   Condition
	Actions     []Action
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ruleJSON struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Priority    int            `json:"priority"`
	Enabled     bool           `json:"enabled"`
	When        *ConditionNode `json:"when,omitempty"`
	Actions     []Action       `json:"actions"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// MarshalJSON encodes the condition tree in its ConditionNode form.
func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(ruleJSON{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Priority:    r.Priority,
		Enabled:     r.Enabled,
		When:        EncodeCondition(r.Condition),
		Actions:     r.Actions,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	})
}

// UnmarshalJSON decodes a rule and its condition tree.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var cond Condition
	if raw.When != nil {
		c, err := raw.When.Decode()
		if err != nil {
			return fmt.Errorf("rule %s condition: %w", raw.ID, err)
		}
		cond = c
	}
	*r = Rule{
		ID:          raw.ID,
		Name:        raw.Name,
		Description: raw.Description,
		Priority:    raw.Priority,
		Enabled:     raw.Enabled,
		Condition:   cond,
		Actions:     raw.Actions,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
	}
	return nil
}

// Clone returns a copy whose Actions slice is not shared.
func (r *Rule) Clone() *Rule {
	c := *r
	c.Actions = append([]Action(nil), r.Actions...)
	return &c
}

// RequiredItem is a requirement emitted by a matched rule, before the
// requirement processor starts tracking it.
type RequiredItem struct {
	Type        claim.RequirementType  `json:"type"`
	Level       claim.RequirementLevel `json:"level"`
	Description string                 `json:"description"`
	DueDate     *time.Time             `json:"dueDate,omitempty"`
	RuleID      string                 `json:"ruleId"`
}

// RuleError records a rule whose evaluation failed.
type RuleError struct {
	RuleID string `json:"ruleId"`
	Error  string `json:"error"`
}

// DecisionResult is the outcome of evaluating the enabled rule set.
type DecisionResult struct {
	ClaimID        string         `json:"claimId,omitempty"`
	Requirements   []RequiredItem `json:"requirements"`
	RulesMatched   []string       `json:"rulesMatched"`
	RulesEvaluated int            `json:"rulesEvaluated"`

	Escalate          bool   `json:"escalate"`
	EscalationReason  string `json:"escalationReason,omitempty"`
	AutoApprove       bool   `json:"autoApprove"`
	AutoApproveReason string `json:"autoApproveReason,omitempty"`

	Errors      []RuleError `json:"errors,omitempty"`
	EvaluatedAt time.Time   `json:"evaluatedAt"`
}

// Has reports whether a requirement of type t has been accumulated.
func (d *DecisionResult) Has(t claim.RequirementType) bool {
	for _, item := range d.Requirements {
		if item.Type == t {
			return true
		}
	}
	return false
}

// Mandatory returns the mandatory items.
func (d *DecisionResult) Mandatory() []RequiredItem {
	var out []RequiredItem
	for _, item := range d.Requirements {
		if item.Level == claim.LevelMandatory {
			out = append(out, item)
		}
	}
	return out
}

func (d *DecisionResult) remove(t claim.RequirementType) {
	kept := d.Requirements[:0]
	for _, item := range d.Requirements {
		if item.Type != t {
			kept = append(kept, item)
		}
	}
	d.Requirements = kept
}
