package rules

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxIdentifierLength = 100
	maxConditionDepth   = 32
	maxActionsPerRule   = 50
)

var (
	ruleIDPattern     = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]*$`)
	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// ValidationError reports why a rule was rejected.
type ValidationError struct {
	RuleID  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("rule %q: %s", e.RuleID, e.Message)
	}
	return fmt.Sprintf("rule %q: %s: %s", e.RuleID, e.Field, e.Message)
}

// ValidateRule checks a rule's structure: id shape, condition tree and actions.
// CEL expressions are only checked for presence here; the engine compiles them.
func ValidateRule(r *Rule) error {
	if r == nil {
		return &ValidationError{Message: "rule is nil"}
	}
	invalid := func(field, format string, args ...any) error {
		return &ValidationError{RuleID: r.ID, Field: field, Message: fmt.Sprintf(format, args...)}
	}

	if err := validateRuleID(r.ID); err != nil {
		return invalid("id", "%v", err)
	}
	if strings.TrimSpace(r.Name) == "" {
		return invalid("name", "cannot be empty")
	}
	if r.Priority < 0 {
		return invalid("priority", "must not be negative, got %d", r.Priority)
	}
	if err := validateCondition(r.Condition, 0); err != nil {
		return invalid("condition", "%v", err)
	}

	if len(r.Actions) == 0 {
		return invalid("actions", "rule must declare at least one action")
	}
	if len(r.Actions) > maxActionsPerRule {
		return invalid("actions", "rule declares %d actions, maximum allowed is %d", len(r.Actions), maxActionsPerRule)
	}
	for i, a := range r.Actions {
		if err := validateAction(a); err != nil {
			return invalid(fmt.Sprintf("actions[%d]", i), "%v", err)
		}
	}
	return nil
}

func validateRuleID(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(id), maxIdentifierLength)
	}
	if !ruleIDPattern.MatchString(id) {
		return fmt.Errorf("must match pattern %s", ruleIDPattern)
	}
	return nil
}

// validateFieldPath requires every dot-separated segment to be an identifier
// that is also usable from a CEL expression.
func validateFieldPath(path string) error {
	if path == "" {
		return fmt.Errorf("field path cannot be empty")
	}
	for _, seg := range strings.Split(path, ".") {
		if len(seg) > maxIdentifierLength {
			return fmt.Errorf("segment %q exceeds maximum of %d characters", seg, maxIdentifierLength)
		}
		if !identifierPattern.MatchString(seg) {
			return fmt.Errorf("segment %q must match pattern %s", seg, identifierPattern)
		}
		if isReservedKeyword(seg) {
			return fmt.Errorf("cannot use reserved keyword %q in a field path", seg)
		}
	}
	return nil
}

func validateCondition(c Condition, depth int) error {
	if depth > maxConditionDepth {
		return fmt.Errorf("condition nesting exceeds maximum depth of %d", maxConditionDepth)
	}
	switch c := c.(type) {
	case nil:
		if depth > 0 {
			return fmt.Errorf("nested condition cannot be empty")
		}
		return nil
	case Leaf:
		if err := validateFieldPath(c.Field); err != nil {
			return err
		}
		if !c.Operator.IsValid() {
			return fmt.Errorf("unknown operator %q on field %q", c.Operator, c.Field)
		}
		if c.Operator.takesValue() && c.Value == nil {
			return fmt.Errorf("operator %q on field %q requires a value", c.Operator, c.Field)
		}
		return nil
	case All:
		return validateGroup("all", c.Conditions, depth)
	case Any:
		return validateGroup("any", c.Conditions, depth)
	case Not:
		if c.Condition == nil {
			return fmt.Errorf("not requires exactly one child condition")
		}
		return validateCondition(c.Condition, depth+1)
	case Expr:
		if strings.TrimSpace(c.Expression) == "" {
			return fmt.Errorf("expression cannot be empty")
		}
		return nil
	}
	return fmt.Errorf("unsupported condition type %T", c)
}

func validateGroup(kind string, children []Condition, depth int) error {
	if len(children) == 0 {
		return fmt.Errorf("%s group must contain at least one condition", kind)
	}
	for i, child := range children {
		if err := validateCondition(child, depth+1); err != nil {
			return fmt.Errorf("%s[%d]: %w", kind, i, err)
		}
	}
	return nil
}

func validateAction(a Action) error {
	switch a.Type {
	case ActionAddRequirement:
		if a.Requirement == nil {
			return fmt.Errorf("add_requirement needs a requirement")
		}
		if !a.Requirement.Type.IsKnown() {
			return fmt.Errorf("unknown requirement type %q", a.Requirement.Type)
		}
		if !a.Requirement.Level.IsValid() {
			return fmt.Errorf("invalid requirement level %q", a.Requirement.Level)
		}
		if a.Requirement.DueInDays < 0 {
			return fmt.Errorf("dueInDays must not be negative")
		}
	case ActionRemoveRequirement:
		if !a.RequirementType.IsKnown() {
			return fmt.Errorf("unknown requirement type %q", a.RequirementType)
		}
	case ActionEscalate, ActionAutoApprove:
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// isReservedKeyword reports CEL reserved words, which cannot name a field.
func isReservedKeyword(name string) bool {
	reservedKeywords := map[string]bool{
		"true":      true,
		"false":     true,
		"null":      true,
		"if":        true,
		"else":      true,
		"for":       true,
		"while":     true,
		"break":     true,
		"continue":  true,
		"return":    true,
		"var":       true,
		"let":       true,
		"const":     true,
		"function":  true,
		"in":        true,
		"as":        true,
		"import":    true,
		"package":   true,
		"namespace": true,
		"loop":      true,
		"void":      true,
	}

	return reservedKeywords[name]
}
