package rules

import (
	"errors"
	"fmt"
)

// Condition is a closed set of condition shapes: Leaf, All, Any, Not and Expr.
// A nil Condition always matches.
type Condition interface {
	isCondition()
}

// Leaf compares the value at a dot-separated field path against Value.
type Leaf struct {
	Field    string
	Operator Operator
	Value    any
}

// All matches when every child matches (AND).
type All struct {
	Conditions []Condition
}

// Any matches when at least one child matches (OR).
type Any struct {
	Conditions []Condition
}

// Not negates its single child.
type Not struct {
	Condition Condition
}

// Expr is a CEL expression evaluated against the decision facts.
type Expr struct {
	Expression string
}

func (Leaf) isCondition() {}
func (All) isCondition()  {}
func (Any) isCondition()  {}
func (Not) isCondition()  {}
func (Expr) isCondition() {}

// Where builds a Leaf.
func Where(field string, op Operator, value any) Leaf {
	return Leaf{Field: field, Operator: op, Value: value}
}

// And builds an All group.
func And(conds ...Condition) All {
	return All{Conditions: conds}
}

// Or builds an Any group.
func Or(conds ...Condition) Any {
	return Any{Conditions: conds}
}

// Negate builds a Not.
func Negate(c Condition) Not {
	return Not{Condition: c}
}

// ConditionNode is the serialized form of a Condition used in JSON, YAML and
// the database. Exactly one of All, Any, Not, Field or Expr is set.
type ConditionNode struct {
	All      []ConditionNode `json:"all,omitempty" yaml:"all,omitempty"`
	Any      []ConditionNode `json:"any,omitempty" yaml:"any,omitempty"`
	Not      *ConditionNode  `json:"not,omitempty" yaml:"not,omitempty"`
	Field    string          `json:"field,omitempty" yaml:"field,omitempty"`
	Operator Operator        `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any             `json:"value,omitempty" yaml:"value,omitempty"`
	Expr     string          `json:"expr,omitempty" yaml:"expr,omitempty"`
}

var errEmptyCondition = errors.New("condition node has no all, any, not, field or expr")

// Decode converts the node into a Condition.
func (n ConditionNode) Decode() (Condition, error) {
	kinds := 0
	for _, set := range []bool{n.All != nil, n.Any != nil, n.Not != nil, n.Field != "", n.Expr != ""} {
		if set {
			kinds++
		}
	}
	switch {
	case kinds == 0:
		return nil, errEmptyCondition
	case kinds > 1:
		return nil, fmt.Errorf("condition node mixes %d shapes; use exactly one of all, any, not, field or expr", kinds)
	}

	switch {
	case n.All != nil:
		children, err := decodeChildren(n.All)
		if err != nil {
			return nil, fmt.Errorf("all: %w", err)
		}
		return All{Conditions: children}, nil
	case n.Any != nil:
		children, err := decodeChildren(n.Any)
		if err != nil {
			return nil, fmt.Errorf("any: %w", err)
		}
		return Any{Conditions: children}, nil
	case n.Not != nil:
		inner, err := n.Not.Decode()
		if err != nil {
			return nil, fmt.Errorf("not: %w", err)
		}
		return Not{Condition: inner}, nil
	case n.Expr != "":
		return Expr{Expression: n.Expr}, nil
	}
	return Leaf{Field: n.Field, Operator: n.Operator, Value: n.Value}, nil
}

func decodeChildren(nodes []ConditionNode) ([]Condition, error) {
	out := make([]Condition, 0, len(nodes))
	for i, child := range nodes {
		c, err := child.Decode()
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// EncodeCondition converts a Condition into its serialized form. A nil
// Condition encodes to nil.
func EncodeCondition(c Condition) *ConditionNode {
	switch c := c.(type) {
	case nil:
		return nil
	case Leaf:
		return &ConditionNode{Field: c.Field, Operator: c.Operator, Value: c.Value}
	case All:
		return &ConditionNode{All: encodeChildren(c.Conditions)}
	case Any:
		return &ConditionNode{Any: encodeChildren(c.Conditions)}
	case Not:
		return &ConditionNode{Not: EncodeCondition(c.Condition)}
	case Expr:
		return &ConditionNode{Expr: c.Expression}
	}
	return nil
}

func encodeChildren(conds []Condition) []ConditionNode {
	out := make([]ConditionNode, 0, len(conds))
	for _, c := range conds {
		if n := EncodeCondition(c); n != nil {
			out = append(out, *n)
		}
	}
	return out
}

// walkConditions calls fn for c and every descendant, depth first.
func walkConditions(c Condition, fn func(Condition)) {
	if c == nil {
		return
	}
	fn(c)
	switch c := c.(type) {
	case All:
		for _, child := range c.Conditions {
			walkConditions(child, fn)
		}
	case Any:
		for _, child := range c.Conditions {
			walkConditions(child, fn)
		}
	case Not:
		walkConditions(c.Condition, fn)
	}
}
