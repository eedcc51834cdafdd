package rules

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// Operator is a leaf comparison.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "notEquals"
	OpGreaterThan        Operator = "greaterThan"
	OpGreaterThanOrEqual Operator = "greaterThanOrEqual"
	OpLessThan           Operator = "lessThan"
	OpLessThanOrEqual    Operator = "lessThanOrEqual"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "notContains"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "notIn"
	OpExists             Operator = "exists"
	OpNotExists          Operator = "notExists"
	OpIsEmpty            Operator = "isEmpty"
	OpIsNotEmpty         Operator = "isNotEmpty"
)

var knownOperators = map[Operator]bool{
	OpEquals:             true,
	OpNotEquals:          true,
	OpGreaterThan:        true,
	OpGreaterThanOrEqual: true,
	OpLessThan:           true,
	OpLessThanOrEqual:    true,
	OpContains:           true,
	OpNotContains:        true,
	OpIn:                 true,
	OpNotIn:              true,
	OpExists:             true,
	OpNotExists:          true,
	OpIsEmpty:            true,
	OpIsNotEmpty:         true,
}

// IsValid reports whether op is a supported operator.
func (op Operator) IsValid() bool {
	return knownOperators[op]
}

// takesValue reports whether the operator compares against a rule value.
func (op Operator) takesValue() bool {
	switch op {
	case OpExists, OpNotExists, OpIsEmpty, OpIsNotEmpty:
		return false
	}
	return true
}

// Apply evaluates actual <op> expected. A nil actual (missing field) fails
// every operator except exists/notExists/isEmpty, which are defined on absence.
func (op Operator) Apply(actual, expected any) bool {
	if actual == nil {
		switch op {
		case OpNotExists, OpIsEmpty:
			return true
		default:
			return false
		}
	}

	switch op {
	case OpEquals:
		return valuesEqual(actual, expected)
	case OpNotEquals:
		return !valuesEqual(actual, expected)
	case OpGreaterThan:
		c, ok := compare(actual, expected)
		return ok && c > 0
	case OpGreaterThanOrEqual:
		c, ok := compare(actual, expected)
		return ok && c >= 0
	case OpLessThan:
		c, ok := compare(actual, expected)
		return ok && c < 0
	case OpLessThanOrEqual:
		c, ok := compare(actual, expected)
		return ok && c <= 0
	case OpContains:
		found, ok := contains(actual, expected)
		return ok && found
	case OpNotContains:
		found, ok := contains(actual, expected)
		return ok && !found
	case OpIn:
		found, ok := member(actual, expected)
		return ok && found
	case OpNotIn:
		found, ok := member(actual, expected)
		return ok && !found
	case OpExists:
		return true
	case OpNotExists:
		return false
	case OpIsEmpty:
		return isEmpty(actual)
	case OpIsNotEmpty:
		return !isEmpty(actual)
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := toTime(b)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

// compare orders numbers, times and strings. ok is false when the two values
// have no common ordering.
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := toTime(b)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

// contains is substring match for strings and element match for slices.
func contains(haystack, needle any) (bool, bool) {
	if s, ok := haystack.(string); ok {
		n, ok := needle.(string)
		if !ok {
			return false, false
		}
		return strings.Contains(s, n), true
	}
	rv := reflect.ValueOf(haystack)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false, false
	}
	for i := 0; i < rv.Len(); i++ {
		if valuesEqual(rv.Index(i).Interface(), needle) {
			return true, true
		}
	}
	return false, true
}

// member reports whether v is an element of the set value.
func member(v, set any) (bool, bool) {
	rv := reflect.ValueOf(set)
	if set == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return false, false
	}
	for i := 0; i < rv.Len(); i++ {
		if valuesEqual(v, rv.Index(i).Interface()) {
			return true, true
		}
	}
	return false, true
}

func isEmpty(v any) bool {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
