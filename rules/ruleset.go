package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleSetVersion is written to every exported rule-set file.
const RuleSetVersion = 1

// RuleSet is the on-disk form of a rule list.
type RuleSet struct {
	Version int        `yaml:"version"`
	Rules   []RuleSpec `yaml:"rules"`
}

// RuleSpec is one rule in a rule-set file. Enabled defaults to true.
type RuleSpec struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Priority    int            `yaml:"priority"`
	Enabled     *bool          `yaml:"enabled,omitempty"`
	When        *ConditionNode `yaml:"when,omitempty"`
	Actions     []Action       `yaml:"actions"`
}

// Rule converts the spec into a validated Rule.
func (s RuleSpec) Rule() (*Rule, error) {
	r := &Rule{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Priority:    s.Priority,
		Enabled:     s.Enabled == nil || *s.Enabled,
		Actions:     s.Actions,
	}
	if s.When != nil {
		cond, err := s.When.Decode()
		if err != nil {
			return nil, &ValidationError{RuleID: s.ID, Field: "when", Message: err.Error()}
		}
		r.Condition = cond
	}
	if err := ValidateRule(r); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseRuleSet decodes a YAML rule set. Duplicate ids are rejected.
func ParseRuleSet(data []byte) ([]*Rule, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("rules: rule set payload is empty")
	}
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("rules: decode rule set: %w", err)
	}
	if set.Version > RuleSetVersion {
		return nil, fmt.Errorf("rules: rule set version %d is newer than supported version %d", set.Version, RuleSetVersion)
	}

	seen := make(map[string]bool, len(set.Rules))
	out := make([]*Rule, 0, len(set.Rules))
	for i, spec := range set.Rules {
		if seen[spec.ID] {
			return nil, fmt.Errorf("rules: duplicate rule id %q at index %d", spec.ID, i)
		}
		seen[spec.ID] = true

		r, err := spec.Rule()
		if err != nil {
			return nil, fmt.Errorf("rules: rule at index %d: %w", i, err)
		}
		out = append(out, r)
	}
	sortRules(out)
	return out, nil
}

// LoadRuleSetReader reads a YAML rule set from r.
func LoadRuleSetReader(r io.Reader) ([]*Rule, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("rules: read rule set: %w", err)
	}
	return ParseRuleSet(content)
}

// LoadRuleSet loads a YAML rule set from path.
func LoadRuleSet(path string) ([]*Rule, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	rules, err := ParseRuleSet(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// MarshalRuleSet encodes rules as a YAML rule set.
func MarshalRuleSet(rules []*Rule) ([]byte, error) {
	set := RuleSet{Version: RuleSetVersion, Rules: make([]RuleSpec, 0, len(rules))}
	for _, r := range rules {
		enabled := r.Enabled
		set.Rules = append(set.Rules, RuleSpec{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			Priority:    r.Priority,
			Enabled:     &enabled,
			When:        EncodeCondition(r.Condition),
			Actions:     r.Actions,
		})
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(set); err != nil {
		return nil, fmt.Errorf("rules: encode rule set: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteRuleSet writes rules to w as YAML.
func WriteRuleSet(w io.Writer, rules []*Rule) error {
	data, err := MarshalRuleSet(rules)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Seed adds rules that are not already in the store and reports how many were
// added. Existing rules are left untouched.
func Seed(store RuleStore, rules []*Rule) (int, error) {
	added := 0
	for _, r := range rules {
		err := store.Add(r.Clone())
		if errors.Is(err, ErrRuleExists) {
			continue
		}
		if err != nil {
			return added, fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
		added++
	}
	return added, nil
}
