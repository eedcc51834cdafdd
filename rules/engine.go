package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/claims/events"
	"github.com/liamcoop/claims/internal/logger"
)

// TopicDecisionEvaluated is published after every successful Evaluate.
const TopicDecisionEvaluated = "decision.evaluated"

// celCostLimit bounds the work a single expression may do.
const celCostLimit = 1000000

// factRoots are the top-level names available to CEL expressions.
var factRoots = []string{"claim", "policy", "deathVerification", "beneficiaryVerification", "anomalies", "extra"}

// EvaluationResult is the outcome of evaluating one rule in isolation.
type EvaluationResult struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Matched  bool   `json:"matched"`
	Error    string `json:"error,omitempty"`
}

// Engine evaluates the enabled rule set against a decision context. It is safe
// for concurrent use.
type Engine struct {
	env       *cel.Env
	store     RuleStore
	cache     RulesCache
	publisher events.Publisher
	now       func() time.Time
	programs  map[string]cel.Program // expression -> compiled program
	mu        sync.RWMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets where decision.evaluated events go.
func WithPublisher(p events.Publisher) Option {
	return func(en *Engine) { en.publisher = p }
}

// WithCache replaces the default enabled-rule cache.
func WithCache(c RulesCache) Option {
	return func(en *Engine) { en.cache = c }
}

// WithClock sets the time source used for due dates and timestamps.
func WithClock(now func() time.Time) Option {
	return func(en *Engine) { en.now = now }
}

// NewEngine creates an engine over store and compiles every stored
// expression so that a bad rule is reported at startup.
func NewEngine(store RuleStore, opts ...Option) (*Engine, error) {
	env, err := NewCELEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	en := &Engine{
		env:      env,
		store:    store,
		cache:    NewInMemoryRulesCache(DefaultCacheConfig()),
		now:      time.Now,
		programs: make(map[string]cel.Program),
	}
	for _, opt := range opts {
		opt(en)
	}

	if err := en.CompileAllRules(); err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}
	return en, nil
}

// NewCELEnv declares the fact roots as dynamic values. Numeric comparisons
// across int and double are allowed since amounts arrive as either.
func NewCELEnv() (*cel.Env, error) {
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, root := range factRoots {
		opts = append(opts, cel.Variable(root, cel.DynType))
	}
	return cel.NewEnv(opts...)
}

// CompileExpression compiles and caches a CEL expression.
func (en *Engine) CompileExpression(expression string) (cel.Program, error) {
	en.mu.RLock()
	prog, ok := en.programs[expression]
	en.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := en.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	prog, err := en.env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	en.mu.Lock()
	en.programs[expression] = prog
	en.mu.Unlock()
	return prog, nil
}

func (en *Engine) compileRule(r *Rule) error {
	var firstErr error
	walkConditions(r.Condition, func(c Condition) {
		expr, ok := c.(Expr)
		if !ok || firstErr != nil {
			return
		}
		if _, err := en.CompileExpression(expr.Expression); err != nil {
			firstErr = &ValidationError{
				RuleID:  r.ID,
				Field:   "condition",
				Message: fmt.Sprintf("expression %q: %v", expr.Expression, err),
			}
		}
	})
	return firstErr
}

// CompileAllRules compiles the expressions of every stored rule and
// repopulates the cache with the enabled ones.
func (en *Engine) CompileAllRules() error {
	all, err := en.store.List()
	if err != nil {
		return err
	}

	enabled := make([]*Rule, 0, len(all))
	for _, r := range all {
		if err := en.compileRule(r); err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", r.ID, err)
		}
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}

	en.cache.Set(enabled)
	return nil
}

// Reload drops cached rules and programs and recompiles from the store.
func (en *Engine) Reload() error {
	en.mu.Lock()
	en.programs = make(map[string]cel.Program)
	en.mu.Unlock()
	en.cache.Invalidate()
	return en.CompileAllRules()
}

// AddRule validates, compiles and stores a new rule.
func (en *Engine) AddRule(r *Rule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	if err := en.compileRule(r); err != nil {
		return err
	}
	if err := en.store.Add(r); err != nil {
		return err
	}
	en.cache.Invalidate()
	return nil
}

// UpdateRule validates and replaces an existing rule.
func (en *Engine) UpdateRule(r *Rule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	if err := en.compileRule(r); err != nil {
		return err
	}
	if err := en.store.Update(r); err != nil {
		return err
	}
	en.cache.Invalidate()
	return nil
}

// DeleteRule removes a rule.
func (en *Engine) DeleteRule(ruleID string) error {
	if err := en.store.Delete(ruleID); err != nil {
		return err
	}
	en.cache.Invalidate()
	return nil
}

// GetRule returns a rule by id.
func (en *Engine) GetRule(ruleID string) (*Rule, error) {
	return en.store.Get(ruleID)
}

// ListRules returns every rule in evaluation order.
func (en *Engine) ListRules() ([]*Rule, error) {
	return en.store.List()
}

// SetEnabled turns a rule on or off.
func (en *Engine) SetEnabled(ruleID string, enabled bool) error {
	r, err := en.store.Get(ruleID)
	if err != nil {
		return err
	}
	if r.Enabled == enabled {
		return nil
	}
	r.Enabled = enabled
	if err := en.store.Update(r); err != nil {
		return err
	}
	en.cache.Invalidate()
	return nil
}

func (en *Engine) enabledRules() ([]*Rule, error) {
	if rules := en.cache.Get(); rules != nil {
		return rules, nil
	}
	rules, err := en.store.ListEnabled()
	if err != nil {
		return nil, err
	}
	sortRules(rules)
	en.cache.Set(rules)
	return rules, nil
}

// Evaluate runs every enabled rule in priority order against c. A rule that
// fails to evaluate is recorded in the result's Errors and skipped; only a
// failure to load the rules is returned as an error.
func (en *Engine) Evaluate(c Context) (*DecisionResult, error) {
	rules, err := en.enabledRules()
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	if c.AsOf.IsZero() {
		c.AsOf = en.now()
	}
	facts := c.Facts()
	activation := celActivation(facts)

	result := &DecisionResult{
		ClaimID:      c.ClaimID,
		Requirements: []RequiredItem{},
		RulesMatched: []string{},
		EvaluatedAt:  en.now(),
	}

	for _, r := range rules {
		result.RulesEvaluated++

		matched, err := en.evalRule(r, facts, activation)
		if err != nil {
			logger.RuleFailed(r.ID, err)
			result.Errors = append(result.Errors, RuleError{RuleID: r.ID, Error: err.Error()})
			continue
		}
		if !matched {
			continue
		}

		result.RulesMatched = append(result.RulesMatched, r.ID)
		for _, a := range r.Actions {
			applyAction(result, r, a, c.AsOf)
		}
	}

	logger.Debug("Decision evaluated",
		"claim_id", c.ClaimID,
		"rules_evaluated", result.RulesEvaluated,
		"rules_matched", len(result.RulesMatched),
		"requirements", len(result.Requirements))

	if en.publisher != nil {
		en.publisher.Publish(TopicDecisionEvaluated, map[string]any{
			"claimId":          c.ClaimID,
			"requirementCount": len(result.Requirements),
			"matchedRuleCount": len(result.RulesMatched),
			"escalate":         result.Escalate,
			"autoApprove":      result.AutoApprove,
			"errorCount":       len(result.Errors),
		})
	}
	return result, nil
}

// EvaluateRule evaluates a single rule, enabled or not, against c.
func (en *Engine) EvaluateRule(ruleID string, c Context) (*EvaluationResult, error) {
	r, err := en.store.Get(ruleID)
	if err != nil {
		return nil, err
	}
	if c.AsOf.IsZero() {
		c.AsOf = en.now()
	}
	facts := c.Facts()

	res := &EvaluationResult{RuleID: r.ID, RuleName: r.Name}
	matched, err := en.evalRule(r, facts, celActivation(facts))
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	res.Matched = matched
	return res, nil
}

func applyAction(result *DecisionResult, r *Rule, a Action, asOf time.Time) {
	switch a.Type {
	case ActionAddRequirement:
		if a.Requirement == nil || result.Has(a.Requirement.Type) {
			return
		}
		item := RequiredItem{
			Type:        a.Requirement.Type,
			Level:       a.Requirement.Level,
			Description: a.Requirement.Description,
			RuleID:      r.ID,
		}
		if a.Requirement.DueInDays > 0 {
			due := asOf.AddDate(0, 0, a.Requirement.DueInDays)
			item.DueDate = &due
		}
		result.Requirements = append(result.Requirements, item)
	case ActionRemoveRequirement:
		result.remove(a.RequirementType)
	case ActionEscalate:
		if !result.Escalate {
			result.Escalate = true
			result.EscalationReason = reasonOr(a.Reason, r.Name)
		}
	case ActionAutoApprove:
		if !result.AutoApprove {
			result.AutoApprove = true
			result.AutoApproveReason = reasonOr(a.Reason, r.Name)
		}
	}
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

func (en *Engine) evalRule(r *Rule, facts, activation map[string]any) (matched bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			matched = false
			err = fmt.Errorf("panic evaluating rule: %v", p)
		}
	}()
	return en.evalCondition(r.Condition, facts, activation)
}

func (en *Engine) evalCondition(c Condition, facts, activation map[string]any) (bool, error) {
	switch c := c.(type) {
	case nil:
		return true, nil
	case Leaf:
		if !c.Operator.IsValid() {
			return false, fmt.Errorf("unknown operator %q", c.Operator)
		}
		return c.Operator.Apply(Lookup(facts, c.Field), c.Value), nil
	case All:
		for _, child := range c.Conditions {
			ok, err := en.evalCondition(child, facts, activation)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case Any:
		for _, child := range c.Conditions {
			ok, err := en.evalCondition(child, facts, activation)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case Not:
		ok, err := en.evalCondition(c.Condition, facts, activation)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case Expr:
		prog, err := en.CompileExpression(c.Expression)
		if err != nil {
			return false, err
		}
		out, _, err := prog.Eval(activation)
		if err != nil {
			return false, fmt.Errorf("expression %q: %w", c.Expression, err)
		}
		// Non-boolean results do not match.
		b, ok := out.Value().(bool)
		return ok && b, nil
	}
	return false, fmt.Errorf("unsupported condition type %T", c)
}

// celActivation exposes every fact root, empty when absent, so expressions
// can use has() on roots the context did not supply.
func celActivation(facts map[string]any) map[string]any {
	activation := make(map[string]any, len(factRoots))
	for _, root := range factRoots {
		if v, ok := facts[root]; ok {
			activation[root] = v
		} else {
			activation[root] = map[string]any{}
		}
	}
	return activation
}
