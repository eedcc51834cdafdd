package rules

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/events"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newDefaultEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	store := NewInMemoryRuleStore()
	if _, err := Seed(store, DefaultRules()); err != nil {
		t.Fatalf("Seed() failed: %v", err)
	}
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	engine, err := NewEngine(store, opts...)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return engine
}

func requirementTypes(res *DecisionResult) []claim.RequirementType {
	out := make([]claim.RequirementType, 0, len(res.Requirements))
	for _, item := range res.Requirements {
		out = append(out, item.Type)
	}
	return out
}

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine(NewInMemoryRuleStore())
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	if engine == nil {
		t.Fatal("NewEngine() should return non-nil engine")
	}
}

// TestNewEngineRejectsBadStoredExpression verifies stored expressions are compiled at startup.
func TestNewEngineRejectsBadStoredExpression(t *testing.T) {
	store := NewInMemoryRuleStore()
	bad := &Rule{
		ID: "bad", Name: "Bad", Enabled: true,
		Condition: Expr{Expression: `claim.amount >`},
		Actions:   []Action{{Type: ActionEscalate}},
	}
	if err := store.Add(bad); err != nil {
		t.Fatalf("store.Add() failed: %v", err)
	}
	if _, err := NewEngine(store); err == nil {
		t.Fatal("NewEngine() should fail when a stored expression does not compile")
	}
}

// TestEvaluatePolicyNotFound covers a death claim whose policy lookup failed.
func TestEvaluatePolicyNotFound(t *testing.T) {
	engine := newDefaultEngine(t)

	res, err := engine.Evaluate(Context{
		ClaimID: "CLM-1",
		Claim:   ClaimFacts{Type: claim.TypeDeath},
		Policy:  PolicyFacts{Found: Bool(false)},
	})
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}

	want := []claim.RequirementType{
		claim.RequirementDeathCertificate,
		claim.RequirementClaimantStatement,
		claim.RequirementProofOfIdentity,
		claim.RequirementPolicyDocuments,
		claim.RequirementBankingInformation,
	}
	if got := requirementTypes(res); !reflect.DeepEqual(got, want) {
		t.Errorf("requirements = %v, want %v", got, want)
	}

	mandatory := res.Mandatory()
	if len(mandatory) != 4 {
		t.Errorf("mandatory count = %d, want 4", len(mandatory))
	}
	if res.RulesEvaluated != len(DefaultRules()) {
		t.Errorf("RulesEvaluated = %d, want %d", res.RulesEvaluated, len(DefaultRules()))
	}
	if len(res.Errors) != 0 {
		t.Errorf("unexpected rule errors: %v", res.Errors)
	}
}

func TestEvaluateDeathCertificateDueDate(t *testing.T) {
	engine := newDefaultEngine(t)

	res, err := engine.Evaluate(Context{})
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	for _, item := range res.Requirements {
		if item.Type != claim.RequirementDeathCertificate {
			continue
		}
		if item.DueDate == nil {
			t.Fatal("death certificate should carry a due date")
		}
		want := testNow.AddDate(0, 0, DeathCertificateDueInDays)
		if !item.DueDate.Equal(want) {
			t.Errorf("DueDate = %v, want %v", item.DueDate, want)
		}
		return
	}
	t.Fatal("death certificate requirement missing")
}

// TestEvaluateDefaultConditions walks each conditional default rule.
func TestEvaluateDefaultConditions(t *testing.T) {
	engine := newDefaultEngine(t)

	testCases := []struct {
		name    string
		ctx     Context
		want    claim.RequirementType
		present bool
	}{
		{
			name:    "medical records within contestability",
			ctx:     Context{Claim: ClaimFacts{Type: claim.TypeDeath}, Policy: PolicyFacts{IssueDate: testNow.AddDate(-1, 0, 0)}},
			want:    claim.RequirementMedicalRecords,
			present: true,
		},
		{
			name:    "no medical records after contestability",
			ctx:     Context{Claim: ClaimFacts{Type: claim.TypeDeath}, Policy: PolicyFacts{IssueDate: testNow.AddDate(-3, 0, 0)}},
			want:    claim.RequirementMedicalRecords,
			present: false,
		},
		{
			name:    "no medical records without issue date",
			ctx:     Context{Claim: ClaimFacts{Type: claim.TypeDeath}},
			want:    claim.RequirementMedicalRecords,
			present: false,
		},
		{
			name:    "physician statement above large amount",
			ctx:     Context{Claim: ClaimFacts{Type: claim.TypeDeath, Amount: 500001}},
			want:    claim.RequirementPhysicianStatement,
			present: true,
		},
		{
			name:    "no physician statement at large amount",
			ctx:     Context{Claim: ClaimFacts{Type: claim.TypeDeath, Amount: 500000}},
			want:    claim.RequirementPhysicianStatement,
			present: false,
		},
		{
			name:    "autopsy for accident",
			ctx:     Context{Claim: ClaimFacts{CauseOfDeath: "Motor vehicle ACCIDENT"}},
			want:    claim.RequirementAutopsyReport,
			present: true,
		},
		{
			name:    "autopsy for flagged anomaly",
			ctx:     Context{Anomalies: []claim.Anomaly{{Code: "ssn_mismatch", Severity: claim.SeverityLow}}},
			want:    claim.RequirementAutopsyReport,
			present: true,
		},
		{
			name:    "no autopsy for natural causes",
			ctx:     Context{Claim: ClaimFacts{CauseOfDeath: "cardiac arrest"}, Anomalies: []claim.Anomaly{}},
			want:    claim.RequirementAutopsyReport,
			present: false,
		},
		{
			name:    "beneficiary designation on failed verification",
			ctx:     Context{BeneficiaryVerification: &claim.BeneficiaryVerification{Verified: false, Confidence: 99}},
			want:    claim.RequirementBeneficiaryDesignation,
			present: true,
		},
		{
			name:    "beneficiary designation on low confidence",
			ctx:     Context{BeneficiaryVerification: &claim.BeneficiaryVerification{Verified: true, Confidence: 79}},
			want:    claim.RequirementBeneficiaryDesignation,
			present: true,
		},
		{
			name:    "no beneficiary designation without verification",
			ctx:     Context{},
			want:    claim.RequirementBeneficiaryDesignation,
			present: false,
		},
		{
			name:    "tax form at threshold",
			ctx:     Context{Claim: ClaimFacts{Amount: 600}},
			want:    claim.RequirementTaxForm,
			present: true,
		},
		{
			name:    "no tax form below threshold",
			ctx:     Context{Claim: ClaimFacts{Amount: 599.99}},
			want:    claim.RequirementTaxForm,
			present: false,
		},
		{
			name:    "power of attorney when claimant is not beneficiary",
			ctx:     Context{Claim: ClaimFacts{ClaimantIsBeneficiary: Bool(false)}},
			want:    claim.RequirementPowerOfAttorney,
			present: true,
		},
		{
			name:    "no power of attorney when unknown",
			ctx:     Context{},
			want:    claim.RequirementPowerOfAttorney,
			present: false,
		},
		{
			name:    "court documents for estate",
			ctx:     Context{Claim: ClaimFacts{ClaimantType: claim.ClaimantEstate}},
			want:    claim.RequirementCourtDocuments,
			present: true,
		},
		{
			name:    "no policy documents when policy found",
			ctx:     Context{Policy: PolicyFacts{Found: Bool(true)}},
			want:    claim.RequirementPolicyDocuments,
			present: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := engine.Evaluate(tc.ctx)
			if err != nil {
				t.Fatalf("Evaluate() failed: %v", err)
			}
			if got := res.Has(tc.want); got != tc.present {
				t.Errorf("Has(%s) = %v, want %v (requirements %v)", tc.want, got, tc.present, requirementTypes(res))
			}
		})
	}
}

func TestEvaluateEscalatesHighSeverity(t *testing.T) {
	engine := newDefaultEngine(t)

	res, err := engine.Evaluate(Context{Anomalies: []claim.Anomaly{
		{Code: "duplicate_claim", Severity: claim.SeverityMedium},
		{Code: "identity_fraud", Severity: claim.SeverityHigh},
	}})
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if !res.Escalate {
		t.Fatal("Escalate should be set for a high severity anomaly")
	}
	if res.EscalationReason == "" {
		t.Error("EscalationReason should be set")
	}
}

// TestEvaluateDeterministic verifies identical inputs give identical requirement sets.
func TestEvaluateDeterministic(t *testing.T) {
	engine := newDefaultEngine(t)
	ctx := Context{
		ClaimID: "CLM-2",
		Claim:   ClaimFacts{Type: claim.TypeDeath, Amount: 750000, CauseOfDeath: "suicide", ClaimantType: claim.ClaimantEstate},
		Policy:  PolicyFacts{Found: Bool(true), IssueDate: testNow.AddDate(-1, 0, 0)},
	}

	first, err := engine.Evaluate(ctx)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := engine.Evaluate(ctx)
		if err != nil {
			t.Fatalf("Evaluate() failed: %v", err)
		}
		if !reflect.DeepEqual(first.Requirements, again.Requirements) {
			t.Fatalf("run %d requirements differ: %v vs %v", i, requirementTypes(first), requirementTypes(again))
		}
		if !reflect.DeepEqual(first.RulesMatched, again.RulesMatched) {
			t.Fatalf("run %d matched rules differ", i)
		}
	}
}

// TestEvaluateDedupFirstRuleWins verifies two rules adding one type yield one item from the lower priority number.
func TestEvaluateDedupFirstRuleWins(t *testing.T) {
	store := NewInMemoryRuleStore()
	engine, _ := NewEngine(store)

	add := func(id string, priority int, desc string) {
		t.Helper()
		err := engine.AddRule(&Rule{
			ID: id, Name: id, Priority: priority, Enabled: true,
			Actions: []Action{addRequirement(claim.RequirementTaxForm, claim.LevelMandatory, desc, 0)},
		})
		if err != nil {
			t.Fatalf("AddRule(%s) failed: %v", id, err)
		}
	}
	add("later", 20, "second")
	add("earlier", 10, "first")

	res, err := engine.Evaluate(Context{})
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if len(res.Requirements) != 1 {
		t.Fatalf("requirements = %d, want 1", len(res.Requirements))
	}
	if res.Requirements[0].RuleID != "earlier" || res.Requirements[0].Description != "first" {
		t.Errorf("requirement attributed to %s (%q), want earlier", res.Requirements[0].RuleID, res.Requirements[0].Description)
	}
	if want := []string{"earlier", "later"}; !reflect.DeepEqual(res.RulesMatched, want) {
		t.Errorf("RulesMatched = %v, want %v", res.RulesMatched, want)
	}
}

func TestEvaluateRemoveRequirement(t *testing.T) {
	engine := newDefaultEngine(t)
	err := engine.AddRule(&Rule{
		ID: "no-banking-for-estates", Name: "No banking for estates", Priority: 200, Enabled: true,
		Condition: Where("claim.claimantType", OpEquals, "estate"),
		Actions:   []Action{{Type: ActionRemoveRequirement, RequirementType: claim.RequirementBankingInformation}},
	})
	if err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	res, _ := engine.Evaluate(Context{Claim: ClaimFacts{ClaimantType: claim.ClaimantEstate}})
	if res.Has(claim.RequirementBankingInformation) {
		t.Error("banking information should have been removed")
	}
	res, _ = engine.Evaluate(Context{Claim: ClaimFacts{ClaimantType: claim.ClaimantIndividual}})
	if !res.Has(claim.RequirementBankingInformation) {
		t.Error("banking information should remain for individuals")
	}
}

func TestEvaluateAutoApprove(t *testing.T) {
	engine, _ := NewEngine(NewInMemoryRuleStore())
	err := engine.AddRule(&Rule{
		ID: "small-verified", Name: "Small verified claims", Priority: 1, Enabled: true,
		Condition: And(
			Where("claim.amount", OpLessThanOrEqual, 10000),
			Where("deathVerification.verified", OpEquals, true),
		),
		Actions: []Action{{Type: ActionAutoApprove, Reason: "small verified claim"}},
	})
	if err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	res, _ := engine.Evaluate(Context{
		Claim:             ClaimFacts{Amount: 5000},
		DeathVerification: &claim.DeathVerification{Verified: true},
	})
	if !res.AutoApprove || res.AutoApproveReason != "small verified claim" {
		t.Errorf("AutoApprove = %v (%q), want true", res.AutoApprove, res.AutoApproveReason)
	}
}

// TestEvaluateNullHandling verifies missing fields fail every operator but the absence ones.
func TestEvaluateNullHandling(t *testing.T) {
	testCases := []struct {
		op    Operator
		value any
		want  bool
	}{
		{OpEquals, "x", false},
		{OpNotEquals, "x", false},
		{OpGreaterThan, 1, false},
		{OpLessThan, 1, false},
		{OpContains, "x", false},
		{OpNotContains, "x", false},
		{OpIn, []any{"x"}, false},
		{OpNotIn, []any{"x"}, false},
		{OpExists, nil, false},
		{OpNotExists, nil, true},
		{OpIsEmpty, nil, true},
		{OpIsNotEmpty, nil, false},
	}

	for _, tc := range testCases {
		t.Run(string(tc.op), func(t *testing.T) {
			engine, _ := NewEngine(NewInMemoryRuleStore())
			err := engine.AddRule(&Rule{
				ID: "null-check", Name: "Null check", Enabled: true,
				Condition: Where("policy.missing.field", tc.op, tc.value),
				Actions:   []Action{{Type: ActionEscalate}},
			})
			if err != nil {
				t.Fatalf("AddRule() failed: %v", err)
			}
			res, err := engine.Evaluate(Context{})
			if err != nil {
				t.Fatalf("Evaluate() failed: %v", err)
			}
			if len(res.Errors) != 0 {
				t.Fatalf("missing field should not error: %v", res.Errors)
			}
			if res.Escalate != tc.want {
				t.Errorf("%s on missing field matched = %v, want %v", tc.op, res.Escalate, tc.want)
			}
		})
	}
}

func TestEvaluateNestedGroups(t *testing.T) {
	engine, _ := NewEngine(NewInMemoryRuleStore())
	err := engine.AddRule(&Rule{
		ID: "nested", Name: "Nested", Enabled: true,
		Condition: And(
			Or(
				Where("claim.type", OpEquals, "accidental_death"),
				Where("claim.causeOfDeath", OpContains, "accident"),
			),
			Negate(Where("policy.status", OpIn, []any{"lapsed", "suspended"})),
		),
		Actions: []Action{{Type: ActionEscalate, Reason: "nested"}},
	})
	if err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	testCases := []struct {
		name string
		ctx  Context
		want bool
	}{
		{"accidental in force", Context{Claim: ClaimFacts{Type: claim.TypeAccidentalDeath}, Policy: PolicyFacts{Status: "in_force"}}, true},
		{"accident text lapsed", Context{Claim: ClaimFacts{CauseOfDeath: "accident"}, Policy: PolicyFacts{Status: "lapsed"}}, false},
		{"natural death", Context{Claim: ClaimFacts{Type: claim.TypeDeath, CauseOfDeath: "natural"}}, false},
		{"accident no status", Context{Claim: ClaimFacts{CauseOfDeath: "accident"}}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, _ := engine.Evaluate(tc.ctx)
			if res.Escalate != tc.want {
				t.Errorf("Escalate = %v, want %v", res.Escalate, tc.want)
			}
		})
	}
}

func TestEvaluateExpressionCondition(t *testing.T) {
	engine, _ := NewEngine(NewInMemoryRuleStore())
	err := engine.AddRule(&Rule{
		ID: "cel-large-unverified", Name: "Large unverified", Enabled: true,
		Condition: Expr{Expression: `has(claim.amount) && claim.amount > 100000 && !(has(deathVerification.verified) && deathVerification.verified)`},
		Actions:   []Action{{Type: ActionEscalate, Reason: "large unverified claim"}},
	})
	if err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	res, _ := engine.Evaluate(Context{Claim: ClaimFacts{Amount: 250000}})
	if !res.Escalate {
		t.Error("expression should match a large claim without verification")
	}
	if len(res.Errors) != 0 {
		t.Errorf("unexpected errors: %v", res.Errors)
	}

	res, _ = engine.Evaluate(Context{
		Claim:             ClaimFacts{Amount: 250000},
		DeathVerification: &claim.DeathVerification{Verified: true},
	})
	if res.Escalate {
		t.Error("expression should not match a verified claim")
	}
}

func TestAddRuleRejectsInvalidExpression(t *testing.T) {
	engine, _ := NewEngine(NewInMemoryRuleStore())
	err := engine.AddRule(&Rule{
		ID: "broken", Name: "Broken", Enabled: true,
		Condition: Expr{Expression: `claim.amount >`},
		Actions:   []Action{{Type: ActionEscalate}},
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("AddRule() error = %v, want ValidationError", err)
	}
	if _, err := engine.GetRule("broken"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("invalid rule should not be stored, Get() = %v", err)
	}
}

// TestEvaluateContinuesAfterRuleError verifies one failing rule does not block the rest.
func TestEvaluateContinuesAfterRuleError(t *testing.T) {
	engine := newDefaultEngine(t)
	err := engine.AddRule(&Rule{
		ID: "runtime-error", Name: "Runtime error", Priority: 1, Enabled: true,
		// policy has no "found" key in an empty context, so this errors at runtime
		Condition: Expr{Expression: `policy.found == false`},
		Actions:   []Action{{Type: ActionEscalate}},
	})
	if err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	res, err := engine.Evaluate(Context{})
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if len(res.Errors) != 1 || res.Errors[0].RuleID != "runtime-error" {
		t.Fatalf("Errors = %v, want one entry for runtime-error", res.Errors)
	}
	if !res.Has(claim.RequirementDeathCertificate) {
		t.Error("later rules should still be evaluated")
	}
}

func TestEvaluatePublishesEvent(t *testing.T) {
	rec := events.NewRecorder()
	engine := newDefaultEngine(t, WithPublisher(rec))

	res, err := engine.Evaluate(Context{ClaimID: "CLM-9"})
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}

	published := rec.Topic(TopicDecisionEvaluated)
	if len(published) != 1 {
		t.Fatalf("published %d %s events, want 1", len(published), TopicDecisionEvaluated)
	}
	payload := published[0].Payload
	if payload["claimId"] != "CLM-9" {
		t.Errorf("claimId = %v", payload["claimId"])
	}
	if payload["requirementCount"] != len(res.Requirements) {
		t.Errorf("requirementCount = %v, want %d", payload["requirementCount"], len(res.Requirements))
	}
	if payload["matchedRuleCount"] != len(res.RulesMatched) {
		t.Errorf("matchedRuleCount = %v, want %d", payload["matchedRuleCount"], len(res.RulesMatched))
	}
}

func TestSetEnabled(t *testing.T) {
	engine := newDefaultEngine(t)

	if err := engine.SetEnabled("banking-information", false); err != nil {
		t.Fatalf("SetEnabled() failed: %v", err)
	}
	res, _ := engine.Evaluate(Context{})
	if res.Has(claim.RequirementBankingInformation) {
		t.Error("disabled rule should not contribute requirements")
	}
	if res.RulesEvaluated != len(DefaultRules())-1 {
		t.Errorf("RulesEvaluated = %d, want %d", res.RulesEvaluated, len(DefaultRules())-1)
	}

	if err := engine.SetEnabled("banking-information", true); err != nil {
		t.Fatalf("SetEnabled() failed: %v", err)
	}
	res, _ = engine.Evaluate(Context{})
	if !res.Has(claim.RequirementBankingInformation) {
		t.Error("re-enabled rule should contribute requirements")
	}

	if err := engine.SetEnabled("missing", true); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("SetEnabled(missing) = %v, want ErrRuleNotFound", err)
	}
}

func TestEngineUpdateAndDeleteRule(t *testing.T) {
	engine := newDefaultEngine(t)

	r, err := engine.GetRule("tax-form")
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	r.Condition = Where("claim.amount", OpGreaterThanOrEqual, 10000)
	if err := engine.UpdateRule(r); err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}
	res, _ := engine.Evaluate(Context{Claim: ClaimFacts{Amount: 5000}})
	if res.Has(claim.RequirementTaxForm) {
		t.Error("updated threshold should apply")
	}

	if err := engine.DeleteRule("tax-form"); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if err := engine.DeleteRule("tax-form"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("second DeleteRule() = %v, want ErrRuleNotFound", err)
	}
	res, _ = engine.Evaluate(Context{Claim: ClaimFacts{Amount: 50000}})
	if res.Has(claim.RequirementTaxForm) {
		t.Error("deleted rule should not apply")
	}
}

func TestEvaluateRule(t *testing.T) {
	engine := newDefaultEngine(t)

	res, err := engine.EvaluateRule("court-documents", Context{Claim: ClaimFacts{ClaimantType: claim.ClaimantEstate}})
	if err != nil {
		t.Fatalf("EvaluateRule() failed: %v", err)
	}
	if !res.Matched {
		t.Error("court-documents should match an estate claimant")
	}
	if _, err := engine.EvaluateRule("missing", Context{}); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("EvaluateRule(missing) = %v, want ErrRuleNotFound", err)
	}
}

func TestEngineConcurrentEvaluate(t *testing.T) {
	engine := newDefaultEngine(t)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := engine.Evaluate(Context{ClaimID: fmt.Sprintf("CLM-%d", i), Policy: PolicyFacts{Found: Bool(false)}})
			if err != nil {
				errs <- err
				return
			}
			if !res.Has(claim.RequirementPolicyDocuments) {
				errs <- fmt.Errorf("claim %d missing policy documents", i)
			}
		}(i)
		if i%10 == 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = engine.SetEnabled("banking-information", i%20 == 0)
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
