// Package orchestrator runs the claim sagas that span the systems of record:
// claim initiation, requirement processing and payment. Initiation absorbs
// failures of its non-critical steps as warnings with a manual fallback; the
// other sagas surface every failure to the caller.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/events"
	"github.com/liamcoop/claims/internal/logger"
	"github.com/liamcoop/claims/requirements"
	"github.com/liamcoop/claims/routing"
	"github.com/liamcoop/claims/rules"
	"github.com/liamcoop/claims/sor"
	"github.com/liamcoop/claims/workflow"
)

// Topics published by the orchestrator.
const (
	TopicClaimInitiated       = "orchestration.claim.initiated"
	TopicClaimFailed          = "orchestration.claim.failed"
	TopicRequirementsComplete = "orchestration.requirements.complete"
	TopicPaymentExecuted      = "orchestration.payment.executed"
)

// Saga step names.
const (
	StepLookupPolicy         = "lookup_policy"
	StepVerifyDeath          = "verify_death"
	StepSuspendPolicy        = "suspend_policy"
	StepCalculateBenefit     = "calculate_benefit"
	StepCreateCase           = "create_case"
	StepCreateClaim          = "create_claim"
	StepGenerateRequirements = "generate_requirements"
	StepEvaluateRouting      = "evaluate_routing"
	StepAssign               = "assign"

	StepLinkDocument   = "link_document"
	StepCheckComplete  = "check_requirements"
	StepCreatePayment  = "create_payment"
	StepExecutePayment = "execute_payment"
	StepPostLedger     = "post_ledger_entry"
	StepGenerateTax    = "generate_tax_form"
)

// Step outcomes recorded in a result.
const (
	StepSuccess = "success"
	StepFailed  = "failed"
)

// ErrInvalidRequest is returned for an initiation request missing required fields.
var ErrInvalidRequest = errors.New("invalid claim request")

// StepError reports the saga step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Config holds the orchestrator's business settings.
type Config struct {
	FastTrackQueue        string  `env:"FAST_TRACK_QUEUE" envDefault:"fast-track" json:"fastTrackQueue"`
	StandardQueue         string  `env:"STANDARD_QUEUE" envDefault:"standard-review" json:"standardQueue"`
	TaxReportingThreshold float64 `env:"TAX_REPORTING_THRESHOLD" envDefault:"600" json:"taxReportingThreshold"`
}

// DefaultConfig mirrors the env defaults.
func DefaultConfig() Config {
	return Config{
		FastTrackQueue:        "fast-track",
		StandardQueue:         "standard-review",
		TaxReportingThreshold: rules.TaxReportingAmount,
	}
}

// Request is a first notice of loss.
type Request struct {
	PolicyNumber string          `json:"policyNumber"`
	ClaimType    claim.ClaimType `json:"claimType"`
	// Amount is the claimed amount; zero means the calculated benefit.
	Amount   float64        `json:"amount,omitempty"`
	Decedent claim.Decedent `json:"decedent"`
	Claimant claim.Claimant `json:"claimant"`

	// Optional signals gathered before filing. A supplied death verification
	// replaces the call to the verifier.
	DeathVerification       *claim.DeathVerification       `json:"deathVerification,omitempty"`
	BeneficiaryVerification *claim.BeneficiaryVerification `json:"beneficiaryVerification,omitempty"`
	Anomalies               []claim.Anomaly                `json:"anomalies,omitempty"`
}

// Validate checks the fields every saga step depends on.
func (r Request) Validate() error {
	switch {
	case r.PolicyNumber == "":
		return fmt.Errorf("%w: policyNumber is required", ErrInvalidRequest)
	case r.Decedent.Name == "":
		return fmt.Errorf("%w: decedent name is required", ErrInvalidRequest)
	case r.Decedent.DateOfDeath.IsZero():
		return fmt.Errorf("%w: decedent dateOfDeath is required", ErrInvalidRequest)
	case r.Claimant.Name == "":
		return fmt.Errorf("%w: claimant name is required", ErrInvalidRequest)
	}
	return nil
}

// StepResult records one executed saga step.
type StepResult struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Critical bool          `json:"critical"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of claim initiation.
type Result struct {
	Success           bool                     `json:"success"`
	Claim             *claim.Claim             `json:"claim,omitempty"`
	Case              *claim.Case              `json:"case,omitempty"`
	Policy            *claim.Policy            `json:"policy,omitempty"`
	DeathVerification *claim.DeathVerification `json:"deathVerification,omitempty"`
	Benefit           *claim.Benefit           `json:"benefit,omitempty"`
	Requirements      []*claim.Requirement     `json:"requirements"`
	Decision          *rules.DecisionResult    `json:"decision,omitempty"`
	Routing           *routing.Result          `json:"routing,omitempty"`
	Anomalies         []claim.Anomaly          `json:"anomalies,omitempty"`
	Path              string                   `json:"path"`
	Queue             string                   `json:"queue,omitempty"`
	Steps             []StepResult             `json:"steps"`
	Errors            []string                 `json:"errors"`
	Warnings          []string                 `json:"warnings"`
	StartedAt         time.Time                `json:"startedAt"`
	CompletedAt       time.Time                `json:"completedAt"`
}

// Step returns the recorded step named name.
func (r *Result) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// RequirementProcessor is the part of the requirement processor the sagas use.
type RequirementProcessor interface {
	GenerateRequirements(ctx context.Context, claimID, caseID string, dc rules.Context) (*requirements.GenerateResult, error)
	LinkDocument(ctx context.Context, claimID, reqID, documentID string, autoEvaluate bool) (*claim.Requirement, error)
	AllMandatorySatisfied(claimID string) (bool, error)
}

// Router decides the processing path of a claim.
type Router interface {
	Route(in routing.Input) (string, *routing.Result)
}

// PlaybookRunner starts playbook runs.
type PlaybookRunner interface {
	Start(ctx context.Context, caseID, playbookType string, data map[string]any) (*workflow.Run, error)
}

// Orchestrator runs the claim sagas.
type Orchestrator struct {
	systems      sor.Systems
	requirements RequirementProcessor
	router       Router
	playbooks    PlaybookRunner
	cfg          Config
	publisher    events.Publisher
	now          func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher sets where orchestration events go.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPlaybookRunner enables RunPlaybook.
func WithPlaybookRunner(r PlaybookRunner) Option {
	return func(o *Orchestrator) { o.playbooks = r }
}

// New creates an orchestrator over the given systems of record.
func New(systems sor.Systems, reqs RequirementProcessor, router Router, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		systems:      systems,
		requirements: reqs,
		router:       router,
		cfg:          cfg,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) publish(topic string, payload map[string]any) {
	if o.publisher != nil {
		o.publisher.Publish(topic, payload)
	}
}

// sagaStep is one step of claim initiation. fallback is the manual action
// recorded as a warning when a non-critical step fails.
type sagaStep struct {
	name     string
	critical bool
	fallback string
	run      func(ctx context.Context, req Request, res *Result) error
}

func (o *Orchestrator) initiationSteps() []sagaStep {
	return []sagaStep{
		{name: StepLookupPolicy, critical: true, run: o.lookupPolicy},
		{name: StepVerifyDeath, fallback: "manual death verification required", run: o.verifyDeath},
		{name: StepSuspendPolicy, fallback: "manual policy suspension required", run: o.suspendPolicy},
		{name: StepCalculateBenefit, critical: true, run: o.calculateBenefit},
		{name: StepCreateCase, critical: true, run: o.createCase},
		{name: StepCreateClaim, critical: true, run: o.createClaim},
		{name: StepGenerateRequirements, fallback: "requirements must be added manually", run: o.generateRequirements},
		{name: StepEvaluateRouting, fallback: "claim routed to standard processing", run: o.evaluateRouting},
		{name: StepAssign, fallback: "manual case assignment required", run: o.assign},
	}
}

// InitiateClaim files a claim: it looks up and suspends the policy, verifies
// the death, calculates the benefit, opens the case and the ledger claim,
// generates requirements, routes the claim and assigns the case. The result
// is always returned; a critical step failure is also returned as a
// *StepError.
func (o *Orchestrator) InitiateClaim(ctx context.Context, req Request) (*Result, error) {
	res := &Result{
		Path:         claim.PathStandard,
		Requirements: []*claim.Requirement{},
		Steps:        []StepResult{},
		Errors:       []string{},
		Warnings:     []string{},
		StartedAt:    o.now().UTC(),
		Anomalies:    req.Anomalies,
	}
	if err := req.Validate(); err != nil {
		res.Errors = append(res.Errors, err.Error())
		res.CompletedAt = o.now().UTC()
		return res, err
	}
	if req.ClaimType == "" {
		req.ClaimType = claim.TypeDeath
	}

	logger.Info("claim initiation started", "policy_number", req.PolicyNumber)
	for _, step := range o.initiationSteps() {
		if failure := o.runStep(ctx, step, req, res); failure != nil {
			res.CompletedAt = o.now().UTC()
			logger.Error("claim initiation failed", "policy_number", req.PolicyNumber, "step", failure.Step, "error", failure.Err)
			o.publish(TopicClaimFailed, map[string]any{
				"policyNumber": req.PolicyNumber,
				"step":         failure.Step,
				"error":        failure.Err.Error(),
			})
			return res, failure
		}
	}

	res.Success = true
	res.CompletedAt = o.now().UTC()
	logger.Info("claim initiated", "claim_id", res.Claim.ID, "case_id", res.Case.ID, "path", res.Path, "warnings", len(res.Warnings))
	o.publish(TopicClaimInitiated, map[string]any{
		"claim":    res.Claim,
		"case":     res.Case,
		"routing":  res.Routing,
		"path":     res.Path,
		"warnings": res.Warnings,
	})
	return res, nil
}

// runStep executes one step and records it. It returns a *StepError only when
// a critical step fails.
func (o *Orchestrator) runStep(ctx context.Context, step sagaStep, req Request, res *Result) *StepError {
	started := o.now()
	err := step.run(ctx, req, res)
	rec := StepResult{Name: step.name, Status: StepSuccess, Critical: step.critical, Duration: o.now().Sub(started)}
	if err == nil {
		res.Steps = append(res.Steps, rec)
		return nil
	}

	rec.Status = StepFailed
	rec.Error = err.Error()
	res.Steps = append(res.Steps, rec)
	logger.StepFailed(step.name, step.critical, err, "policy_number", req.PolicyNumber)
	if step.critical {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", step.name, err))
		return &StepError{Step: step.name, Err: err}
	}
	res.Warnings = append(res.Warnings, fmt.Sprintf("%s failed (%v): %s", step.name, err, step.fallback))
	return nil
}

func (o *Orchestrator) lookupPolicy(ctx context.Context, req Request, res *Result) error {
	p, err := o.systems.Policies.LookupPolicy(ctx, req.PolicyNumber)
	if err != nil {
		return err
	}
	res.Policy = p
	return nil
}

func (o *Orchestrator) verifyDeath(ctx context.Context, req Request, res *Result) error {
	if req.DeathVerification != nil {
		dv := *req.DeathVerification
		res.DeathVerification = &dv
		return nil
	}
	if o.systems.Verifier == nil {
		return errors.New("no death verification service configured")
	}
	dv, err := o.systems.Verifier.VerifyDeath(ctx, req.Decedent)
	if err != nil {
		return err
	}
	res.DeathVerification = dv
	return nil
}

func (o *Orchestrator) suspendPolicy(ctx context.Context, req Request, _ *Result) error {
	return o.systems.Policies.SuspendPolicy(ctx, req.PolicyNumber, req.Decedent.DateOfDeath, "death claim filed")
}

func (o *Orchestrator) calculateBenefit(ctx context.Context, req Request, res *Result) error {
	b, err := o.systems.Policies.CalculateDeathBenefit(ctx, req.PolicyNumber, req.Decedent.DateOfDeath)
	if err != nil {
		return err
	}
	res.Benefit = b
	return nil
}

func (o *Orchestrator) createCase(ctx context.Context, req Request, res *Result) error {
	c, err := o.systems.Cases.CreateCase(ctx, &claim.Case{
		Title:    fmt.Sprintf("Death claim: %s (policy %s)", req.Decedent.Name, req.PolicyNumber),
		Status:   "open",
		Priority: casePriority(req),
		Metadata: map[string]any{
			"policyNumber": req.PolicyNumber,
			"claimant":     req.Claimant.Name,
		},
	})
	if err != nil {
		return err
	}
	res.Case = c
	return nil
}

func (o *Orchestrator) createClaim(ctx context.Context, req Request, res *Result) error {
	c, err := o.systems.Ledger.CreateClaim(ctx, &claim.Claim{
		PolicyNumber: req.PolicyNumber,
		CaseID:       res.Case.ID,
		Type:         req.ClaimType,
		Status:       "submitted",
		Amount:       claimAmount(req, res),
		Decedent:     req.Decedent,
		Claimant:     req.Claimant,
	})
	if err != nil {
		return err
	}
	res.Claim = c
	return nil
}

func (o *Orchestrator) generateRequirements(ctx context.Context, req Request, res *Result) error {
	if o.requirements == nil {
		return errors.New("no requirement processor configured")
	}
	gen, err := o.requirements.GenerateRequirements(ctx, res.Claim.ID, res.Case.ID, decisionContext(req, res, o.now()))
	if gen != nil {
		res.Requirements = gen.Requirements
		res.Decision = gen.Decision
		res.Warnings = append(res.Warnings, gen.Warnings...)
	}
	return err
}

func (o *Orchestrator) evaluateRouting(ctx context.Context, req Request, res *Result) (err error) {
	if o.router == nil {
		return errors.New("no router configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("routing panic: %v", r)
		}
	}()

	path, result := o.router.Route(routing.Input{
		ClaimID:                 res.Claim.ID,
		ClaimAmount:             res.Claim.Amount,
		Policy:                  res.Policy,
		DeathVerification:       res.DeathVerification,
		BeneficiaryVerification: req.BeneficiaryVerification,
		Anomalies:               req.Anomalies,
	})
	res.Routing = result
	res.Path = path

	patch := map[string]any{"routingPath": path}
	if result != nil {
		patch["routingScore"] = result.Score
	}
	updated, err := o.systems.Ledger.UpdateClaim(ctx, res.Claim.ID, patch)
	if err != nil {
		res.Path = claim.PathStandard
		return fmt.Errorf("record routing decision: %w", err)
	}
	res.Claim = updated
	return nil
}

func (o *Orchestrator) assign(ctx context.Context, _ Request, res *Result) error {
	queue := o.cfg.StandardQueue
	if res.Path == claim.PathFastTrack {
		queue = o.cfg.FastTrackQueue
	}
	c, err := o.systems.Cases.UpdateCase(ctx, res.Case.ID, map[string]any{
		"queue":   queue,
		"status":  "assigned",
		"claimId": res.Claim.ID,
	})
	if err != nil {
		return err
	}
	res.Case = c
	res.Queue = queue
	return nil
}

func casePriority(req Request) string {
	if claim.HighestSeverity(req.Anomalies) == claim.SeverityHigh {
		return "high"
	}
	return "normal"
}

func claimAmount(req Request, res *Result) float64 {
	if req.Amount > 0 || res.Benefit == nil {
		return req.Amount
	}
	return res.Benefit.TotalAmount
}

// decisionContext builds the decision table context from what the saga has
// gathered so far.
func decisionContext(req Request, res *Result, now time.Time) rules.Context {
	dc := rules.Context{
		AsOf: now,
		Claim: rules.ClaimFacts{
			Type:                  req.ClaimType,
			Amount:                res.Claim.Amount,
			CauseOfDeath:          req.Decedent.CauseOfDeath,
			ClaimantType:          req.Claimant.Type,
			ClaimantIsBeneficiary: rules.Bool(req.Claimant.IsBeneficiary),
		},
		Policy: rules.PolicyFacts{
			Number: req.PolicyNumber,
			Found:  rules.Bool(res.Policy != nil),
		},
		DeathVerification:       res.DeathVerification,
		BeneficiaryVerification: req.BeneficiaryVerification,
		Anomalies:               req.Anomalies,
	}
	if p := res.Policy; p != nil {
		dc.Policy.Status = p.Status
		dc.Policy.IssueDate = p.IssueDate
		dc.Policy.FaceAmount = p.FaceAmount
	}
	return dc
}
