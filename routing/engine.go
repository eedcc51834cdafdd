// Package routing scores a claim against the fast-track eligibility criteria
// and decides which processing path it takes.
package routing

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/events"
	"github.com/liamcoop/claims/internal/logger"
)

// TopicRoutingEvaluated is published after every eligibility evaluation.
const TopicRoutingEvaluated = "routing.evaluated"

// Criterion names, in evaluation order.
const (
	CriterionDeathVerification = "death_verification"
	CriterionPolicyStatus      = "policy_status"
	CriterionBeneficiaryMatch  = "beneficiary_match"
	CriterionContestability    = "contestability"
	CriterionClaimAmount       = "claim_amount"
	CriterionAnomalies         = "anomalies"
)

// ReasonAllCriteriaMet is the reason given for an eligible claim.
const ReasonAllCriteriaMet = "all criteria met"

// Outcome is how a single criterion was judged.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomePartial Outcome = "partial"
	OutcomeNeutral Outcome = "neutral"
	OutcomeFailed  Outcome = "failed"
)

// Input is what the routing engine looks at. Nil verification pointers and a
// nil Anomalies slice mean the signal was not supplied.
type Input struct {
	ClaimID                 string                         `json:"claimId,omitempty"`
	ClaimAmount             float64                        `json:"claimAmount"`
	Policy                  *claim.Policy                  `json:"policy,omitempty"`
	DeathVerification       *claim.DeathVerification       `json:"deathVerification,omitempty"`
	BeneficiaryVerification *claim.BeneficiaryVerification `json:"beneficiaryVerification,omitempty"`
	Anomalies               []claim.Anomaly                `json:"anomalies,omitempty"`
}

// Criterion is one scored eligibility criterion.
type Criterion struct {
	Name    string  `json:"name"`
	Weight  float64 `json:"weight"`
	Passed  bool    `json:"passed"`
	Outcome Outcome `json:"outcome"`
	Score   int     `json:"score"`
	Detail  string  `json:"detail"`
}

// Result is the eligibility verdict. It is computed fresh on every call.
type Result struct {
	ClaimID     string      `json:"claimId,omitempty"`
	Score       int         `json:"score"`
	MaxScore    int         `json:"maxScore"`
	Threshold   float64     `json:"threshold"`
	Eligible    bool        `json:"eligible"`
	Reason      string      `json:"reason"`
	Criteria    []Criterion `json:"criteria"`
	EvaluatedAt time.Time   `json:"evaluatedAt"`
}

// Criterion returns the named criterion, if present.
func (r *Result) Criterion(name string) (Criterion, bool) {
	for _, c := range r.Criteria {
		if c.Name == name {
			return c, true
		}
	}
	return Criterion{}, false
}

// Path is the processing path the result routes to.
func (r *Result) Path() string {
	if r.Eligible {
		return claim.PathFastTrack
	}
	return claim.PathStandard
}

// Engine evaluates eligibility. Its configuration can be replaced at runtime.
type Engine struct {
	mu        sync.RWMutex
	cfg       Config
	now       func() time.Time
	publisher events.Publisher
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source used for contestability.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sets where routing.evaluated events go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// NewEngine validates cfg and returns an engine using it.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid routing config: %w", err)
	}
	e := &Engine{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetConfig replaces the configuration after validating it. An invalid
// config leaves the current one in place.
func (e *Engine) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid routing config: %w", err)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	logger.Info("Routing config updated", "threshold", cfg.Threshold, "max_score", cfg.Weights.Total())
	return nil
}

// EvaluateEligibility scores every criterion and sums the awarded points.
func (e *Engine) EvaluateEligibility(in Input) *Result {
	cfg := e.Config()
	now := e.now()

	criteria := []Criterion{
		deathVerification(cfg, in.DeathVerification),
		policyStatus(cfg, in.Policy),
		beneficiaryMatch(cfg, in.BeneficiaryVerification),
		contestability(cfg, in.Policy, now),
		claimAmount(cfg, in.ClaimAmount),
		anomalies(cfg, in.Anomalies),
	}

	res := &Result{
		ClaimID:     in.ClaimID,
		MaxScore:    points(cfg.Weights.Total()),
		Threshold:   cfg.Threshold,
		Criteria:    criteria,
		EvaluatedAt: now,
	}
	var unmet []string
	for _, c := range criteria {
		res.Score += c.Score
		if !c.Passed {
			unmet = append(unmet, c.Name)
		}
	}
	res.Eligible = float64(res.Score) >= cfg.Threshold
	if res.Eligible {
		res.Reason = ReasonAllCriteriaMet
	} else {
		res.Reason = "criteria not met: " + strings.Join(unmet, ", ")
	}

	logger.Debug("Eligibility evaluated",
		"claim_id", in.ClaimID,
		"score", res.Score,
		"eligible", res.Eligible)

	if e.publisher != nil {
		e.publisher.Publish(TopicRoutingEvaluated, map[string]any{
			"claimId":  in.ClaimID,
			"score":    res.Score,
			"eligible": res.Eligible,
			"path":     res.Path(),
		})
	}
	return res
}

// Route evaluates eligibility and returns the path with the result.
func (e *Engine) Route(in Input) (string, *Result) {
	res := e.EvaluateEligibility(in)
	return res.Path(), res
}

// points rounds a score to whole points, halves up.
func points(v float64) int {
	return int(math.Floor(v + 0.5))
}

func full(name string, weight float64, detail string) Criterion {
	return Criterion{Name: name, Weight: weight, Passed: true, Outcome: OutcomePassed, Score: points(weight), Detail: detail}
}

func zero(name string, weight float64, detail string) Criterion {
	return Criterion{Name: name, Weight: weight, Outcome: OutcomeFailed, Detail: detail}
}

func fraction(name string, weight, share float64, outcome Outcome, detail string) Criterion {
	return Criterion{Name: name, Weight: weight, Outcome: outcome, Score: points(weight * share), Detail: detail}
}

// confidenceCriterion awards full weight at or above the pass confidence and
// interpolates linearly between the partial and pass confidences.
func confidenceCriterion(cfg Config, name string, weight float64, verified bool, confidence float64) Criterion {
	switch {
	case !verified:
		return zero(name, weight, "not verified")
	case confidence >= cfg.PassConfidence:
		return full(name, weight, fmt.Sprintf("verified with %.0f%% confidence", confidence))
	case confidence >= cfg.PartialConfidence:
		share := (confidence - cfg.PartialConfidence) / (cfg.PassConfidence - cfg.PartialConfidence)
		return fraction(name, weight, share, OutcomePartial,
			fmt.Sprintf("confidence %.0f%% below %.0f%%, partial credit", confidence, cfg.PassConfidence))
	}
	return zero(name, weight, fmt.Sprintf("confidence %.0f%% below %.0f%%", confidence, cfg.PartialConfidence))
}

func deathVerification(cfg Config, dv *claim.DeathVerification) Criterion {
	w := cfg.Weights.DeathVerification
	if dv == nil {
		return zero(CriterionDeathVerification, w, "no death verification")
	}
	return confidenceCriterion(cfg, CriterionDeathVerification, w, dv.Verified, dv.ThreePointMatch.Confidence)
}

func policyStatus(cfg Config, p *claim.Policy) Criterion {
	w := cfg.Weights.PolicyStatus
	if p == nil {
		return zero(CriterionPolicyStatus, w, "no policy")
	}
	if p.Status != cfg.InForceStatus {
		return zero(CriterionPolicyStatus, w, fmt.Sprintf("policy status %q", p.Status))
	}
	return full(CriterionPolicyStatus, w, "policy in force")
}

func beneficiaryMatch(cfg Config, bv *claim.BeneficiaryVerification) Criterion {
	w := cfg.Weights.BeneficiaryMatch
	if bv == nil {
		return fraction(CriterionBeneficiaryMatch, w, cfg.NeutralCredit, OutcomeNeutral, "beneficiary not yet verified")
	}
	return confidenceCriterion(cfg, CriterionBeneficiaryMatch, w, bv.Verified, bv.Confidence)
}

func contestability(cfg Config, p *claim.Policy, now time.Time) Criterion {
	w := cfg.Weights.Contestability
	if p == nil || p.IssueDate.IsZero() {
		return zero(CriterionContestability, w, "policy issue date unknown")
	}
	end := p.IssueDate.AddDate(cfg.ContestabilityYears, 0, 0)
	if now.Before(end) {
		return zero(CriterionContestability, w, fmt.Sprintf("within contestability period until %s", end.Format("2006-01-02")))
	}
	return full(CriterionContestability, w, "outside contestability period")
}

func claimAmount(cfg Config, amount float64) Criterion {
	w := cfg.Weights.ClaimAmount
	if amount > cfg.AmountCeiling {
		return zero(CriterionClaimAmount, w, fmt.Sprintf("amount %.2f exceeds %.2f", amount, cfg.AmountCeiling))
	}
	return full(CriterionClaimAmount, w, "amount within ceiling")
}

func anomalies(cfg Config, signals []claim.Anomaly) Criterion {
	w := cfg.Weights.Anomalies
	if signals == nil {
		return full(CriterionAnomalies, w, "no anomaly signal supplied")
	}
	switch claim.HighestSeverity(signals) {
	case claim.SeverityHigh:
		return zero(CriterionAnomalies, w, "high severity anomaly")
	case claim.SeverityMedium:
		return fraction(CriterionAnomalies, w, cfg.MediumAnomalyCredit, OutcomePartial, "medium severity anomaly")
	}
	return full(CriterionAnomalies, w, "no significant anomalies")
}
