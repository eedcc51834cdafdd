// Package requirements tracks the evidence a claim needs before it can be
// adjudicated. Requirements are generated from the decision table, satisfied
// by linked documents or by an examiner, and queried for completion.
package requirements

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/events"
	"github.com/liamcoop/claims/internal/logger"
	"github.com/liamcoop/claims/rules"
	"github.com/liamcoop/claims/sor"
)

// Topics published by the processor.
const (
	TopicGenerated      = "requirement.generated"
	TopicDocumentLinked = "requirement.document_linked"
	TopicSatisfied      = "requirement.satisfied"
	TopicWaived         = "requirement.waived"
	TopicOverridden     = "requirement.overridden"
	TopicRejected       = "requirement.rejected"
)

// DefaultConfidenceThreshold is the minimum classification confidence for a
// document to satisfy a requirement automatically.
const DefaultConfidenceThreshold = 0.85

var (
	// ErrInvalidTransition is returned when a requirement cannot move to the requested status.
	ErrInvalidTransition = errors.New("invalid requirement status transition")

	// ErrActorRequired is returned when a manual resolution names no actor.
	ErrActorRequired = errors.New("actor is required")
)

// DefaultExpectedDocumentTypes maps each requirement type to the document
// classifications that can satisfy it.
var DefaultExpectedDocumentTypes = map[claim.RequirementType][]string{
	claim.RequirementDeathCertificate:       {"death_certificate"},
	claim.RequirementClaimantStatement:      {"claimant_statement", "claim_form"},
	claim.RequirementProofOfIdentity:        {"proof_of_identity", "drivers_license", "passport", "state_id"},
	claim.RequirementPolicyDocuments:        {"policy_documents", "policy_contract"},
	claim.RequirementMedicalRecords:         {"medical_records"},
	claim.RequirementPhysicianStatement:     {"physician_statement", "attending_physician_statement"},
	claim.RequirementAutopsyReport:          {"autopsy_report", "coroner_report"},
	claim.RequirementBeneficiaryDesignation: {"beneficiary_designation"},
	claim.RequirementTaxForm:                {"tax_form", "w9"},
	claim.RequirementBankingInformation:     {"banking_information", "voided_check", "bank_letter"},
	claim.RequirementPowerOfAttorney:        {"power_of_attorney"},
	claim.RequirementCourtDocuments:         {"court_documents", "letters_testamentary", "court_order"},
	claim.RequirementPoliceReport:           {"police_report"},
	claim.RequirementToxicologyReport:       {"toxicology_report"},
}

// Decider produces the requirement list for a decision context.
type Decider interface {
	Evaluate(c rules.Context) (*rules.DecisionResult, error)
}

// GenerateResult is what GenerateRequirements created.
type GenerateResult struct {
	ClaimID      string                `json:"claimId"`
	Requirements []*claim.Requirement  `json:"requirements"`
	Decision     *rules.DecisionResult `json:"decision"`
	Warnings     []string              `json:"warnings,omitempty"`
}

// Stats summarises a claim's requirements.
type Stats struct {
	Total              int                             `json:"total"`
	Mandatory          int                             `json:"mandatory"`
	Optional           int                             `json:"optional"`
	Satisfied          int                             `json:"satisfied"`
	MandatorySatisfied int                             `json:"mandatorySatisfied"`
	Overdue            int                             `json:"overdue"`
	ByStatus           map[claim.RequirementStatus]int `json:"byStatus"`
	CompletionPercent  int                             `json:"completionPercent"`
}

// Processor owns the lifecycle of every requirement. It is safe for
// concurrent use; operations on one claim are serialised.
type Processor struct {
	store     Store
	decider   Decider
	cases     sor.CaseTracker
	documents sor.DocumentStore
	publisher events.Publisher
	now       func() time.Time
	threshold float64
	expected  map[claim.RequirementType][]string

	locks sync.Map // claim id -> *sync.Mutex
}

// Option configures a Processor.
type Option func(*Processor)

// WithPublisher sets where requirement events go.
func WithPublisher(p events.Publisher) Option {
	return func(pr *Processor) { pr.publisher = p }
}

// WithClock sets the time source for timestamps and overdue checks.
func WithClock(now func() time.Time) Option {
	return func(pr *Processor) { pr.now = now }
}

// WithConfidenceThreshold overrides DefaultConfidenceThreshold.
func WithConfidenceThreshold(t float64) Option {
	return func(pr *Processor) { pr.threshold = t }
}

// WithExpectedDocumentTypes replaces DefaultExpectedDocumentTypes.
func WithExpectedDocumentTypes(m map[claim.RequirementType][]string) Option {
	return func(pr *Processor) { pr.expected = m }
}

// NewProcessor creates a processor. cases and documents may be nil, in which
// case no tasks are created and automatic evaluation finds nothing.
func NewProcessor(store Store, decider Decider, cases sor.CaseTracker, documents sor.DocumentStore, opts ...Option) *Processor {
	p := &Processor{
		store:     store,
		decider:   decider,
		cases:     cases,
		documents: documents,
		now:       time.Now,
		threshold: DefaultConfidenceThreshold,
		expected:  DefaultExpectedDocumentTypes,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) lock(claimID string) func() {
	m, _ := p.locks.LoadOrStore(claimID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (p *Processor) publish(topic string, payload map[string]any) {
	if p.publisher != nil {
		p.publisher.Publish(topic, payload)
	}
}

// GenerateRequirements evaluates the decision table for claimID and tracks
// every returned item whose type the claim does not have yet. A task is
// opened on caseID for each new mandatory requirement; failing to open one is
// a warning and the requirement is still tracked.
func (p *Processor) GenerateRequirements(ctx context.Context, claimID, caseID string, dc rules.Context) (*GenerateResult, error) {
	unlock := p.lock(claimID)
	defer unlock()

	dc.ClaimID = claimID
	decision, err := p.decider.Evaluate(dc)
	if err != nil {
		return nil, fmt.Errorf("evaluate decision table: %w", err)
	}

	existing, err := p.store.List(claimID)
	if err != nil {
		return nil, fmt.Errorf("list requirements: %w", err)
	}
	have := make(map[claim.RequirementType]bool, len(existing))
	for _, r := range existing {
		have[r.Type] = true
	}

	result := &GenerateResult{ClaimID: claimID, Decision: decision, Requirements: []*claim.Requirement{}}
	now := p.now().UTC()
	for _, item := range decision.Requirements {
		if have[item.Type] {
			continue
		}
		req := &claim.Requirement{
			ID:          uuid.NewString(),
			ClaimID:     claimID,
			Type:        item.Type,
			Level:       item.Level,
			Status:      claim.StatusPending,
			Description: item.Description,
			DueDate:     item.DueDate,
			SourceRule:  item.RuleID,
			DocumentIDs: []string{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if req.IsMandatory() {
			if warning := p.openTask(ctx, caseID, req); warning != "" {
				result.Warnings = append(result.Warnings, warning)
			}
		}
		if err := p.store.Add(req); err != nil {
			return result, fmt.Errorf("store requirement %s: %w", req.Type, err)
		}
		have[item.Type] = true
		result.Requirements = append(result.Requirements, req)
	}

	mandatory := 0
	for _, r := range result.Requirements {
		if r.IsMandatory() {
			mandatory++
		}
	}
	logger.Info("requirements generated", "claim_id", claimID, "created", len(result.Requirements), "mandatory", mandatory)
	p.publish(TopicGenerated, map[string]any{
		"claimId":        claimID,
		"count":          len(result.Requirements),
		"mandatoryCount": mandatory,
	})
	return result, nil
}

// openTask creates the case task for req and returns a warning on failure.
func (p *Processor) openTask(ctx context.Context, caseID string, req *claim.Requirement) string {
	if p.cases == nil || caseID == "" {
		return ""
	}
	task, err := p.cases.CreateTask(ctx, &claim.Task{
		CaseID:    caseID,
		Title:     req.Description,
		Type:      "requirement",
		Reference: req.ID,
	})
	if err != nil {
		logger.Warn("failed to create requirement task", "claim_id", req.ClaimID, "requirement_type", req.Type, "error", err)
		return fmt.Sprintf("task for %s not created, manual task creation required: %v", req.Type, err)
	}
	req.TaskID = task.ID
	return ""
}

// LinkDocument attaches documentID to a requirement. Linking the same
// document twice is a no-op. A pending or rejected requirement moves to
// in_review. With autoEvaluate the requirement is then checked for automatic
// satisfaction.
func (p *Processor) LinkDocument(ctx context.Context, claimID, reqID, documentID string, autoEvaluate bool) (*claim.Requirement, error) {
	unlock := p.lock(claimID)
	defer unlock()

	req, err := p.store.Get(claimID, reqID)
	if err != nil {
		return nil, err
	}

	if !req.HasDocument(documentID) {
		req.DocumentIDs = append(req.DocumentIDs, documentID)
		if req.Status == claim.StatusPending || req.Status == claim.StatusRejected {
			req.Status = claim.StatusInReview
		}
		req.UpdatedAt = p.now().UTC()
		if err := p.store.Update(req); err != nil {
			return nil, fmt.Errorf("update requirement: %w", err)
		}

		if p.documents != nil {
			if err := p.documents.LinkDocumentToRequirement(ctx, documentID, reqID); err != nil {
				logger.Warn("failed to record document link", "claim_id", claimID, "requirement_id", reqID,
					"document_id", documentID, "error", err)
			}
		}
		p.publish(TopicDocumentLinked, map[string]any{
			"claimId":       claimID,
			"requirementId": reqID,
			"documentId":    documentID,
		})
	}

	if autoEvaluate && !req.IsSatisfied() {
		if _, err := p.evaluate(ctx, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// EvaluateSatisfaction tries to satisfy a requirement from its linked
// documents. It reports whether the requirement is satisfied afterwards.
func (p *Processor) EvaluateSatisfaction(ctx context.Context, claimID, reqID string) (bool, error) {
	unlock := p.lock(claimID)
	defer unlock()

	req, err := p.store.Get(claimID, reqID)
	if err != nil {
		return false, err
	}
	return p.evaluate(ctx, req)
}

// evaluate satisfies req with the first linked document whose classification
// is an expected type at or above the confidence threshold. req is updated in
// place.
func (p *Processor) evaluate(ctx context.Context, req *claim.Requirement) (bool, error) {
	if req.IsSatisfied() {
		return true, nil
	}
	// A rejected requirement waits for a new document before it can be satisfied.
	if p.documents == nil || !req.Status.CanTransition(claim.StatusSatisfied) {
		return false, nil
	}

	expected := p.expected[req.Type]
	if len(expected) == 0 {
		expected = []string{string(req.Type)}
	}

	for _, docID := range req.DocumentIDs {
		cls, err := p.documents.ClassifyDocument(ctx, docID)
		if err != nil {
			logger.Warn("document classification failed", "claim_id", req.ClaimID, "document_id", docID, "error", err)
			continue
		}
		if !slices.Contains(expected, cls.DocumentType) || cls.Confidence < p.threshold {
			logger.Debug("document does not satisfy requirement", "requirement_id", req.ID, "document_id", docID,
				"document_type", cls.DocumentType, "confidence", cls.Confidence)
			continue
		}

		var fields map[string]any
		if ext, err := p.documents.GetExtractionResults(ctx, docID); err != nil {
			logger.Warn("extraction results unavailable", "claim_id", req.ClaimID, "document_id", docID, "error", err)
		} else {
			fields = ext.Fields
		}

		sat := &claim.Satisfaction{
			Method:     claim.MethodAutomatic,
			DocumentID: docID,
			Confidence: cls.Confidence,
			Extracted:  fields,
			Resolution: claim.Resolution{Actor: "system", Reason: "document " + cls.DocumentType + " accepted"},
		}
		if err := p.transition(ctx, req, claim.StatusSatisfied, func(r *claim.Requirement, ts time.Time) {
			sat.Timestamp = ts
			r.Satisfaction = sat
		}); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// SatisfyRequirement marks a requirement satisfied by an examiner.
func (p *Processor) SatisfyRequirement(ctx context.Context, claimID, reqID, actor, reason string) (*claim.Requirement, error) {
	return p.resolve(ctx, claimID, reqID, actor, reason, claim.StatusSatisfied, func(r *claim.Requirement, res claim.Resolution) {
		r.Satisfaction = &claim.Satisfaction{Method: claim.MethodManual, Resolution: res}
	})
}

// WaiveRequirement waives a requirement.
func (p *Processor) WaiveRequirement(ctx context.Context, claimID, reqID, actor, reason string) (*claim.Requirement, error) {
	return p.resolve(ctx, claimID, reqID, actor, reason, claim.StatusWaived, func(r *claim.Requirement, res claim.Resolution) {
		r.Waived = true
		r.Waiver = &res
	})
}

// OverrideRequirement overrides a requirement.
func (p *Processor) OverrideRequirement(ctx context.Context, claimID, reqID, actor, reason string) (*claim.Requirement, error) {
	return p.resolve(ctx, claimID, reqID, actor, reason, claim.StatusOverridden, func(r *claim.Requirement, res claim.Resolution) {
		r.Overridden = true
		r.Override = &res
	})
}

// RejectRequirement marks the submitted evidence as not in good order. A new
// document moves the requirement back to in_review.
func (p *Processor) RejectRequirement(ctx context.Context, claimID, reqID, actor, reason string) (*claim.Requirement, error) {
	return p.resolve(ctx, claimID, reqID, actor, reason, claim.StatusRejected, func(r *claim.Requirement, res claim.Resolution) {
		r.Rejection = &res
	})
}

func (p *Processor) resolve(ctx context.Context, claimID, reqID, actor, reason string, next claim.RequirementStatus,
	apply func(*claim.Requirement, claim.Resolution)) (*claim.Requirement, error) {
	if actor == "" {
		return nil, ErrActorRequired
	}

	unlock := p.lock(claimID)
	defer unlock()

	req, err := p.store.Get(claimID, reqID)
	if err != nil {
		return nil, err
	}
	err = p.transition(ctx, req, next, func(r *claim.Requirement, ts time.Time) {
		apply(r, claim.Resolution{Actor: actor, Reason: reason, Timestamp: ts})
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

var transitionTopics = map[claim.RequirementStatus]string{
	claim.StatusSatisfied:  TopicSatisfied,
	claim.StatusWaived:     TopicWaived,
	claim.StatusOverridden: TopicOverridden,
	claim.StatusRejected:   TopicRejected,
}

// transition moves req to next, persists it, completes its task when next is
// terminal, and publishes the matching event.
func (p *Processor) transition(ctx context.Context, req *claim.Requirement, next claim.RequirementStatus,
	apply func(*claim.Requirement, time.Time)) error {
	if !req.Status.CanTransition(next) {
		return fmt.Errorf("requirement %s: %s -> %s: %w", req.ID, req.Status, next, ErrInvalidTransition)
	}

	ts := p.now().UTC()
	prev := req.Status
	req.Status = next
	req.UpdatedAt = ts
	apply(req, ts)
	if err := p.store.Update(req); err != nil {
		return fmt.Errorf("update requirement: %w", err)
	}

	if next.IsTerminal() && req.TaskID != "" && p.cases != nil {
		if err := p.cases.CompleteTask(ctx, req.TaskID, fmt.Sprintf("requirement %s %s", req.Type, next)); err != nil {
			logger.Warn("failed to complete requirement task", "claim_id", req.ClaimID, "task_id", req.TaskID, "error", err)
		}
	}

	logger.Info("requirement status changed", "claim_id", req.ClaimID, "requirement_id", req.ID,
		"type", req.Type, "from", prev, "to", next)
	p.publish(transitionTopics[next], map[string]any{
		"claimId":       req.ClaimID,
		"requirementId": req.ID,
		"type":          string(req.Type),
		"status":        string(next),
	})
	return nil
}

// ListRequirements returns a claim's requirements in generation order.
func (p *Processor) ListRequirements(claimID string) ([]*claim.Requirement, error) {
	return p.store.List(claimID)
}

// GetRequirement returns one requirement.
func (p *Processor) GetRequirement(claimID, reqID string) (*claim.Requirement, error) {
	return p.store.Get(claimID, reqID)
}

// AllMandatorySatisfied reports whether every mandatory requirement is
// satisfied. A claim with no mandatory requirements is not complete.
func (p *Processor) AllMandatorySatisfied(claimID string) (bool, error) {
	reqs, err := p.store.List(claimID)
	if err != nil {
		return false, err
	}
	mandatory := 0
	for _, r := range reqs {
		if !r.IsMandatory() {
			continue
		}
		mandatory++
		if !r.IsSatisfied() {
			return false, nil
		}
	}
	return mandatory > 0, nil
}

// GetStats counts a claim's requirements by status and level.
func (p *Processor) GetStats(claimID string) (*Stats, error) {
	reqs, err := p.store.List(claimID)
	if err != nil {
		return nil, err
	}

	now := p.now()
	s := &Stats{ByStatus: make(map[claim.RequirementStatus]int, len(claim.AllStatuses))}
	for _, st := range claim.AllStatuses {
		s.ByStatus[st] = 0
	}
	for _, r := range reqs {
		s.Total++
		s.ByStatus[r.Status]++
		if r.IsMandatory() {
			s.Mandatory++
		} else {
			s.Optional++
		}
		if r.IsSatisfied() {
			s.Satisfied++
			if r.IsMandatory() {
				s.MandatorySatisfied++
			}
		}
		if r.IsOverdue(now) {
			s.Overdue++
		}
	}
	if s.Total > 0 {
		s.CompletionPercent = s.Satisfied * 100 / s.Total
	}
	return s, nil
}
