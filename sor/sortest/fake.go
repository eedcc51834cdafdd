// Package sortest provides an in-memory stand-in for every system of record,
// with per-method failure injection. It backs tests and local runs without
// collaborator URLs.
package sortest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/sor"
)

// Fake implements every sor collaborator interface in memory. It is safe for
// concurrent use.
type Fake struct {
	mu sync.Mutex

	policies        map[string]claim.Policy
	suspensions     map[string]string
	interestRate    float64
	claims          map[string]*claim.Claim
	payments        map[string]*claim.Payment
	ledger          []claim.LedgerEntry
	taxForms        []claim.TaxForm
	cases           map[string]*claim.Case
	tasks           map[string]*claim.Task
	classifications map[string]claim.Classification
	extractions     map[string]claim.Extraction
	links           map[string][]string
	verification    *claim.DeathVerification

	failures map[string]error
	calls    map[string]int
}

var (
	_ sor.PolicyRegistry = (*Fake)(nil)
	_ sor.ClaimsLedger   = (*Fake)(nil)
	_ sor.CaseTracker    = (*Fake)(nil)
	_ sor.DocumentStore  = (*Fake)(nil)
	_ sor.DeathVerifier  = (*Fake)(nil)
)

// New returns an empty fake whose death verifier reports a verified 100%
// three-point match.
func New() *Fake {
	return &Fake{
		policies:        make(map[string]claim.Policy),
		suspensions:     make(map[string]string),
		claims:          make(map[string]*claim.Claim),
		payments:        make(map[string]*claim.Payment),
		cases:           make(map[string]*claim.Case),
		tasks:           make(map[string]*claim.Task),
		classifications: make(map[string]claim.Classification),
		extractions:     make(map[string]claim.Extraction),
		links:           make(map[string][]string),
		verification: &claim.DeathVerification{
			Verified: true,
			Source:   "fake",
			ThreePointMatch: claim.ThreePointMatch{
				SSN: true, Name: true, DateOfBirth: true, Confidence: 100,
			},
		},
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// Systems returns the fake as every collaborator.
func (f *Fake) Systems() sor.Systems {
	return sor.Systems{Policies: f, Ledger: f, Cases: f, Documents: f, Verifier: f}
}

// FailOn makes every later call to method return err. A nil err clears it.
func (f *Fake) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

// Calls is how many times method was invoked, failures included.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// enter records the call and returns the injected failure, if any. Callers
// must hold f.mu.
func (f *Fake) enter(method string) error {
	f.calls[method]++
	return f.failures[method]
}

// AddPolicy registers a policy.
func (f *Fake) AddPolicy(p claim.Policy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies[p.PolicyNumber] = p
}

// SetInterestRate sets the simple annual rate used for death benefit interest.
func (f *Fake) SetInterestRate(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interestRate = rate
}

// SetDeathVerification replaces the verifier's answer.
func (f *Fake) SetDeathVerification(v claim.DeathVerification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verification = &v
}

// AddDocument registers a document's classification and extracted fields.
func (f *Fake) AddDocument(id, documentType string, confidence float64, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classifications[id] = claim.Classification{DocumentType: documentType, Confidence: confidence}
	f.extractions[id] = claim.Extraction{DocumentID: id, Fields: fields}
}

// Suspension returns the reason a policy was suspended with.
func (f *Fake) Suspension(policyNumber string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.suspensions[policyNumber]
	return reason, ok
}

// Task returns a copy of a created task.
func (f *Fake) Task(id string) (claim.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return claim.Task{}, false
	}
	return *t, true
}

// Tasks returns every task on caseID ordered by id.
func (f *Fake) Tasks(caseID string) []claim.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []claim.Task
	for _, t := range f.tasks {
		if caseID == "" || t.CaseID == caseID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Case returns a copy of a created case.
func (f *Fake) Case(id string) (claim.Case, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cases[id]
	if !ok {
		return claim.Case{}, false
	}
	return *c, true
}

// LedgerEntries returns every posted entry.
func (f *Fake) LedgerEntries() []claim.LedgerEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]claim.LedgerEntry(nil), f.ledger...)
}

// TaxForms returns every generated tax form.
func (f *Fake) TaxForms() []claim.TaxForm {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]claim.TaxForm(nil), f.taxForms...)
}

// Links returns the requirement ids a document was linked to.
func (f *Fake) Links(documentID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.links[documentID]...)
}

func (f *Fake) LookupPolicy(_ context.Context, policyNumber string) (*claim.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("LookupPolicy"); err != nil {
		return nil, err
	}
	p, ok := f.policies[policyNumber]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", policyNumber, sor.ErrNotFound)
	}
	return &p, nil
}

func (f *Fake) SuspendPolicy(_ context.Context, policyNumber string, _ time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SuspendPolicy"); err != nil {
		return err
	}
	p, ok := f.policies[policyNumber]
	if !ok {
		return fmt.Errorf("policy %s: %w", policyNumber, sor.ErrNotFound)
	}
	p.Status = claim.PolicySuspended
	f.policies[policyNumber] = p
	f.suspensions[policyNumber] = reason
	return nil
}

func (f *Fake) CalculateDeathBenefit(_ context.Context, policyNumber string, dateOfDeath time.Time) (*claim.Benefit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CalculateDeathBenefit"); err != nil {
		return nil, err
	}
	p, ok := f.policies[policyNumber]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", policyNumber, sor.ErrNotFound)
	}

	var interest float64
	if f.interestRate > 0 && !dateOfDeath.IsZero() {
		days := time.Since(dateOfDeath).Hours() / 24
		if days > 0 {
			interest = p.FaceAmount * f.interestRate * days / 365
		}
	}
	return &claim.Benefit{
		DeathBenefit: p.FaceAmount,
		Interest:     interest,
		TotalAmount:  p.FaceAmount + interest,
	}, nil
}

func (f *Fake) CreateClaim(_ context.Context, in *claim.Claim) (*claim.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateClaim"); err != nil {
		return nil, err
	}
	c := *in
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ClaimNumber == "" {
		c.ClaimNumber = fmt.Sprintf("CLM-%06d", len(f.claims)+1)
	}
	if c.Status == "" {
		c.Status = "open"
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	f.claims[c.ID] = &c
	out := c
	return &out, nil
}

func (f *Fake) GetClaim(_ context.Context, id string) (*claim.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetClaim"); err != nil {
		return nil, err
	}
	c, ok := f.claims[id]
	if !ok {
		return nil, fmt.Errorf("claim %s: %w", id, sor.ErrNotFound)
	}
	out := *c
	return &out, nil
}

func (f *Fake) UpdateClaim(_ context.Context, id string, patch map[string]any) (*claim.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateClaim"); err != nil {
		return nil, err
	}
	c, ok := f.claims[id]
	if !ok {
		return nil, fmt.Errorf("claim %s: %w", id, sor.ErrNotFound)
	}
	for k, v := range patch {
		switch k {
		case "status":
			c.Status, _ = v.(string)
		case "caseId":
			c.CaseID, _ = v.(string)
		case "routingPath":
			c.RoutingPath, _ = v.(string)
		case "routingScore":
			if n, ok := v.(int); ok {
				c.RoutingScore = n
			}
		}
	}
	c.UpdatedAt = time.Now().UTC()
	out := *c
	return &out, nil
}

func (f *Fake) CreatePayment(_ context.Context, in *claim.Payment) (*claim.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreatePayment"); err != nil {
		return nil, err
	}
	p := *in
	p.ID = uuid.NewString()
	p.Status = "pending"
	f.payments[p.ID] = &p
	out := p
	return &out, nil
}

func (f *Fake) ExecutePayment(_ context.Context, paymentID string) (*claim.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ExecutePayment"); err != nil {
		return nil, err
	}
	p, ok := f.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", paymentID, sor.ErrNotFound)
	}
	p.Status = "executed"
	p.PaidAt = time.Now().UTC()
	out := *p
	return &out, nil
}

func (f *Fake) PostLedgerEntry(_ context.Context, e *claim.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PostLedgerEntry"); err != nil {
		return err
	}
	f.ledger = append(f.ledger, *e)
	return nil
}

func (f *Fake) GenerateTaxForm(_ context.Context, claimID string) (*claim.TaxForm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GenerateTaxForm"); err != nil {
		return nil, err
	}
	form := claim.TaxForm{ID: uuid.NewString(), ClaimID: claimID, Form: "1099-INT"}
	f.taxForms = append(f.taxForms, form)
	return &form, nil
}

func (f *Fake) CreateCase(_ context.Context, in *claim.Case) (*claim.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateCase"); err != nil {
		return nil, err
	}
	c := *in
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = "open"
	}
	f.cases[c.ID] = &c
	out := c
	return &out, nil
}

func (f *Fake) UpdateCase(_ context.Context, id string, patch map[string]any) (*claim.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateCase"); err != nil {
		return nil, err
	}
	c, ok := f.cases[id]
	if !ok {
		return nil, fmt.Errorf("case %s: %w", id, sor.ErrNotFound)
	}
	for k, v := range patch {
		s, _ := v.(string)
		switch k {
		case "status":
			c.Status = s
		case "queue":
			c.Queue = s
		case "assignee":
			c.Assignee = s
		case "priority":
			c.Priority = s
		default:
			if c.Metadata == nil {
				c.Metadata = make(map[string]any)
			}
			c.Metadata[k] = v
		}
	}
	out := *c
	return &out, nil
}

func (f *Fake) CreateTask(_ context.Context, in *claim.Task) (*claim.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateTask"); err != nil {
		return nil, err
	}
	t := *in
	t.ID = uuid.NewString()
	t.Status = "open"
	f.tasks[t.ID] = &t
	out := t
	return &out, nil
}

func (f *Fake) CompleteTask(_ context.Context, id, notes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CompleteTask"); err != nil {
		return err
	}
	t, ok := f.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, sor.ErrNotFound)
	}
	t.Status = "completed"
	t.Notes = notes
	return nil
}

func (f *Fake) ClassifyDocument(_ context.Context, documentID string) (*claim.Classification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ClassifyDocument"); err != nil {
		return nil, err
	}
	c, ok := f.classifications[documentID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", documentID, sor.ErrNotFound)
	}
	return &c, nil
}

func (f *Fake) GetExtractionResults(_ context.Context, documentID string) (*claim.Extraction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetExtractionResults"); err != nil {
		return nil, err
	}
	e, ok := f.extractions[documentID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", documentID, sor.ErrNotFound)
	}
	return &e, nil
}

func (f *Fake) LinkDocumentToRequirement(_ context.Context, documentID, requirementID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("LinkDocumentToRequirement"); err != nil {
		return err
	}
	for _, id := range f.links[documentID] {
		if id == requirementID {
			return nil
		}
	}
	f.links[documentID] = append(f.links[documentID], requirementID)
	return nil
}

func (f *Fake) VerifyDeath(_ context.Context, _ claim.Decedent) (*claim.DeathVerification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("VerifyDeath"); err != nil {
		return nil, err
	}
	v := *f.verification
	if v.VerifiedAt.IsZero() {
		v.VerifiedAt = time.Now().UTC()
	}
	return &v, nil
}
