package sor

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/liamcoop/claims/claim"
)

const dateLayout = "2006-01-02"

// HTTPPolicyRegistry is the policy administration REST API.
type HTTPPolicyRegistry struct{ c *Client }

// NewHTTPPolicyRegistry returns a PolicyRegistry backed by c.
func NewHTTPPolicyRegistry(c *Client) *HTTPPolicyRegistry { return &HTTPPolicyRegistry{c: c} }

func (r *HTTPPolicyRegistry) LookupPolicy(ctx context.Context, policyNumber string) (*claim.Policy, error) {
	var p claim.Policy
	if err := r.c.Do(ctx, http.MethodGet, "/policies/"+url.PathEscape(policyNumber), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *HTTPPolicyRegistry) SuspendPolicy(ctx context.Context, policyNumber string, date time.Time, reason string) error {
	body := map[string]string{"effectiveDate": date.Format(dateLayout), "reason": reason}
	return r.c.Do(ctx, http.MethodPost, "/policies/"+url.PathEscape(policyNumber)+"/suspend", body, nil)
}

func (r *HTTPPolicyRegistry) CalculateDeathBenefit(ctx context.Context, policyNumber string, dateOfDeath time.Time) (*claim.Benefit, error) {
	var b claim.Benefit
	path := "/policies/" + url.PathEscape(policyNumber) + "/death-benefit?dateOfDeath=" + url.QueryEscape(dateOfDeath.Format(dateLayout))
	if err := r.c.Do(ctx, http.MethodGet, path, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// HTTPClaimsLedger is the claims ledger REST API.
type HTTPClaimsLedger struct{ c *Client }

// NewHTTPClaimsLedger returns a ClaimsLedger backed by c.
func NewHTTPClaimsLedger(c *Client) *HTTPClaimsLedger { return &HTTPClaimsLedger{c: c} }

func (l *HTTPClaimsLedger) CreateClaim(ctx context.Context, in *claim.Claim) (*claim.Claim, error) {
	var out claim.Claim
	if err := l.c.Do(ctx, http.MethodPost, "/claims", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *HTTPClaimsLedger) GetClaim(ctx context.Context, id string) (*claim.Claim, error) {
	var out claim.Claim
	if err := l.c.Do(ctx, http.MethodGet, "/claims/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *HTTPClaimsLedger) UpdateClaim(ctx context.Context, id string, patch map[string]any) (*claim.Claim, error) {
	var out claim.Claim
	if err := l.c.Do(ctx, http.MethodPatch, "/claims/"+url.PathEscape(id), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *HTTPClaimsLedger) CreatePayment(ctx context.Context, in *claim.Payment) (*claim.Payment, error) {
	var out claim.Payment
	if err := l.c.Do(ctx, http.MethodPost, "/payments", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *HTTPClaimsLedger) ExecutePayment(ctx context.Context, paymentID string) (*claim.Payment, error) {
	var out claim.Payment
	if err := l.c.Do(ctx, http.MethodPost, "/payments/"+url.PathEscape(paymentID)+"/execute", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *HTTPClaimsLedger) PostLedgerEntry(ctx context.Context, e *claim.LedgerEntry) error {
	return l.c.Do(ctx, http.MethodPost, "/ledger/entries", e, nil)
}

func (l *HTTPClaimsLedger) GenerateTaxForm(ctx context.Context, claimID string) (*claim.TaxForm, error) {
	var out claim.TaxForm
	if err := l.c.Do(ctx, http.MethodPost, "/claims/"+url.PathEscape(claimID)+"/tax-forms", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HTTPCaseTracker is the case management REST API.
type HTTPCaseTracker struct{ c *Client }

// NewHTTPCaseTracker returns a CaseTracker backed by c.
func NewHTTPCaseTracker(c *Client) *HTTPCaseTracker { return &HTTPCaseTracker{c: c} }

func (t *HTTPCaseTracker) CreateCase(ctx context.Context, in *claim.Case) (*claim.Case, error) {
	var out claim.Case
	if err := t.c.Do(ctx, http.MethodPost, "/cases", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *HTTPCaseTracker) UpdateCase(ctx context.Context, id string, patch map[string]any) (*claim.Case, error) {
	var out claim.Case
	if err := t.c.Do(ctx, http.MethodPatch, "/cases/"+url.PathEscape(id), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *HTTPCaseTracker) CreateTask(ctx context.Context, in *claim.Task) (*claim.Task, error) {
	var out claim.Task
	if err := t.c.Do(ctx, http.MethodPost, "/cases/"+url.PathEscape(in.CaseID)+"/tasks", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *HTTPCaseTracker) CompleteTask(ctx context.Context, id, notes string) error {
	return t.c.Do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/complete", map[string]string{"notes": notes}, nil)
}

// HTTPDocumentStore is the document intelligence REST API.
type HTTPDocumentStore struct{ c *Client }

// NewHTTPDocumentStore returns a DocumentStore backed by c.
func NewHTTPDocumentStore(c *Client) *HTTPDocumentStore { return &HTTPDocumentStore{c: c} }

func (d *HTTPDocumentStore) ClassifyDocument(ctx context.Context, documentID string) (*claim.Classification, error) {
	var out claim.Classification
	if err := d.c.Do(ctx, http.MethodPost, "/documents/"+url.PathEscape(documentID)+"/classify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *HTTPDocumentStore) GetExtractionResults(ctx context.Context, documentID string) (*claim.Extraction, error) {
	var out claim.Extraction
	if err := d.c.Do(ctx, http.MethodGet, "/documents/"+url.PathEscape(documentID)+"/extraction", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *HTTPDocumentStore) LinkDocumentToRequirement(ctx context.Context, documentID, requirementID string) error {
	body := map[string]string{"requirementId": requirementID}
	return d.c.Do(ctx, http.MethodPost, "/documents/"+url.PathEscape(documentID)+"/links", body, nil)
}

// HTTPDeathVerifier is the death verification REST API.
type HTTPDeathVerifier struct{ c *Client }

// NewHTTPDeathVerifier returns a DeathVerifier backed by c.
func NewHTTPDeathVerifier(c *Client) *HTTPDeathVerifier { return &HTTPDeathVerifier{c: c} }

func (v *HTTPDeathVerifier) VerifyDeath(ctx context.Context, d claim.Decedent) (*claim.DeathVerification, error) {
	var out claim.DeathVerification
	if err := v.c.Do(ctx, http.MethodPost, "/verifications/death", d, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
