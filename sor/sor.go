// Package sor defines the systems of record the claim workflow talks to and
// JSON-over-HTTP clients for them.
package sor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/claims/claim"
)

// ErrNotFound is returned when a system of record has no such entity.
var ErrNotFound = errors.New("not found")

// HTTPError is a non-success response from a system of record.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// PolicyRegistry is the policy administration system.
type PolicyRegistry interface {
	LookupPolicy(ctx context.Context, policyNumber string) (*claim.Policy, error)
	SuspendPolicy(ctx context.Context, policyNumber string, date time.Time, reason string) error
	CalculateDeathBenefit(ctx context.Context, policyNumber string, dateOfDeath time.Time) (*claim.Benefit, error)
}

// ClaimsLedger records claims, payments and financial transactions.
type ClaimsLedger interface {
	CreateClaim(ctx context.Context, c *claim.Claim) (*claim.Claim, error)
	GetClaim(ctx context.Context, id string) (*claim.Claim, error)
	UpdateClaim(ctx context.Context, id string, patch map[string]any) (*claim.Claim, error)
	CreatePayment(ctx context.Context, p *claim.Payment) (*claim.Payment, error)
	ExecutePayment(ctx context.Context, paymentID string) (*claim.Payment, error)
	PostLedgerEntry(ctx context.Context, e *claim.LedgerEntry) error
	GenerateTaxForm(ctx context.Context, claimID string) (*claim.TaxForm, error)
}

// CaseTracker is the case and task workflow system.
type CaseTracker interface {
	CreateCase(ctx context.Context, c *claim.Case) (*claim.Case, error)
	UpdateCase(ctx context.Context, id string, patch map[string]any) (*claim.Case, error)
	CreateTask(ctx context.Context, t *claim.Task) (*claim.Task, error)
	CompleteTask(ctx context.Context, id, notes string) error
}

// DocumentStore holds uploaded documents and their classification and
// extraction results.
type DocumentStore interface {
	ClassifyDocument(ctx context.Context, documentID string) (*claim.Classification, error)
	GetExtractionResults(ctx context.Context, documentID string) (*claim.Extraction, error)
	LinkDocumentToRequirement(ctx context.Context, documentID, requirementID string) error
}

// DeathVerifier performs the external three-point death verification.
type DeathVerifier interface {
	VerifyDeath(ctx context.Context, d claim.Decedent) (*claim.DeathVerification, error)
}

// Systems bundles one of each collaborator.
type Systems struct {
	Policies  PolicyRegistry
	Ledger    ClaimsLedger
	Cases     CaseTracker
	Documents DocumentStore
	Verifier  DeathVerifier
}
