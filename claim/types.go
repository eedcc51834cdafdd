// Package claim holds the domain types shared by the claim workflow components:
// requirements, the objects returned by the systems of record, and the
// verification signals consumed by routing and decisioning.
package claim

import "time"

// ClaimType distinguishes the benefit being claimed.
type ClaimType string

const (
	TypeDeath           ClaimType = "death"
	TypeAccidentalDeath ClaimType = "accidental_death"
	TypeTerminalIllness ClaimType = "terminal_illness"
)

// ClaimantType describes who is filing.
type ClaimantType string

const (
	ClaimantIndividual  ClaimantType = "individual"
	ClaimantEstate      ClaimantType = "estate"
	ClaimantTrust       ClaimantType = "trust"
	ClaimantFuneralHome ClaimantType = "funeral_home"
)

// Policy status values returned by the policy registry.
const (
	PolicyInForce   = "in_force"
	PolicyLapsed    = "lapsed"
	PolicySuspended = "suspended"
)

// Routing paths a claim can be placed on.
const (
	PathFastTrack = "fast_track"
	PathStandard  = "standard"
)

// Policy is the registry's view of an insurance policy.
type Policy struct {
	PolicyNumber  string        `json:"policyNumber"`
	Status        string        `json:"status"`
	IssueDate     time.Time     `json:"issueDate"`
	FaceAmount    float64       `json:"faceAmount"`
	InsuredName   string        `json:"insuredName"`
	ProductType   string        `json:"productType,omitempty"`
	Beneficiaries []Beneficiary `json:"beneficiaries,omitempty"`
}

// Beneficiary is a designated payee on a policy.
type Beneficiary struct {
	Name         string  `json:"name"`
	Relationship string  `json:"relationship,omitempty"`
	Percentage   float64 `json:"percentage"`
}

// Benefit is the death benefit calculation for a policy at a date of death.
type Benefit struct {
	DeathBenefit float64 `json:"deathBenefit"`
	Interest     float64 `json:"interest"`
	TotalAmount  float64 `json:"totalAmount"`
}

// Decedent identifies the insured who died.
type Decedent struct {
	Name         string    `json:"name"`
	SSN          string    `json:"ssn,omitempty"`
	DateOfBirth  time.Time `json:"dateOfBirth"`
	DateOfDeath  time.Time `json:"dateOfDeath"`
	CauseOfDeath string    `json:"causeOfDeath,omitempty"`
}

// Claimant identifies the party filing the claim.
type Claimant struct {
	Name          string       `json:"name"`
	Type          ClaimantType `json:"type"`
	IsBeneficiary bool         `json:"isBeneficiary"`
	Email         string       `json:"email,omitempty"`
}

// Claim is the ledger's record of a claim.
type Claim struct {
	ID           string    `json:"id"`
	ClaimNumber  string    `json:"claimNumber,omitempty"`
	PolicyNumber string    `json:"policyNumber"`
	CaseID       string    `json:"caseId,omitempty"`
	Type         ClaimType `json:"type"`
	Status       string    `json:"status"`
	Amount       float64   `json:"amount"`
	Decedent     Decedent  `json:"decedent"`
	Claimant     Claimant  `json:"claimant"`
	RoutingPath  string    `json:"routingPath,omitempty"`
	RoutingScore int       `json:"routingScore,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Case is the workflow tracker's container for an examiner's work on a claim.
type Case struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Status   string         `json:"status"`
	Queue    string         `json:"queue,omitempty"`
	Assignee string         `json:"assignee,omitempty"`
	Priority string         `json:"priority,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Task is a unit of work on a case.
type Task struct {
	ID        string `json:"id"`
	CaseID    string `json:"caseId"`
	Title     string `json:"title"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Notes     string `json:"notes,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// Payment is a disbursement against a claim.
type Payment struct {
	ID      string    `json:"id"`
	ClaimID string    `json:"claimId"`
	Amount  float64   `json:"amount"`
	Payee   string    `json:"payee"`
	Method  string    `json:"method"`
	Status  string    `json:"status"`
	PaidAt  time.Time `json:"paidAt,omitempty"`
}

// LedgerEntry is a financial transaction posted to the claims ledger.
type LedgerEntry struct {
	ClaimID     string    `json:"claimId"`
	PaymentID   string    `json:"paymentId"`
	Amount      float64   `json:"amount"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	PostedAt    time.Time `json:"postedAt"`
}

// TaxForm is a generated tax reporting document for a claim payment.
type TaxForm struct {
	ID      string `json:"id"`
	ClaimID string `json:"claimId"`
	Form    string `json:"form"`
}

// Classification is the document-intelligence verdict for one document.
type Classification struct {
	DocumentType string  `json:"documentType"`
	Confidence   float64 `json:"confidence"`
}

// Extraction holds the fields document intelligence pulled out of a document.
type Extraction struct {
	DocumentID string         `json:"documentId"`
	Fields     map[string]any `json:"fields"`
}

// ThreePointMatch is the SSN/name/date-of-birth concordance check.
type ThreePointMatch struct {
	SSN         bool    `json:"ssn"`
	Name        bool    `json:"name"`
	DateOfBirth bool    `json:"dateOfBirth"`
	Confidence  float64 `json:"confidence"`
}

// DeathVerification is the result of an external death verification.
type DeathVerification struct {
	Verified        bool            `json:"verified"`
	Source          string          `json:"source,omitempty"`
	ThreePointMatch ThreePointMatch `json:"threePointMatch"`
	VerifiedAt      time.Time       `json:"verifiedAt,omitempty"`
}

// BeneficiaryVerification is the result of matching the claimant against the designation.
type BeneficiaryVerification struct {
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
}

// Severity grades an anomaly signal.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Anomaly is a single fraud or irregularity signal.
type Anomaly struct {
	Code        string   `json:"code"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description,omitempty"`
}

// HighestSeverity returns the most severe grade in anomalies, or "" when there are none.
func HighestSeverity(anomalies []Anomaly) Severity {
	var highest Severity
	for _, a := range anomalies {
		switch a.Severity {
		case SeverityHigh:
			return SeverityHigh
		case SeverityMedium:
			highest = SeverityMedium
		case SeverityLow:
			if highest == "" {
				highest = SeverityLow
			}
		}
	}
	return highest
}
