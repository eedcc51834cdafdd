package claim

import "time"

// RequirementType identifies the kind of evidence or action a requirement asks for.
type RequirementType string

const (
	RequirementDeathCertificate       RequirementType = "death_certificate"
	RequirementClaimantStatement      RequirementType = "claimant_statement"
	RequirementProofOfIdentity        RequirementType = "proof_of_identity"
	RequirementPolicyDocuments        RequirementType = "policy_documents"
	RequirementMedicalRecords         RequirementType = "medical_records"
	RequirementPhysicianStatement     RequirementType = "physician_statement"
	RequirementAutopsyReport          RequirementType = "autopsy_report"
	RequirementBeneficiaryDesignation RequirementType = "beneficiary_designation"
	RequirementTaxForm                RequirementType = "tax_form"
	RequirementBankingInformation     RequirementType = "banking_information"
	RequirementPowerOfAttorney        RequirementType = "power_of_attorney"
	RequirementCourtDocuments         RequirementType = "court_documents"
	RequirementPoliceReport           RequirementType = "police_report"
	RequirementToxicologyReport       RequirementType = "toxicology_report"
)

// KnownRequirementTypes lists every requirement type the system understands.
var KnownRequirementTypes = []RequirementType{
	RequirementDeathCertificate,
	RequirementClaimantStatement,
	RequirementProofOfIdentity,
	RequirementPolicyDocuments,
	RequirementMedicalRecords,
	RequirementPhysicianStatement,
	RequirementAutopsyReport,
	RequirementBeneficiaryDesignation,
	RequirementTaxForm,
	RequirementBankingInformation,
	RequirementPowerOfAttorney,
	RequirementCourtDocuments,
	RequirementPoliceReport,
	RequirementToxicologyReport,
}

// IsKnown reports whether t is one of KnownRequirementTypes.
func (t RequirementType) IsKnown() bool {
	for _, k := range KnownRequirementTypes {
		if k == t {
			return true
		}
	}
	return false
}

// RequirementLevel says whether a requirement blocks claim completion.
type RequirementLevel string

const (
	LevelMandatory RequirementLevel = "mandatory"
	LevelOptional  RequirementLevel = "optional"
)

// IsValid reports whether l is mandatory or optional.
func (l RequirementLevel) IsValid() bool {
	return l == LevelMandatory || l == LevelOptional
}

// RequirementStatus is the lifecycle state of a requirement.
type RequirementStatus string

const (
	StatusPending    RequirementStatus = "pending"
	StatusInReview   RequirementStatus = "in_review"
	StatusSatisfied  RequirementStatus = "satisfied"
	StatusRejected   RequirementStatus = "rejected"
	StatusWaived     RequirementStatus = "waived"
	StatusOverridden RequirementStatus = "overridden"
)

// AllStatuses lists requirement statuses in lifecycle order.
var AllStatuses = []RequirementStatus{
	StatusPending,
	StatusInReview,
	StatusSatisfied,
	StatusRejected,
	StatusWaived,
	StatusOverridden,
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s RequirementStatus) IsTerminal() bool {
	return s == StatusSatisfied || s == StatusWaived || s == StatusOverridden
}

var requirementTransitions = map[RequirementStatus][]RequirementStatus{
	StatusPending:  {StatusInReview, StatusSatisfied, StatusRejected, StatusWaived, StatusOverridden},
	StatusInReview: {StatusSatisfied, StatusRejected},
	StatusRejected: {StatusInReview},
}

// CanTransition reports whether a requirement may move from s to next.
func (s RequirementStatus) CanTransition(next RequirementStatus) bool {
	for _, allowed := range requirementTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SatisfactionMethod records how a requirement reached the satisfied state.
type SatisfactionMethod string

const (
	MethodAutomatic SatisfactionMethod = "automatic"
	MethodManual    SatisfactionMethod = "manual"
)

// Resolution stamps who moved a requirement into a terminal or rejected state and why.
type Resolution struct {
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Satisfaction describes the evidence that satisfied a requirement.
type Satisfaction struct {
	Method     SatisfactionMethod `json:"method"`
	DocumentID string             `json:"documentId,omitempty"`
	Confidence float64            `json:"confidence,omitempty"`
	Extracted  map[string]any     `json:"extracted,omitempty"`
	Resolution
}

// Requirement is a unit of evidence or action needed to adjudicate a claim.
type Requirement struct {
	ID          string            `json:"id"`
	ClaimID     string            `json:"claimId"`
	Type        RequirementType   `json:"type"`
	Level       RequirementLevel  `json:"level"`
	Status      RequirementStatus `json:"status"`
	Description string            `json:"description"`
	DueDate     *time.Time        `json:"dueDate,omitempty"`
	SourceRule  string            `json:"sourceRule,omitempty"`
	DocumentIDs []string          `json:"documentIds"`
	TaskID      string            `json:"taskId,omitempty"`

	Waived     bool `json:"waived"`
	Overridden bool `json:"overridden"`

	Satisfaction *Satisfaction `json:"satisfaction,omitempty"`
	Waiver       *Resolution   `json:"waiver,omitempty"`
	Override     *Resolution   `json:"override,omitempty"`
	Rejection    *Resolution   `json:"rejection,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsSatisfied holds iff the status is satisfied or the requirement was waived or overridden.
func (r *Requirement) IsSatisfied() bool {
	return r.Status == StatusSatisfied || r.Waived || r.Overridden
}

// IsMandatory reports whether the requirement blocks completion.
func (r *Requirement) IsMandatory() bool {
	return r.Level == LevelMandatory
}

// IsOverdue holds when a due date is set, has passed at now, and the requirement is not satisfied.
func (r *Requirement) IsOverdue(now time.Time) bool {
	return r.DueDate != nil && now.After(*r.DueDate) && !r.IsSatisfied()
}

// HasDocument reports whether documentID is already linked.
func (r *Requirement) HasDocument(documentID string) bool {
	for _, id := range r.DocumentIDs {
		if id == documentID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (r *Requirement) Clone() *Requirement {
	if r == nil {
		return nil
	}
	c := *r
	c.DocumentIDs = append([]string(nil), r.DocumentIDs...)
	if r.DueDate != nil {
		d := *r.DueDate
		c.DueDate = &d
	}
	if r.Satisfaction != nil {
		s := *r.Satisfaction
		if r.Satisfaction.Extracted != nil {
			s.Extracted = make(map[string]any, len(r.Satisfaction.Extracted))
			for k, v := range r.Satisfaction.Extracted {
				s.Extracted[k] = v
			}
		}
		c.Satisfaction = &s
	}
	c.Waiver = cloneResolution(r.Waiver)
	c.Override = cloneResolution(r.Override)
	c.Rejection = cloneResolution(r.Rejection)
	return &c
}

func cloneResolution(r *Resolution) *Resolution {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
