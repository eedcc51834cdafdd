package rules

import (
	"strings"
	"time"

	"github.com/liamcoop/claims/claim"
)

// DefaultContestabilityYears is the contestability window used when a context
// does not say otherwise.
const DefaultContestabilityYears = 2

// ContextVersion identifies the shape of the facts produced by Context.Facts.
const ContextVersion = 1

// ClaimFacts is the claim portion of a decision context. Zero values mean
// "not supplied" and are left out of the facts.
type ClaimFacts struct {
	Type                  claim.ClaimType    `json:"type,omitempty"`
	Amount                float64            `json:"amount,omitempty"`
	CauseOfDeath          string             `json:"causeOfDeath,omitempty"`
	ClaimantType          claim.ClaimantType `json:"claimantType,omitempty"`
	ClaimantIsBeneficiary *bool              `json:"claimantIsBeneficiary,omitempty"`
}

// PolicyFacts is the policy portion of a decision context.
type PolicyFacts struct {
	Number     string    `json:"number,omitempty"`
	Found      *bool     `json:"found,omitempty"`
	Status     string    `json:"status,omitempty"`
	IssueDate  time.Time `json:"issueDate,omitempty"`
	FaceAmount float64   `json:"faceAmount,omitempty"`
	// WithinContestability overrides the value derived from IssueDate.
	WithinContestability *bool `json:"withinContestability,omitempty"`
	ContestabilityYears  int   `json:"contestabilityYears,omitempty"`
}

// Context is everything a rule can look at for one evaluation.
type Context struct {
	ClaimID                 string                         `json:"claimId,omitempty"`
	AsOf                    time.Time                      `json:"asOf,omitempty"`
	Claim                   ClaimFacts                     `json:"claim"`
	Policy                  PolicyFacts                    `json:"policy"`
	DeathVerification       *claim.DeathVerification       `json:"deathVerification,omitempty"`
	BeneficiaryVerification *claim.BeneficiaryVerification `json:"beneficiaryVerification,omitempty"`
	Anomalies               []claim.Anomaly                `json:"anomalies,omitempty"`
	// Extra carries forward-compatible signals that no built-in rule relies on.
	Extra map[string]any `json:"extra,omitempty"`
}

// Bool is a convenience for the tri-state fields in ClaimFacts and PolicyFacts.
func Bool(b bool) *bool {
	return &b
}

// Facts flattens the context into the nested map that field paths and CEL
// expressions read. Only supplied values appear, so a missing field resolves
// to nil.
func (c Context) Facts() map[string]any {
	asOf := c.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	facts := map[string]any{}

	cl := map[string]any{}
	if c.ClaimID != "" {
		cl["id"] = c.ClaimID
	}
	if c.Claim.Type != "" {
		cl["type"] = string(c.Claim.Type)
	}
	if c.Claim.Amount != 0 {
		cl["amount"] = c.Claim.Amount
	}
	if c.Claim.CauseOfDeath != "" {
		// lower-cased so substring rules need not enumerate casings
		cl["causeOfDeath"] = strings.ToLower(c.Claim.CauseOfDeath)
	}
	if c.Claim.ClaimantType != "" {
		cl["claimantType"] = string(c.Claim.ClaimantType)
	}
	if c.Claim.ClaimantIsBeneficiary != nil {
		cl["claimantIsBeneficiary"] = *c.Claim.ClaimantIsBeneficiary
	}
	if len(cl) > 0 {
		facts["claim"] = cl
	}

	p := map[string]any{}
	if c.Policy.Number != "" {
		p["number"] = c.Policy.Number
	}
	if c.Policy.Found != nil {
		p["found"] = *c.Policy.Found
	}
	if c.Policy.Status != "" {
		p["status"] = c.Policy.Status
	}
	if !c.Policy.IssueDate.IsZero() {
		p["issueDate"] = c.Policy.IssueDate
	}
	if c.Policy.FaceAmount != 0 {
		p["faceAmount"] = c.Policy.FaceAmount
	}
	if c.Policy.WithinContestability != nil {
		p["withinContestability"] = *c.Policy.WithinContestability
	} else if !c.Policy.IssueDate.IsZero() {
		years := c.Policy.ContestabilityYears
		if years <= 0 {
			years = DefaultContestabilityYears
		}
		p["withinContestability"] = asOf.Before(c.Policy.IssueDate.AddDate(years, 0, 0))
	}
	if len(p) > 0 {
		facts["policy"] = p
	}

	if dv := c.DeathVerification; dv != nil {
		facts["deathVerification"] = map[string]any{
			"verified":   dv.Verified,
			"confidence": dv.ThreePointMatch.Confidence,
			"threePointMatch": map[string]any{
				"ssn":         dv.ThreePointMatch.SSN,
				"name":        dv.ThreePointMatch.Name,
				"dateOfBirth": dv.ThreePointMatch.DateOfBirth,
				"confidence":  dv.ThreePointMatch.Confidence,
			},
		}
	}

	if bv := c.BeneficiaryVerification; bv != nil {
		facts["beneficiaryVerification"] = map[string]any{
			"verified":   bv.Verified,
			"confidence": bv.Confidence,
		}
	}

	if c.Anomalies != nil {
		codes := make([]any, 0, len(c.Anomalies))
		for _, a := range c.Anomalies {
			codes = append(codes, a.Code)
		}
		highest := claim.HighestSeverity(c.Anomalies)
		facts["anomalies"] = map[string]any{
			"count":           len(c.Anomalies),
			"flagged":         len(c.Anomalies) > 0,
			"highestSeverity": string(highest),
			"highSeverity":    highest == claim.SeverityHigh,
			"codes":           codes,
		}
	}

	if len(c.Extra) > 0 {
		facts["extra"] = c.Extra
	}
	return facts
}

// Lookup resolves a dot-separated path such as "policy.status" in a nested
// map. Any missing segment yields nil.
func Lookup(facts map[string]any, path string) any {
	if path == "" {
		return nil
	}
	var cur any = facts
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}
