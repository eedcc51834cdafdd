package rules

import "github.com/liamcoop/claims/claim"

// Thresholds used by the default rule set.
const (
	LargeClaimAmount            = 500000
	TaxReportingAmount          = 600
	BeneficiaryConfidenceFloor  = 80
	DeathCertificateDueInDays   = 30
	defaultRequirementDueInDays = 45
)

func addRequirement(t claim.RequirementType, level claim.RequirementLevel, description string, dueInDays int) Action {
	return Action{
		Type: ActionAddRequirement,
		Requirement: &RequirementTemplate{
			Type:        t,
			Level:       level,
			Description: description,
			DueInDays:   dueInDays,
		},
	}
}

// DefaultRules returns the standard death-claim requirement rules. Every call
// returns fresh values that callers may modify.
func DefaultRules() []*Rule {
	isDeathClaim := Where("claim.type", OpEquals, string(claim.TypeDeath))

	return []*Rule{
		{
			ID:          "escalate-high-severity-anomaly",
			Name:        "Escalate high severity anomalies",
			Description: "Any high severity anomaly sends the claim to special investigations.",
			Priority:    5,
			Enabled:     true,
			Condition:   Where("anomalies.highSeverity", OpEquals, true),
			Actions: []Action{
				{Type: ActionEscalate, Reason: "high severity anomaly flagged"},
			},
		},
		{
			ID:       "death-certificate",
			Name:     "Certified death certificate",
			Priority: 10,
			Enabled:  true,
			Actions: []Action{
				addRequirement(claim.RequirementDeathCertificate, claim.LevelMandatory,
					"Certified copy of the death certificate", DeathCertificateDueInDays),
			},
		},
		{
			ID:       "claimant-statement",
			Name:     "Claimant statement",
			Priority: 20,
			Enabled:  true,
			Actions: []Action{
				addRequirement(claim.RequirementClaimantStatement, claim.LevelMandatory,
					"Completed and signed claimant statement", defaultRequirementDueInDays),
			},
		},
		{
			ID:       "proof-of-identity",
			Name:     "Claimant proof of identity",
			Priority: 30,
			Enabled:  true,
			Actions: []Action{
				addRequirement(claim.RequirementProofOfIdentity, claim.LevelMandatory,
					"Government issued photo identification for the claimant", defaultRequirementDueInDays),
			},
		},
		{
			ID:        "policy-documents",
			Name:      "Policy documents when policy lookup failed",
			Priority:  40,
			Enabled:   true,
			Condition: Where("policy.found", OpEquals, false),
			Actions: []Action{
				addRequirement(claim.RequirementPolicyDocuments, claim.LevelMandatory,
					"Copy of the policy contract or premium notices", defaultRequirementDueInDays),
			},
		},
		{
			ID:       "medical-records",
			Name:     "Medical records within contestability",
			Priority: 50,
			Enabled:  true,
			Condition: And(
				isDeathClaim,
				Where("policy.withinContestability", OpEquals, true),
			),
			Actions: []Action{
				addRequirement(claim.RequirementMedicalRecords, claim.LevelMandatory,
					"Medical records for the two years before policy issue", defaultRequirementDueInDays),
			},
		},
		{
			ID:       "physician-statement",
			Name:     "Attending physician statement for large claims",
			Priority: 60,
			Enabled:  true,
			Condition: And(
				isDeathClaim,
				Where("claim.amount", OpGreaterThan, LargeClaimAmount),
			),
			Actions: []Action{
				addRequirement(claim.RequirementPhysicianStatement, claim.LevelMandatory,
					"Attending physician statement", defaultRequirementDueInDays),
			},
		},
		{
			ID:       "autopsy-report",
			Name:     "Autopsy report for non-natural deaths or anomalies",
			Priority: 70,
			Enabled:  true,
			Condition: Or(
				Where("claim.causeOfDeath", OpContains, "homicide"),
				Where("claim.causeOfDeath", OpContains, "suicide"),
				Where("claim.causeOfDeath", OpContains, "accident"),
				Where("anomalies.flagged", OpEquals, true),
			),
			Actions: []Action{
				addRequirement(claim.RequirementAutopsyReport, claim.LevelMandatory,
					"Autopsy or coroner's report", defaultRequirementDueInDays),
			},
		},
		{
			ID:       "beneficiary-designation",
			Name:     "Beneficiary designation when verification is weak",
			Priority: 80,
			Enabled:  true,
			Condition: Or(
				Where("beneficiaryVerification.verified", OpEquals, false),
				Where("beneficiaryVerification.confidence", OpLessThan, BeneficiaryConfidenceFloor),
			),
			Actions: []Action{
				addRequirement(claim.RequirementBeneficiaryDesignation, claim.LevelMandatory,
					"Beneficiary designation form", defaultRequirementDueInDays),
			},
		},
		{
			ID:        "tax-form",
			Name:      "Tax identification form for reportable amounts",
			Priority:  90,
			Enabled:   true,
			Condition: Where("claim.amount", OpGreaterThanOrEqual, TaxReportingAmount),
			Actions: []Action{
				addRequirement(claim.RequirementTaxForm, claim.LevelMandatory,
					"Completed W-9 taxpayer identification form", defaultRequirementDueInDays),
			},
		},
		{
			ID:       "banking-information",
			Name:     "Banking information for electronic payment",
			Priority: 100,
			Enabled:  true,
			Actions: []Action{
				addRequirement(claim.RequirementBankingInformation, claim.LevelOptional,
					"Bank account details for direct deposit", 0),
			},
		},
		{
			ID:        "power-of-attorney",
			Name:      "Power of attorney when claimant is not the beneficiary",
			Priority:  110,
			Enabled:   true,
			Condition: Where("claim.claimantIsBeneficiary", OpEquals, false),
			Actions: []Action{
				addRequirement(claim.RequirementPowerOfAttorney, claim.LevelMandatory,
					"Power of attorney authorizing the claimant", defaultRequirementDueInDays),
			},
		},
		{
			ID:        "court-documents",
			Name:      "Court documents for estate claimants",
			Priority:  120,
			Enabled:   true,
			Condition: Where("claim.claimantType", OpEquals, string(claim.ClaimantEstate)),
			Actions: []Action{
				addRequirement(claim.RequirementCourtDocuments, claim.LevelMandatory,
					"Letters testamentary or letters of administration", defaultRequirementDueInDays),
			},
		},
	}
}
