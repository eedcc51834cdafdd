package routing

import (
	"errors"
	"fmt"

	"github.com/liamcoop/claims/claim"
)

// Weights is the maximum score each criterion can award.
type Weights struct {
	DeathVerification float64 `env:"DEATH_VERIFICATION" envDefault:"30" json:"deathVerification"`
	PolicyStatus      float64 `env:"POLICY_STATUS" envDefault:"20" json:"policyStatus"`
	BeneficiaryMatch  float64 `env:"BENEFICIARY_MATCH" envDefault:"25" json:"beneficiaryMatch"`
	Contestability    float64 `env:"CONTESTABILITY" envDefault:"15" json:"contestability"`
	ClaimAmount       float64 `env:"CLAIM_AMOUNT" envDefault:"10" json:"claimAmount"`
	Anomalies         float64 `env:"ANOMALIES" envDefault:"10" json:"anomalies"`
}

// Total is the highest score the weights allow.
func (w Weights) Total() float64 {
	return w.DeathVerification + w.PolicyStatus + w.BeneficiaryMatch +
		w.Contestability + w.ClaimAmount + w.Anomalies
}

// Config holds every routing threshold. The env tags are read with an
// envPrefix of ROUTING_ by internal/config.
type Config struct {
	Weights Weights `envPrefix:"WEIGHT_" json:"weights"`

	// Threshold is the minimum score for the fast-track path.
	Threshold float64 `env:"THRESHOLD" envDefault:"85" json:"threshold"`
	// PassConfidence is the match confidence, in percent, for full credit.
	PassConfidence float64 `env:"PASS_CONFIDENCE" envDefault:"95" json:"passConfidence"`
	// PartialConfidence is where linear partial credit starts.
	PartialConfidence   float64 `env:"PARTIAL_CONFIDENCE" envDefault:"70" json:"partialConfidence"`
	ContestabilityYears int     `env:"CONTESTABILITY_YEARS" envDefault:"2" json:"contestabilityYears"`
	AmountCeiling       float64 `env:"AMOUNT_CEILING" envDefault:"500000" json:"amountCeiling"`
	InForceStatus       string  `env:"IN_FORCE_STATUS" envDefault:"in_force" json:"inForceStatus"`
	// NeutralCredit is the share of the beneficiary weight awarded when no
	// beneficiary verification has been done yet.
	NeutralCredit float64 `env:"NEUTRAL_CREDIT" envDefault:"0.5" json:"neutralCredit"`
	// MediumAnomalyCredit is the share of the anomaly weight awarded when the
	// worst anomaly is medium severity.
	MediumAnomalyCredit float64 `env:"MEDIUM_ANOMALY_CREDIT" envDefault:"0.5" json:"mediumAnomalyCredit"`
}

// DefaultConfig returns the standard routing configuration.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			DeathVerification: 30,
			PolicyStatus:      20,
			BeneficiaryMatch:  25,
			Contestability:    15,
			ClaimAmount:       10,
			Anomalies:         10,
		},
		Threshold:           85,
		PassConfidence:      95,
		PartialConfidence:   70,
		ContestabilityYears: 2,
		AmountCeiling:       500000,
		InForceStatus:       claim.PolicyInForce,
		NeutralCredit:       0.5,
		MediumAnomalyCredit: 0.5,
	}
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	w := c.Weights
	for name, v := range map[string]float64{
		"deathVerification": w.DeathVerification,
		"policyStatus":      w.PolicyStatus,
		"beneficiaryMatch":  w.BeneficiaryMatch,
		"contestability":    w.Contestability,
		"claimAmount":       w.ClaimAmount,
		"anomalies":         w.Anomalies,
	} {
		check(v >= 0, "weight %s must not be negative, got %v", name, v)
	}
	check(c.Threshold >= 0, "threshold must not be negative, got %v", c.Threshold)
	check(c.Threshold <= w.Total(), "threshold %v exceeds the maximum score %v", c.Threshold, w.Total())
	check(c.PartialConfidence >= 0, "partialConfidence must not be negative, got %v", c.PartialConfidence)
	check(c.PartialConfidence < c.PassConfidence, "partialConfidence %v must be below passConfidence %v", c.PartialConfidence, c.PassConfidence)
	check(c.PassConfidence <= 100, "passConfidence must be at most 100, got %v", c.PassConfidence)
	check(c.ContestabilityYears >= 0, "contestabilityYears must not be negative, got %d", c.ContestabilityYears)
	check(c.AmountCeiling >= 0, "amountCeiling must not be negative, got %v", c.AmountCeiling)
	check(c.InForceStatus != "", "inForceStatus cannot be empty")
	check(c.NeutralCredit >= 0 && c.NeutralCredit <= 1, "neutralCredit must be between 0 and 1, got %v", c.NeutralCredit)
	check(c.MediumAnomalyCredit >= 0 && c.MediumAnomalyCredit <= 1, "mediumAnomalyCredit must be between 0 and 1, got %v", c.MediumAnomalyCredit)

	return errors.Join(errs...)
}
