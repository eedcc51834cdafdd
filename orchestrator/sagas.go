package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/internal/logger"
	"github.com/liamcoop/claims/routing"
	"github.com/liamcoop/claims/workflow"
)

// RequirementOutcome is the result of processing a document for a requirement.
type RequirementOutcome struct {
	Requirement           *claim.Requirement `json:"requirement"`
	Satisfied             bool               `json:"satisfied"`
	AllMandatorySatisfied bool               `json:"allMandatorySatisfied"`
}

// ProcessRequirement links documentID to a requirement, evaluates it and
// checks whether the claim's mandatory requirements are now all satisfied.
func (o *Orchestrator) ProcessRequirement(ctx context.Context, claimID, reqID, documentID string) (*RequirementOutcome, error) {
	if o.requirements == nil {
		return nil, errors.New("no requirement processor configured")
	}
	req, err := o.requirements.LinkDocument(ctx, claimID, reqID, documentID, true)
	if err != nil {
		return nil, &StepError{Step: StepLinkDocument, Err: err}
	}
	complete, err := o.requirements.AllMandatorySatisfied(claimID)
	if err != nil {
		return nil, &StepError{Step: StepCheckComplete, Err: err}
	}

	out := &RequirementOutcome{
		Requirement:           req,
		Satisfied:             req.IsSatisfied(),
		AllMandatorySatisfied: complete,
	}
	if complete {
		logger.Info("all mandatory requirements satisfied", "claim_id", claimID)
		o.publish(TopicRequirementsComplete, map[string]any{"claimId": claimID})
	}
	return out, nil
}

// PaymentRequest describes a disbursement.
type PaymentRequest struct {
	Amount float64 `json:"amount"`
	Payee  string  `json:"payee"`
	Method string  `json:"method,omitempty"`
}

// PaymentResult is the outcome of ExecutePayment.
type PaymentResult struct {
	Payment *claim.Payment `json:"payment"`
	TaxForm *claim.TaxForm `json:"taxForm,omitempty"`
}

// ExecutePayment creates and executes a payment, posts it to the ledger and
// generates a tax form for amounts above the reporting threshold. Any failure
// stops the saga and is returned as a *StepError.
func (o *Orchestrator) ExecutePayment(ctx context.Context, claimID string, pr PaymentRequest) (*PaymentResult, error) {
	if pr.Amount <= 0 {
		return nil, fmt.Errorf("%w: payment amount must be positive", ErrInvalidRequest)
	}
	if pr.Payee == "" {
		return nil, fmt.Errorf("%w: payee is required", ErrInvalidRequest)
	}
	if pr.Method == "" {
		pr.Method = "ach"
	}
	ledger := o.systems.Ledger

	p, err := ledger.CreatePayment(ctx, &claim.Payment{
		ClaimID: claimID,
		Amount:  pr.Amount,
		Payee:   pr.Payee,
		Method:  pr.Method,
	})
	if err != nil {
		return nil, &StepError{Step: StepCreatePayment, Err: err}
	}
	p, err = ledger.ExecutePayment(ctx, p.ID)
	if err != nil {
		return nil, &StepError{Step: StepExecutePayment, Err: err}
	}
	entry := &claim.LedgerEntry{
		ClaimID:     claimID,
		PaymentID:   p.ID,
		Amount:      p.Amount,
		Type:        "death_benefit_payment",
		Description: "payment to " + p.Payee,
		PostedAt:    o.now().UTC(),
	}
	if err := ledger.PostLedgerEntry(ctx, entry); err != nil {
		return nil, &StepError{Step: StepPostLedger, Err: err}
	}

	out := &PaymentResult{Payment: p}
	if p.Amount > o.cfg.TaxReportingThreshold {
		form, err := ledger.GenerateTaxForm(ctx, claimID)
		if err != nil {
			return nil, &StepError{Step: StepGenerateTax, Err: err}
		}
		out.TaxForm = form
	}

	logger.Info("payment executed", "claim_id", claimID, "payment_id", p.ID, "amount", p.Amount, "tax_form", out.TaxForm != nil)
	o.publish(TopicPaymentExecuted, map[string]any{
		"claimId":   claimID,
		"paymentId": p.ID,
		"amount":    p.Amount,
		"taxForm":   out.TaxForm != nil,
	})
	return out, nil
}

// RunPlaybook starts the playbook matching the routing decision in res for
// caseID and returns the run's initial snapshot.
func (o *Orchestrator) RunPlaybook(ctx context.Context, caseID string, res *Result) (*workflow.Run, error) {
	if o.playbooks == nil {
		return nil, errors.New("no playbook runner configured")
	}
	if res == nil || res.Claim == nil {
		return nil, fmt.Errorf("%w: an initiated claim is required", ErrInvalidRequest)
	}

	playbook := workflow.PlaybookStandardClaim
	if res.Path == claim.PathFastTrack {
		playbook = workflow.PlaybookFastTrack
	}
	data := map[string]any{
		workflow.DataClaimID:      res.Claim.ID,
		workflow.DataPolicyNumber: res.Claim.PolicyNumber,
		workflow.DataDateOfDeath:  res.Claim.Decedent.DateOfDeath,
		workflow.DataAmount:       res.Claim.Amount,
		workflow.DataPayee:        res.Claim.Claimant.Name,
	}
	if res.DeathVerification != nil {
		data[workflow.DataDeathVerification] = res.DeathVerification
	}
	if sev := claim.HighestSeverity(res.Anomalies); sev != "" {
		data[workflow.DataAnomalySeverity] = string(sev)
	}
	if res.Routing != nil {
		if c, ok := res.Routing.Criterion(routing.CriterionContestability); ok {
			data[workflow.DataWithinContestability] = !c.Passed
		}
	}
	return o.playbooks.Start(ctx, caseID, playbook, data)
}
