package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/sor"
)

// StepInput is what a handler sees. Data is a copy of the run data taken
// when the step started, including the outputs of finished steps under
// their step ids.
type StepInput struct {
	RunID    string
	CaseID   string
	Playbook string
	Step     Step
	TaskID   string
	Data     map[string]any
}

// Handler performs one step and returns the output merged into the run
// data under the step id.
type Handler func(ctx context.Context, in StepInput) (map[string]any, error)

// CompletionChecker reports whether a claim's mandatory requirements are all
// satisfied.
type CompletionChecker interface {
	AllMandatorySatisfied(claimID string) (bool, error)
}

// Dependencies are the collaborators used by the default handlers. Any of
// them may be nil; the handlers that need a missing one fail.
type Dependencies struct {
	Policies     sor.PolicyRegistry
	Ledger       sor.ClaimsLedger
	Requirements CompletionChecker
}

var errNotConfigured = errors.New("collaborator not configured")

// DefaultHandlers returns a handler for every task type.
func DefaultHandlers(deps Dependencies) map[TaskType]Handler {
	return map[TaskType]Handler{
		TaskVerification:   verificationHandler,
		TaskDocumentReview: documentReviewHandler(deps.Requirements),
		TaskCalculation:    calculationHandler(deps.Policies),
		TaskApproval:       approvalHandler,
		TaskPayment:        paymentHandler(deps.Ledger),
		TaskReview:         manualTaskHandler,
		TaskInvestigation:  manualTaskHandler,
	}
}

// verificationHandler checks the death verification carried in the run
// data. A missing verification is reported for manual follow-up rather than
// failing the step.
func verificationHandler(_ context.Context, in StepInput) (map[string]any, error) {
	var dv *claim.DeathVerification
	switch v := in.Data[DataDeathVerification].(type) {
	case *claim.DeathVerification:
		dv = v
	case claim.DeathVerification:
		dv = &v
	case map[string]any:
		// run data posted as JSON
		var decoded claim.DeathVerification
		if b, err := json.Marshal(v); err == nil && json.Unmarshal(b, &decoded) == nil {
			dv = &decoded
		}
	}
	if dv == nil {
		return map[string]any{"verified": false, "manualVerification": true}, nil
	}
	if !dv.Verified {
		return nil, fmt.Errorf("death not verified by %s", dv.Source)
	}
	return map[string]any{
		"verified":   true,
		"source":     dv.Source,
		"confidence": dv.ThreePointMatch.Confidence,
	}, nil
}

func documentReviewHandler(checker CompletionChecker) Handler {
	return func(_ context.Context, in StepInput) (map[string]any, error) {
		claimID := dataString(in.Data, DataClaimID)
		if checker == nil || claimID == "" {
			return map[string]any{"reviewed": true, "automated": false}, nil
		}
		ok, err := checker.AllMandatorySatisfied(claimID)
		if err != nil {
			return nil, fmt.Errorf("check requirements: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("claim %s has outstanding mandatory requirements", claimID)
		}
		return map[string]any{"reviewed": true, "automated": true}, nil
	}
}

func calculationHandler(policies sor.PolicyRegistry) Handler {
	return func(ctx context.Context, in StepInput) (map[string]any, error) {
		if policies == nil {
			return nil, fmt.Errorf("policy registry: %w", errNotConfigured)
		}
		policyNumber := dataString(in.Data, DataPolicyNumber)
		if policyNumber == "" {
			return nil, fmt.Errorf("%s is required", DataPolicyNumber)
		}
		dod, err := dataTime(in.Data, DataDateOfDeath)
		if err != nil {
			return nil, err
		}
		b, err := policies.CalculateDeathBenefit(ctx, policyNumber, dod)
		if err != nil {
			return nil, fmt.Errorf("calculate death benefit: %w", err)
		}
		return map[string]any{
			"deathBenefit": b.DeathBenefit,
			"interest":     b.Interest,
			"totalAmount":  b.TotalAmount,
		}, nil
	}
}

func approvalHandler(_ context.Context, in StepInput) (map[string]any, error) {
	approver := dataString(in.Data, DataApprover)
	if approver == "" {
		approver = "system"
	}
	return map[string]any{"approved": true, "approver": approver}, nil
}

func paymentHandler(ledger sor.ClaimsLedger) Handler {
	return func(ctx context.Context, in StepInput) (map[string]any, error) {
		if ledger == nil {
			return nil, fmt.Errorf("claims ledger: %w", errNotConfigured)
		}
		claimID := dataString(in.Data, DataClaimID)
		if claimID == "" {
			return nil, fmt.Errorf("%s is required", DataClaimID)
		}
		amount, ok := paymentAmount(in.Data)
		if !ok || amount <= 0 {
			return nil, fmt.Errorf("no payable amount for claim %s", claimID)
		}

		p, err := ledger.CreatePayment(ctx, &claim.Payment{
			ClaimID: claimID,
			Amount:  amount,
			Payee:   dataString(in.Data, DataPayee),
			Method:  "ach",
		})
		if err != nil {
			return nil, fmt.Errorf("create payment: %w", err)
		}
		p, err = ledger.ExecutePayment(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("execute payment: %w", err)
		}
		return map[string]any{"paymentId": p.ID, "status": p.Status, "amount": p.Amount}, nil
	}
}

// manualTaskHandler covers steps performed by people through the case task
// the engine opened for them.
func manualTaskHandler(_ context.Context, in StepInput) (map[string]any, error) {
	return map[string]any{"taskId": in.TaskID, "taskType": string(in.Step.TaskType)}, nil
}

// paymentAmount prefers the calculated total over the claimed amount.
func paymentAmount(data map[string]any) (float64, bool) {
	if calc, ok := data["calculate_benefit"].(map[string]any); ok {
		if total, ok := dataFloat(calc, "totalAmount"); ok {
			return total, true
		}
	}
	return dataFloat(data, DataAmount)
}

func dataTime(data map[string]any, key string) (time.Time, error) {
	switch v := data[key].(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%s %q is not a date", key, v)
	}
	return time.Time{}, fmt.Errorf("%s is required", key)
}
