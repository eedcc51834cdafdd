package workflow

import (
	"fmt"
	"sort"
)

// TaskType selects the handler that performs a step.
type TaskType string

const (
	TaskVerification   TaskType = "verification"
	TaskDocumentReview TaskType = "document_review"
	TaskCalculation    TaskType = "calculation"
	TaskApproval       TaskType = "approval"
	TaskPayment        TaskType = "payment"
	TaskReview         TaskType = "review"
	TaskInvestigation  TaskType = "investigation"
)

// Playbook types shipped with the engine.
const (
	PlaybookStandardClaim  = "standard_claim"
	PlaybookFastTrack      = "fast_track"
	PlaybookContestedClaim = "contested_claim"
	PlaybookPaymentRelease = "payment_release"
)

// Keys read from a run's data by conditions and the default handlers.
const (
	DataClaimID              = "claimId"
	DataPolicyNumber         = "policyNumber"
	DataDateOfDeath          = "dateOfDeath"
	DataAmount               = "amount"
	DataPayee                = "payee"
	DataApprover             = "approver"
	DataDeathVerification    = "deathVerification"
	DataAnomalySeverity      = "anomalySeverity"
	DataWithinContestability = "withinContestability"
)

// ApprovalLimit is the payment amount above which payment_release asks for
// supervisor approval.
const ApprovalLimit = 250000

// Predicate decides from the run data whether a step applies.
type Predicate func(data map[string]any) bool

// Step is one node of a playbook graph.
type Step struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	TaskType  TaskType  `json:"taskType" yaml:"taskType"`
	DependsOn []string  `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Parallel  bool      `json:"parallel" yaml:"parallel"`
	Critical  bool      `json:"critical" yaml:"critical"`
	When      string    `json:"when,omitempty" yaml:"when,omitempty"`
	Condition Predicate `json:"-" yaml:"-"`
}

// Playbook is a named, static step graph run against one case.
type Playbook struct {
	Type        string `json:"type" yaml:"type"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// Step returns the step with id.
func (p *Playbook) Step(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks that step ids are unique and that every dependency names
// an earlier step, which also rules out cycles.
func (p *Playbook) Validate() error {
	if p.Type == "" {
		return fmt.Errorf("playbook type is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("playbook %s has no steps", p.Type)
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("playbook %s: step id is required", p.Type)
		}
		if seen[s.ID] {
			return fmt.Errorf("playbook %s: duplicate step %q", p.Type, s.ID)
		}
		if s.TaskType == "" {
			return fmt.Errorf("playbook %s: step %q has no task type", p.Type, s.ID)
		}
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("playbook %s: step %q depends on %q which is not an earlier step", p.Type, s.ID, dep)
			}
		}
		seen[s.ID] = true
	}
	return nil
}

func dataBool(data map[string]any, key string) bool {
	b, _ := data[key].(bool)
	return b
}

func dataString(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func dataFloat(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// DefaultPlaybooks returns the built-in playbooks. Every call returns fresh
// values.
func DefaultPlaybooks() []*Playbook {
	return []*Playbook{
		{
			Type:        PlaybookStandardClaim,
			Name:        "Standard claim",
			Description: "Full examiner review of a death claim.",
			Steps: []Step{
				{ID: "verify_death", Name: "Verify death", TaskType: TaskVerification, Critical: true},
				{ID: "review_documents", Name: "Review claim documents", TaskType: TaskDocumentReview,
					DependsOn: []string{"verify_death"}, Parallel: true, Critical: true},
				{ID: "calculate_benefit", Name: "Calculate death benefit", TaskType: TaskCalculation,
					DependsOn: []string{"verify_death"}, Parallel: true, Critical: true},
				{ID: "contestability_review", Name: "Contestability review", TaskType: TaskReview,
					DependsOn: []string{"verify_death"}, Parallel: true,
					When: "policy within contestability period",
					Condition: func(data map[string]any) bool {
						return dataBool(data, DataWithinContestability)
					}},
				{ID: "examiner_review", Name: "Examiner review", TaskType: TaskReview,
					DependsOn: []string{"review_documents", "calculate_benefit"}, Critical: true},
				{ID: "approve_claim", Name: "Approve claim", TaskType: TaskApproval,
					DependsOn: []string{"examiner_review"}, Critical: true},
				{ID: "release_payment", Name: "Release payment", TaskType: TaskPayment,
					DependsOn: []string{"approve_claim"}, Critical: true},
			},
		},
		{
			Type:        PlaybookFastTrack,
			Name:        "Fast track",
			Description: "Accelerated path for claims that cleared the eligibility threshold.",
			Steps: []Step{
				{ID: "verify_death", Name: "Confirm death verification", TaskType: TaskVerification, Critical: true},
				{ID: "review_documents", Name: "Confirm documents in good order", TaskType: TaskDocumentReview,
					DependsOn: []string{"verify_death"}, Parallel: true, Critical: true},
				{ID: "calculate_benefit", Name: "Calculate death benefit", TaskType: TaskCalculation,
					DependsOn: []string{"verify_death"}, Parallel: true, Critical: true},
				{ID: "auto_approve", Name: "Automatic approval", TaskType: TaskApproval,
					DependsOn: []string{"review_documents", "calculate_benefit"}, Critical: true},
				{ID: "release_payment", Name: "Release payment", TaskType: TaskPayment,
					DependsOn: []string{"auto_approve"}, Critical: true},
			},
		},
		{
			Type:        PlaybookContestedClaim,
			Name:        "Contested claim",
			Description: "Claims inside the contestability window or carrying fraud signals.",
			Steps: []Step{
				{ID: "verify_death", Name: "Verify death", TaskType: TaskVerification, Critical: true},
				{ID: "medical_investigation", Name: "Medical records investigation", TaskType: TaskInvestigation,
					DependsOn: []string{"verify_death"}, Parallel: true, Critical: true},
				{ID: "siu_referral", Name: "Special investigations referral", TaskType: TaskInvestigation,
					DependsOn: []string{"verify_death"}, Parallel: true,
					When: "high severity anomaly flagged",
					Condition: func(data map[string]any) bool {
						return dataString(data, DataAnomalySeverity) == "high"
					}},
				{ID: "review_documents", Name: "Review claim documents", TaskType: TaskDocumentReview,
					DependsOn: []string{"verify_death"}, Parallel: true},
				{ID: "legal_review", Name: "Legal review", TaskType: TaskReview,
					DependsOn: []string{"medical_investigation", "siu_referral"}, Critical: true},
				{ID: "calculate_benefit", Name: "Calculate death benefit", TaskType: TaskCalculation,
					DependsOn: []string{"legal_review"}, Critical: true},
				{ID: "approve_claim", Name: "Approve or deny claim", TaskType: TaskApproval,
					DependsOn: []string{"legal_review", "calculate_benefit"}, Critical: true},
			},
		},
		{
			Type:        PlaybookPaymentRelease,
			Name:        "Payment release",
			Description: "Disburse an approved claim.",
			Steps: []Step{
				{ID: "calculate_benefit", Name: "Recalculate benefit with interest", TaskType: TaskCalculation, Critical: true},
				{ID: "supervisor_approval", Name: "Supervisor payment approval", TaskType: TaskApproval,
					DependsOn: []string{"calculate_benefit"}, Critical: true,
					When: fmt.Sprintf("payment amount above %d", ApprovalLimit),
					Condition: func(data map[string]any) bool {
						amount, ok := paymentAmount(data)
						return ok && amount > ApprovalLimit
					}},
				{ID: "release_payment", Name: "Release payment", TaskType: TaskPayment,
					DependsOn: []string{"supervisor_approval"}, Critical: true},
			},
		},
	}
}

// sortPlaybooks orders playbooks by type.
func sortPlaybooks(pbs []*Playbook) {
	sort.Slice(pbs, func(i, j int) bool { return pbs[i].Type < pbs[j].Type })
}
