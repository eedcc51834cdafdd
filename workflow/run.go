package workflow

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// RunState is the lifecycle state of a playbook run.
type RunState string

const (
	RunInitiated  RunState = "initiated"
	RunInProgress RunState = "in_progress"
	RunSuspended  RunState = "suspended"
	RunCompleted  RunState = "completed"
	RunFailed     RunState = "failed"
	RunCancelled  RunState = "cancelled"
	RunRetrying   RunState = "retrying"
)

// IsFinished reports whether the run is no longer active.
func (s RunState) IsFinished() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepStatus is the state of one step within a run.
type StepStatus string

const (
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
	StepBlocked    StepStatus = "blocked"
)

// resolved reports whether dependents of a step in this status may run.
func (s StepStatus) resolved() bool {
	return s == StepCompleted || s == StepSkipped
}

var (
	// ErrUnknownPlaybook is returned for a playbook type that is not registered.
	ErrUnknownPlaybook = errors.New("unknown playbook")

	// ErrRunNotFound is returned when no run matches a case or run id.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrRunActive is returned when a case already has an active run.
	ErrRunActive = errors.New("case already has an active run")

	// ErrNotRetryable is returned by Retry for a run that did not fail.
	ErrNotRetryable = errors.New("run is not in a failed state")
)

// StepError reports a step failure.
type StepError struct {
	Step     string
	Critical bool
	Err      error
}

func (e *StepError) Error() string {
	kind := "non-critical"
	if e.Critical {
		kind = "critical"
	}
	return fmt.Sprintf("%s step %s failed: %v", kind, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// StepRecord is what happened to one step.
type StepRecord struct {
	StepID      string         `json:"stepId"`
	Name        string         `json:"name"`
	TaskType    TaskType       `json:"taskType"`
	Status      StepStatus     `json:"status"`
	Critical    bool           `json:"critical"`
	TaskID      string         `json:"taskId,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Error       string         `json:"error,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt"`
	Duration    time.Duration  `json:"duration"`
}

// Run is one execution of a playbook against a case.
type Run struct {
	ID          string         `json:"id"`
	CaseID      string         `json:"caseId"`
	Playbook    string         `json:"playbook"`
	State       RunState       `json:"state"`
	Success     bool           `json:"success"`
	Data        map[string]any `json:"data"`
	Steps       []*StepRecord  `json:"steps"`
	Errors      []string       `json:"errors"`
	Warnings    []string       `json:"warnings"`
	Attempts    int            `json:"attempts"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt,omitempty"`
}

// Step returns the record for stepID, if the step was reached.
func (r *Run) Step(stepID string) (*StepRecord, bool) {
	for _, s := range r.Steps {
		if s.StepID == stepID {
			return s, true
		}
	}
	return nil, false
}

func (r *Run) status(stepID string) (StepStatus, bool) {
	s, ok := r.Step(stepID)
	if !ok {
		return "", false
	}
	return s.Status, true
}

func (r *Run) clone() *Run {
	c := *r
	c.Data = maps.Clone(r.Data)
	c.Steps = make([]*StepRecord, len(r.Steps))
	for i, s := range r.Steps {
		sc := *s
		sc.Output = maps.Clone(s.Output)
		c.Steps[i] = &sc
	}
	c.Errors = append([]string{}, r.Errors...)
	c.Warnings = append([]string{}, r.Warnings...)
	return &c
}
