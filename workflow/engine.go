// Package workflow runs playbooks: static step graphs executed against a case.
// Steps run in dependency order. Ready steps flagged parallel run together in
// bounded batches. A critical failure ends the run; a non-critical failure
// blocks only the steps that depend on it.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/events"
	"github.com/liamcoop/claims/internal/logger"
	"github.com/liamcoop/claims/sor"
)

// Topics published by the engine.
const (
	TopicStarted       = "workflow.started"
	TopicStepCompleted = "workflow.step.completed"
	TopicStepFailed    = "workflow.step.failed"
	TopicCompleted     = "workflow.completed"
	TopicFailed        = "workflow.failed"
	TopicSuspended     = "workflow.suspended"
	TopicResumed       = "workflow.resumed"
	TopicCancelled     = "workflow.cancelled"
)

const (
	// DefaultMaxParallel bounds a concurrent batch when no limit is configured.
	DefaultMaxParallel = 4

	// DefaultHistorySize is how many finished runs are remembered.
	DefaultHistorySize = 100
)

// ErrNotSuspended is returned by Resume for a run that is not suspended.
var ErrNotSuspended = errors.New("run is not suspended")

type execution struct {
	run      *Run
	playbook *Playbook
	cancel   context.CancelFunc
	resume   chan struct{} // non-nil while suspended
}

// Engine executes playbooks. It is safe for concurrent use; a case has at
// most one active run.
type Engine struct {
	playbooks   map[string]*Playbook
	handlers    map[TaskType]Handler
	cases       sor.CaseTracker
	publisher   events.Publisher
	now         func() time.Time
	maxParallel int
	historySize int

	mu      sync.Mutex
	active  map[string]*execution // case id -> run
	history map[string]*Run       // run id -> finished run
	order   []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets where workflow events go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithCaseTracker opens a case task for every executed step.
func WithCaseTracker(ct sor.CaseTracker) Option {
	return func(e *Engine) { e.cases = ct }
}

// WithMaxParallel caps the size of a concurrent batch. Values <= 0 keep the
// default; 1 runs every step on its own.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithHistorySize sets how many finished runs are kept for GetRun and Retry.
func WithHistorySize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historySize = n
		}
	}
}

// WithHandler replaces the handler for one task type.
func WithHandler(t TaskType, h Handler) Option {
	return func(e *Engine) { e.handlers[t] = h }
}

// WithPlaybook registers an additional playbook or replaces a built-in one.
func WithPlaybook(pb *Playbook) Option {
	return func(e *Engine) { e.playbooks[pb.Type] = pb }
}

// NewEngine creates an engine with the default playbooks and the given
// handlers.
func NewEngine(handlers map[TaskType]Handler, opts ...Option) (*Engine, error) {
	e := &Engine{
		playbooks:   make(map[string]*Playbook),
		handlers:    maps.Clone(handlers),
		now:         time.Now,
		maxParallel: DefaultMaxParallel,
		historySize: DefaultHistorySize,
		active:      make(map[string]*execution),
		history:     make(map[string]*Run),
	}
	if e.handlers == nil {
		e.handlers = make(map[TaskType]Handler)
	}
	for _, pb := range DefaultPlaybooks() {
		e.playbooks[pb.Type] = pb
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, pb := range e.playbooks {
		if err := pb.Validate(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ListPlaybooks returns every registered playbook ordered by type.
func (e *Engine) ListPlaybooks() []*Playbook {
	out := make([]*Playbook, 0, len(e.playbooks))
	for _, pb := range e.playbooks {
		c := *pb
		c.Steps = append([]Step(nil), pb.Steps...)
		out = append(out, &c)
	}
	sortPlaybooks(out)
	return out
}

// GetPlaybookDefinition returns one playbook.
func (e *Engine) GetPlaybookDefinition(playbookType string) (*Playbook, error) {
	pb, ok := e.playbooks[playbookType]
	if !ok {
		return nil, fmt.Errorf("playbook %q: %w", playbookType, ErrUnknownPlaybook)
	}
	c := *pb
	c.Steps = append([]Step(nil), pb.Steps...)
	return &c, nil
}

// ExecutePlaybook runs a playbook for caseID and blocks until the run
// finishes. The returned run is always non-nil once the run started. A
// critical step failure is returned as a *StepError; a cancelled run returns
// the context error.
func (e *Engine) ExecutePlaybook(ctx context.Context, caseID, playbookType string, data map[string]any) (*Run, error) {
	exec, runCtx, err := e.start(ctx, caseID, playbookType, data)
	if err != nil {
		return nil, err
	}
	return e.execute(runCtx, exec)
}

// Start launches a playbook run in the background and returns its initial
// snapshot. The run is detached from ctx's cancellation; use Cancel to stop it.
func (e *Engine) Start(ctx context.Context, caseID, playbookType string, data map[string]any) (*Run, error) {
	exec, runCtx, err := e.start(context.WithoutCancel(ctx), caseID, playbookType, data)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	snapshot := exec.run.clone()
	e.mu.Unlock()

	go func() {
		if _, err := e.execute(runCtx, exec); err != nil {
			logger.Debug("background run ended with error", "run_id", snapshot.ID, "error", err)
		}
	}()
	return snapshot, nil
}

func (e *Engine) start(ctx context.Context, caseID, playbookType string, data map[string]any) (*execution, context.Context, error) {
	pb, ok := e.playbooks[playbookType]
	if !ok {
		return nil, nil, fmt.Errorf("playbook %q: %w", playbookType, ErrUnknownPlaybook)
	}
	run := &Run{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		Playbook:  pb.Type,
		State:     RunInitiated,
		Data:      maps.Clone(data),
		Steps:     []*StepRecord{},
		Errors:    []string{},
		Warnings:  []string{},
		StartedAt: e.now().UTC(),
	}
	if run.Data == nil {
		run.Data = make(map[string]any)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.register(ctx, run, pb)
}

// register makes run the active run of its case. Callers must hold e.mu.
func (e *Engine) register(ctx context.Context, run *Run, pb *Playbook) (*execution, context.Context, error) {
	if _, busy := e.active[run.CaseID]; busy {
		return nil, nil, fmt.Errorf("case %s: %w", run.CaseID, ErrRunActive)
	}
	runCtx, cancel := context.WithCancel(ctx)
	exec := &execution{run: run, playbook: pb, cancel: cancel}
	e.active[run.CaseID] = exec
	return exec, runCtx, nil
}

func (e *Engine) publish(topic string, run *Run, extra map[string]any) {
	if e.publisher == nil {
		return
	}
	payload := map[string]any{
		"runId":    run.ID,
		"caseId":   run.CaseID,
		"playbook": run.Playbook,
	}
	for k, v := range extra {
		payload[k] = v
	}
	e.publisher.Publish(topic, payload)
}

func (e *Engine) execute(ctx context.Context, exec *execution) (*Run, error) {
	defer exec.cancel()
	run := exec.run

	e.mu.Lock()
	run.State = RunInProgress
	run.Attempts++
	attempt := run.Attempts
	e.mu.Unlock()

	logger.Info("playbook run started", "run_id", run.ID, "case_id", run.CaseID, "playbook", run.Playbook, "attempt", attempt)
	e.publish(TopicStarted, run, map[string]any{"attempt": attempt})

	var critical *StepError
	for critical == nil {
		if err := e.checkpoint(ctx, exec); err != nil {
			break
		}
		wave := e.nextWave(exec)
		if len(wave) == 0 {
			break
		}
		critical = e.runWave(ctx, exec, wave)
		if ctx.Err() != nil {
			break
		}
	}
	return e.finish(ctx, exec, critical)
}

// checkpoint blocks while the run is suspended and reports cancellation.
func (e *Engine) checkpoint(ctx context.Context, exec *execution) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.mu.Lock()
		resume := exec.resume
		e.mu.Unlock()
		if resume == nil {
			return nil
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// nextWave returns, in declaration order, the steps whose dependencies have
// all completed or been skipped. Steps behind a failed or blocked dependency
// are recorded as blocked.
func (e *Engine) nextWave(exec *execution) []Step {
	e.mu.Lock()
	defer e.mu.Unlock()

	run := exec.run
	var wave []Step
	for _, s := range exec.playbook.Steps {
		if _, seen := run.status(s.ID); seen {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			st, reached := run.status(dep)
			if !reached {
				ready = false
				break
			}
			if !st.resolved() {
				now := e.now().UTC()
				run.Steps = append(run.Steps, &StepRecord{
					StepID:      s.ID,
					Name:        s.Name,
					TaskType:    s.TaskType,
					Status:      StepBlocked,
					Critical:    s.Critical,
					Reason:      fmt.Sprintf("dependency %s %s", dep, st),
					StartedAt:   now,
					CompletedAt: now,
				})
				run.Warnings = append(run.Warnings, fmt.Sprintf("step %s not run: dependency %s %s", s.ID, dep, st))
				ready = false
				break
			}
		}
		if ready {
			wave = append(wave, s)
		}
	}
	return wave
}

// runWave executes a wave in declaration order, grouping consecutive
// parallel steps into batches of at most maxParallel.
func (e *Engine) runWave(ctx context.Context, exec *execution, wave []Step) *StepError {
	for i := 0; i < len(wave); {
		if err := e.checkpoint(ctx, exec); err != nil {
			return nil
		}
		batch := []Step{wave[i]}
		if wave[i].Parallel {
			for j := i + 1; j < len(wave) && wave[j].Parallel && len(batch) < e.maxParallel; j++ {
				batch = append(batch, wave[j])
			}
		}
		i += len(batch)

		if failure := e.runBatch(ctx, exec, batch); failure != nil {
			return failure
		}
	}
	return nil
}

func (e *Engine) runBatch(ctx context.Context, exec *execution, batch []Step) *StepError {
	if len(batch) == 1 {
		return e.runStep(ctx, exec, batch[0])
	}

	failures := make([]*StepError, len(batch))
	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for i, s := range batch {
		g.Go(func() error {
			failures[i] = e.runStep(ctx, exec, s)
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range failures {
		if f != nil {
			return f
		}
	}
	return nil
}

// runStep executes one step and returns a *StepError only for a critical
// failure.
func (e *Engine) runStep(ctx context.Context, exec *execution, s Step) *StepError {
	run := exec.run

	e.mu.Lock()
	data := maps.Clone(run.Data)
	started := e.now().UTC()
	rec := &StepRecord{
		StepID:    s.ID,
		Name:      s.Name,
		TaskType:  s.TaskType,
		Status:    StepInProgress,
		Critical:  s.Critical,
		StartedAt: started,
	}
	if s.Condition != nil && !s.Condition(data) {
		rec.Status = StepSkipped
		rec.Reason = "condition not met: " + s.When
		rec.CompletedAt = started
		run.Steps = append(run.Steps, rec)
		e.mu.Unlock()
		logger.Debug("step skipped", "run_id", run.ID, "step", s.ID, "reason", rec.Reason)
		return nil
	}
	run.Steps = append(run.Steps, rec)
	e.mu.Unlock()

	taskID := e.openTask(ctx, exec, s)
	out, err := e.callHandler(ctx, StepInput{
		RunID:    run.ID,
		CaseID:   run.CaseID,
		Playbook: run.Playbook,
		Step:     s,
		TaskID:   taskID,
		Data:     data,
	})
	finished := e.now().UTC()

	e.mu.Lock()
	rec.TaskID = taskID
	rec.CompletedAt = finished
	rec.Duration = finished.Sub(started)
	if err == nil {
		rec.Status = StepCompleted
		rec.Output = out
		run.Data[s.ID] = out
		e.mu.Unlock()

		if taskID != "" {
			if cerr := e.cases.CompleteTask(ctx, taskID, "completed by playbook "+run.Playbook); cerr != nil {
				logger.Warn("failed to complete step task", "run_id", run.ID, "task_id", taskID, "error", cerr)
			}
		}
		e.publish(TopicStepCompleted, run, map[string]any{"stepId": s.ID, "taskType": string(s.TaskType)})
		return nil
	}

	stepErr := &StepError{Step: s.ID, Critical: s.Critical, Err: err}
	rec.Status = StepFailed
	rec.Error = err.Error()
	if s.Critical {
		run.Errors = append(run.Errors, stepErr.Error())
	} else {
		run.Warnings = append(run.Warnings, stepErr.Error())
	}
	e.mu.Unlock()

	logger.StepFailed(s.ID, s.Critical, err, "run_id", run.ID, "case_id", run.CaseID)
	e.publish(TopicStepFailed, run, map[string]any{"stepId": s.ID, "critical": s.Critical, "error": err.Error()})
	if s.Critical {
		return stepErr
	}
	return nil
}

func (e *Engine) callHandler(ctx context.Context, in StepInput) (out map[string]any, err error) {
	h, ok := e.handlers[in.Step.TaskType]
	if !ok {
		return nil, fmt.Errorf("no handler for task type %s", in.Step.TaskType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, in)
}

// openTask creates the case task for a step. A failure is recorded as a
// warning and the step still runs.
func (e *Engine) openTask(ctx context.Context, exec *execution, s Step) string {
	if e.cases == nil {
		return ""
	}
	run := exec.run
	task, err := e.cases.CreateTask(ctx, &claim.Task{
		CaseID:    run.CaseID,
		Title:     s.Name,
		Type:      string(s.TaskType),
		Reference: run.ID + "/" + s.ID,
	})
	if err != nil {
		logger.Warn("failed to create step task", "run_id", run.ID, "step", s.ID, "error", err)
		e.mu.Lock()
		run.Warnings = append(run.Warnings, fmt.Sprintf("task for step %s not created, manual task creation required: %v", s.ID, err))
		e.mu.Unlock()
		return ""
	}
	return task.ID
}

func (e *Engine) finish(ctx context.Context, exec *execution, critical *StepError) (*Run, error) {
	run := exec.run

	e.mu.Lock()
	run.CompletedAt = e.now().UTC()
	switch {
	case ctx.Err() != nil:
		run.State = RunCancelled
	case critical != nil:
		run.State = RunFailed
	default:
		run.State = RunCompleted
	}
	run.Success = run.State == RunCompleted
	exec.resume = nil
	delete(e.active, run.CaseID)
	e.remember(run)
	snapshot := run.clone()
	e.mu.Unlock()

	switch run.State {
	case RunFailed:
		logger.Error("playbook run failed", "run_id", run.ID, "case_id", run.CaseID, "step", critical.Step, "error", critical.Err)
		e.publish(TopicFailed, snapshot, map[string]any{"step": critical.Step, "error": critical.Err.Error()})
		return snapshot, critical
	case RunCancelled:
		logger.Info("playbook run cancelled", "run_id", run.ID, "case_id", run.CaseID)
		e.publish(TopicCancelled, snapshot, nil)
		return snapshot, ctx.Err()
	}
	logger.Info("playbook run completed", "run_id", run.ID, "case_id", run.CaseID, "warnings", len(snapshot.Warnings))
	e.publish(TopicCompleted, snapshot, map[string]any{"warnings": len(snapshot.Warnings)})
	return snapshot, nil
}

// remember adds a finished run to the bounded history. Callers must hold e.mu.
func (e *Engine) remember(run *Run) {
	if _, ok := e.history[run.ID]; !ok {
		e.order = append(e.order, run.ID)
	}
	e.history[run.ID] = run
	for len(e.order) > e.historySize {
		delete(e.history, e.order[0])
		e.order = e.order[1:]
	}
}

// Suspend pauses the active run of caseID before its next step. Suspending a
// suspended run is a no-op.
func (e *Engine) Suspend(caseID string) error {
	e.mu.Lock()
	exec, ok := e.active[caseID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("case %s: %w", caseID, ErrRunNotFound)
	}
	if exec.resume != nil {
		e.mu.Unlock()
		return nil
	}
	exec.resume = make(chan struct{})
	exec.run.State = RunSuspended
	run := exec.run
	e.mu.Unlock()

	logger.Info("playbook run suspended", "run_id", run.ID, "case_id", caseID)
	e.publish(TopicSuspended, run, nil)
	return nil
}

// Resume continues a suspended run.
func (e *Engine) Resume(caseID string) error {
	e.mu.Lock()
	exec, ok := e.active[caseID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("case %s: %w", caseID, ErrRunNotFound)
	}
	if exec.resume == nil {
		e.mu.Unlock()
		return fmt.Errorf("case %s: %w", caseID, ErrNotSuspended)
	}
	close(exec.resume)
	exec.resume = nil
	exec.run.State = RunInProgress
	run := exec.run
	e.mu.Unlock()

	logger.Info("playbook run resumed", "run_id", run.ID, "case_id", caseID)
	e.publish(TopicResumed, run, nil)
	return nil
}

// Cancel stops the active run of caseID. Steps already running receive a
// cancelled context; no further steps start.
func (e *Engine) Cancel(caseID string) error {
	e.mu.Lock()
	exec, ok := e.active[caseID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("case %s: %w", caseID, ErrRunNotFound)
	}
	exec.cancel()
	return nil
}

// GetActiveRun returns a snapshot of the active run of caseID.
func (e *Engine) GetActiveRun(caseID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.active[caseID]
	if !ok {
		return nil, false
	}
	return exec.run.clone(), true
}

// GetRun returns a snapshot of an active or remembered run.
func (e *Engine) GetRun(runID string) (*Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if run, ok := e.history[runID]; ok {
		return run.clone(), nil
	}
	for _, exec := range e.active {
		if exec.run.ID == runID {
			return exec.run.clone(), nil
		}
	}
	return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
}

// Retry re-executes a failed run. Completed and skipped steps keep their
// results; everything else runs again.
func (e *Engine) Retry(ctx context.Context, runID string) (*Run, error) {
	e.mu.Lock()
	run, ok := e.history[runID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if run.State != RunFailed {
		e.mu.Unlock()
		return nil, fmt.Errorf("run %s is %s: %w", runID, run.State, ErrNotRetryable)
	}
	pb, ok := e.playbooks[run.Playbook]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("playbook %q: %w", run.Playbook, ErrUnknownPlaybook)
	}

	exec, runCtx, err := e.register(ctx, run, pb)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	kept := make([]*StepRecord, 0, len(run.Steps))
	for _, s := range run.Steps {
		if s.Status.resolved() {
			kept = append(kept, s)
		}
	}
	run.Steps = kept
	run.State = RunRetrying
	run.Success = false
	run.Errors = []string{}
	run.Warnings = []string{}
	run.CompletedAt = time.Time{}
	e.mu.Unlock()

	logger.Info("retrying playbook run", "run_id", runID, "case_id", run.CaseID, "kept_steps", len(kept))
	return e.execute(runCtx, exec)
}
