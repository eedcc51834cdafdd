package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/events"
	"github.com/liamcoop/claims/sor/sortest"
)

// stubHandlers returns a handler per task type that records the step ids it
// ran, in order.
type stubHandlers struct {
	mu    sync.Mutex
	order []string
	fail  map[string]error
}

func newStubHandlers() *stubHandlers {
	return &stubHandlers{fail: make(map[string]error)}
}

func (s *stubHandlers) handle(_ context.Context, in StepInput) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, in.Step.ID)
	if err := s.fail[in.Step.ID]; err != nil {
		return nil, err
	}
	return map[string]any{"ran": in.Step.ID}, nil
}

func (s *stubHandlers) ran() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *stubHandlers) all() map[TaskType]Handler {
	out := make(map[TaskType]Handler)
	for _, t := range []TaskType{TaskVerification, TaskDocumentReview, TaskCalculation, TaskApproval, TaskPayment, TaskReview, TaskInvestigation} {
		out[t] = s.handle
	}
	return out
}

func chainPlaybook() *Playbook {
	return &Playbook{
		Type: "chain",
		Name: "Chain",
		Steps: []Step{
			{ID: "A", Name: "A", TaskType: TaskVerification, Critical: true},
			{ID: "B", Name: "B", TaskType: TaskReview, DependsOn: []string{"A"}, Critical: true},
			{ID: "C", Name: "C", TaskType: TaskReview},
		},
	}
}

func newTestEngine(t *testing.T, h *stubHandlers, opts ...Option) (*Engine, *events.Recorder) {
	t.Helper()
	rec := events.NewRecorder()
	opts = append([]Option{WithPublisher(rec)}, opts...)
	e, err := NewEngine(h.all(), opts...)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return e, rec
}

func TestCriticalFailureAbortsRun(t *testing.T) {
	h := newStubHandlers()
	h.fail["A"] = errors.New("verification service rejected the request")
	e, rec := newTestEngine(t, h, WithPlaybook(chainPlaybook()))

	run, err := e.ExecutePlaybook(context.Background(), "CASE-1", "chain", nil)

	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "A" || !stepErr.Critical {
		t.Fatalf("ExecutePlaybook() error = %v, want critical StepError for A", err)
	}
	if run.State != RunFailed || run.Success {
		t.Errorf("state = %s success = %v, want failed", run.State, run.Success)
	}
	if _, ok := run.Step("B"); ok {
		t.Error("step B should never be reached")
	}
	if len(run.Errors) != 1 || !strings.Contains(run.Errors[0], "A") {
		t.Errorf("errors = %v, want one entry for A", run.Errors)
	}
	if got := h.ran(); len(got) != 1 || got[0] != "A" {
		t.Errorf("ran = %v, want only A", got)
	}
	if len(rec.Topic(TopicFailed)) != 1 || len(rec.Topic(TopicCompleted)) != 0 {
		t.Error("expected exactly one workflow.failed event")
	}
	if _, ok := e.GetActiveRun("CASE-1"); ok {
		t.Error("failed run still registered as active")
	}
}

func TestNonCriticalFailureBlocksDependentsOnly(t *testing.T) {
	h := newStubHandlers()
	h.fail["review"] = errors.New("examiner unavailable")
	pb := &Playbook{
		Type: "soft",
		Steps: []Step{
			{ID: "review", Name: "Review", TaskType: TaskReview},
			{ID: "after_review", Name: "After review", TaskType: TaskReview, DependsOn: []string{"review"}},
			{ID: "independent", Name: "Independent", TaskType: TaskCalculation, Critical: true},
		},
	}
	e, _ := newTestEngine(t, h, WithPlaybook(pb))

	run, err := e.ExecutePlaybook(context.Background(), "CASE-1", "soft", nil)
	if err != nil {
		t.Fatalf("ExecutePlaybook() failed: %v", err)
	}
	if run.State != RunCompleted || !run.Success {
		t.Errorf("state = %s, want completed", run.State)
	}

	want := map[string]StepStatus{"review": StepFailed, "after_review": StepBlocked, "independent": StepCompleted}
	for id, status := range want {
		rec, ok := run.Step(id)
		if !ok || rec.Status != status {
			t.Errorf("step %s = %+v, want %s", id, rec, status)
		}
	}
	if len(run.Errors) != 0 {
		t.Errorf("errors = %v, want none", run.Errors)
	}
	if len(run.Warnings) != 2 {
		t.Errorf("warnings = %v, want the failure and the blocked step", run.Warnings)
	}
}

func TestDependencyOrderAndConditions(t *testing.T) {
	h := newStubHandlers()
	e, _ := newTestEngine(t, h, WithMaxParallel(1))

	run, err := e.ExecutePlaybook(context.Background(), "CASE-1", PlaybookStandardClaim, map[string]any{
		DataWithinContestability: false,
	})
	if err != nil {
		t.Fatalf("ExecutePlaybook() failed: %v", err)
	}

	want := []string{"verify_death", "review_documents", "calculate_benefit", "examiner_review", "approve_claim", "release_payment"}
	got := h.ran()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ran = %v, want %v", got, want)
	}
	skipped, ok := run.Step("contestability_review")
	if !ok || skipped.Status != StepSkipped || skipped.Reason == "" {
		t.Errorf("contestability_review = %+v, want skipped with reason", skipped)
	}
	if out, ok := run.Data["verify_death"].(map[string]any); !ok || out["ran"] != "verify_death" {
		t.Errorf("step output not merged into data: %v", run.Data)
	}
}

func TestParallelStepsRunConcurrently(t *testing.T) {
	var inflight, peak atomic.Int32
	release := make(chan struct{})
	started := make(chan string, 3)

	slow := func(_ context.Context, in StepInput) (map[string]any, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		started <- in.Step.ID
		<-release
		inflight.Add(-1)
		return nil, nil
	}
	pb := &Playbook{
		Type: "fan_out",
		Steps: []Step{
			{ID: "a", TaskType: TaskReview, Parallel: true},
			{ID: "b", TaskType: TaskReview, Parallel: true},
			{ID: "c", TaskType: TaskReview, Parallel: true},
		},
	}
	e, err := NewEngine(map[TaskType]Handler{TaskReview: slow}, WithPlaybook(pb), WithMaxParallel(2))
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	done := make(chan *Run)
	go func() {
		run, _ := e.ExecutePlaybook(context.Background(), "CASE-1", "fan_out", nil)
		done <- run
	}()

	<-started
	<-started
	select {
	case id := <-started:
		t.Fatalf("step %s started beyond the parallel limit", id)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	run := <-done
	if run.State != RunCompleted {
		t.Errorf("state = %s, want completed", run.State)
	}
	if peak.Load() != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak.Load())
	}
}

func TestSuspendResumeCancel(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int32
	blocking := func(ctx context.Context, in StepInput) (map[string]any, error) {
		calls.Add(1)
		if in.Step.ID == "A" {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, nil
	}
	handlers := map[TaskType]Handler{TaskVerification: blocking, TaskReview: blocking}

	t.Run("suspend and resume", func(t *testing.T) {
		rec := events.NewRecorder()
		e, err := NewEngine(handlers, WithPlaybook(chainPlaybook()), WithPublisher(rec))
		if err != nil {
			t.Fatalf("NewEngine() failed: %v", err)
		}
		calls.Store(0)
		gate = make(chan struct{})

		done := make(chan *Run)
		go func() {
			run, _ := e.ExecutePlaybook(context.Background(), "CASE-1", "chain", nil)
			done <- run
		}()
		waitFor(t, func() bool { return calls.Load() == 1 })

		if err := e.Suspend("CASE-1"); err != nil {
			t.Fatalf("Suspend() failed: %v", err)
		}
		close(gate)
		time.Sleep(20 * time.Millisecond)
		if calls.Load() != 1 {
			t.Fatal("a step started while the run was suspended")
		}
		active, ok := e.GetActiveRun("CASE-1")
		if !ok || active.State != RunSuspended {
			t.Fatalf("active run = %+v, want suspended", active)
		}

		if err := e.Resume("CASE-1"); err != nil {
			t.Fatalf("Resume() failed: %v", err)
		}
		run := <-done
		if run.State != RunCompleted || calls.Load() != 3 {
			t.Errorf("state = %s after %d calls, want completed after 3", run.State, calls.Load())
		}
		if len(rec.Topic(TopicSuspended)) != 1 || len(rec.Topic(TopicResumed)) != 1 {
			t.Error("expected suspended and resumed events")
		}
		if err := e.Resume("CASE-1"); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("Resume() after completion = %v, want ErrRunNotFound", err)
		}
	})

	t.Run("cancel", func(t *testing.T) {
		e, err := NewEngine(handlers, WithPlaybook(chainPlaybook()))
		if err != nil {
			t.Fatalf("NewEngine() failed: %v", err)
		}
		calls.Store(0)
		gate = make(chan struct{})

		done := make(chan error)
		var run *Run
		go func() {
			var err error
			run, err = e.ExecutePlaybook(context.Background(), "CASE-2", "chain", nil)
			done <- err
		}()
		waitFor(t, func() bool { return calls.Load() == 1 })

		if err := e.Cancel("CASE-2"); err != nil {
			t.Fatalf("Cancel() failed: %v", err)
		}
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("ExecutePlaybook() = %v, want context.Canceled", err)
		}
		if run.State != RunCancelled {
			t.Errorf("state = %s, want cancelled", run.State)
		}
		if _, ok := run.Step("B"); ok {
			t.Error("step B ran after cancellation")
		}
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRetryFailedRun(t *testing.T) {
	h := newStubHandlers()
	h.fail["B"] = errors.New("temporary outage")
	e, _ := newTestEngine(t, h, WithPlaybook(chainPlaybook()))
	ctx := context.Background()

	first, err := e.ExecutePlaybook(ctx, "CASE-1", "chain", nil)
	if err == nil || first.State != RunFailed {
		t.Fatalf("first run = %s, %v; want failed", first.State, err)
	}

	if _, err := e.Retry(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Retry(missing) = %v, want ErrRunNotFound", err)
	}

	delete(h.fail, "B")
	second, err := e.Retry(ctx, first.ID)
	if err != nil {
		t.Fatalf("Retry() failed: %v", err)
	}
	if second.ID != first.ID || second.State != RunCompleted || second.Attempts != 2 {
		t.Errorf("retried run = %s/%s attempts %d", second.ID, second.State, second.Attempts)
	}
	// Only B runs again.
	if got := strings.Join(h.ran(), ","); got != "A,C,B,B" {
		t.Errorf("ran = %s, want A,C,B,B", got)
	}
	if _, err := e.Retry(ctx, first.ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Retry() of a completed run = %v, want ErrNotRetryable", err)
	}
}

func TestRetryOnBusyCaseKeepsFailedRun(t *testing.T) {
	h := newStubHandlers()
	h.fail["B"] = errors.New("outage")
	var hold atomic.Bool
	gate := make(chan struct{})
	handlers := h.all()
	handlers[TaskVerification] = func(ctx context.Context, in StepInput) (map[string]any, error) {
		if hold.Load() {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return h.handle(ctx, in)
	}
	e, err := NewEngine(handlers, WithPlaybook(chainPlaybook()))
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	ctx := context.Background()

	first, err := e.ExecutePlaybook(ctx, "CASE-1", "chain", nil)
	if err == nil || first.State != RunFailed {
		t.Fatalf("first run = %s, %v; want failed", first.State, err)
	}
	wantSteps := len(first.Steps)
	wantErrors := strings.Join(first.Errors, ";")

	hold.Store(true)
	started, err := e.Start(ctx, "CASE-1", "chain", nil)
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if started.State != RunInitiated || string(started.State) != "initiated" {
		t.Errorf("started run state = %s, want initiated", started.State)
	}
	waitFor(t, func() bool {
		active, ok := e.GetActiveRun("CASE-1")
		if !ok {
			return false
		}
		a, ok := active.Step("A")
		return ok && a.Status == StepInProgress
	})
	if _, err := e.Retry(ctx, first.ID); !errors.Is(err, ErrRunActive) {
		t.Errorf("Retry() on a busy case = %v, want ErrRunActive", err)
	}

	got, err := e.GetRun(first.ID)
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if got.State != RunFailed || len(got.Steps) != wantSteps || strings.Join(got.Errors, ";") != wantErrors {
		t.Errorf("failed run after refused retry = %s, %d steps, errors %v; want failed, %d steps, %s",
			got.State, len(got.Steps), got.Errors, wantSteps, wantErrors)
	}
	if b, ok := got.Step("B"); !ok || b.Status != StepFailed {
		t.Errorf("failed step record for B lost: %+v", b)
	}

	close(gate)
	waitFor(t, func() bool {
		_, busy := e.GetActiveRun("CASE-1")
		return !busy
	})
}

func TestConfigurationErrors(t *testing.T) {
	h := newStubHandlers()
	e, _ := newTestEngine(t, h)

	if _, err := e.ExecutePlaybook(context.Background(), "CASE-1", "nope", nil); !errors.Is(err, ErrUnknownPlaybook) {
		t.Errorf("ExecutePlaybook(unknown) = %v, want ErrUnknownPlaybook", err)
	}
	if _, err := e.GetPlaybookDefinition("nope"); !errors.Is(err, ErrUnknownPlaybook) {
		t.Errorf("GetPlaybookDefinition(unknown) = %v, want ErrUnknownPlaybook", err)
	}
	for _, op := range []func(string) error{e.Suspend, e.Resume, e.Cancel} {
		if err := op("CASE-1"); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("operation on idle case = %v, want ErrRunNotFound", err)
		}
	}

	bad := &Playbook{Type: "bad", Steps: []Step{
		{ID: "x", TaskType: TaskReview, DependsOn: []string{"y"}},
		{ID: "y", TaskType: TaskReview},
	}}
	if _, err := NewEngine(h.all(), WithPlaybook(bad)); err == nil {
		t.Error("NewEngine() accepted a forward dependency")
	}
}

func TestListPlaybooks(t *testing.T) {
	e, _ := newTestEngine(t, newStubHandlers())

	var types []string
	for _, pb := range e.ListPlaybooks() {
		types = append(types, pb.Type)
	}
	want := "contested_claim,fast_track,payment_release,standard_claim"
	if strings.Join(types, ",") != want {
		t.Errorf("playbooks = %v, want %s", types, want)
	}

	pb, err := e.GetPlaybookDefinition(PlaybookFastTrack)
	if err != nil {
		t.Fatalf("GetPlaybookDefinition() failed: %v", err)
	}
	pb.Steps[0].ID = "mutated"
	again, _ := e.GetPlaybookDefinition(PlaybookFastTrack)
	if again.Steps[0].ID != "verify_death" {
		t.Error("GetPlaybookDefinition() returned shared steps")
	}
}

func TestDefaultHandlersPaymentRelease(t *testing.T) {
	fake := sortest.New()
	fake.AddPolicy(claim.Policy{PolicyNumber: "POL-1", Status: claim.PolicyInForce, FaceAmount: 300000})
	handlers := DefaultHandlers(Dependencies{Policies: fake, Ledger: fake})
	e, err := NewEngine(handlers, WithCaseTracker(fake))
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	run, err := e.ExecutePlaybook(context.Background(), "CASE-1", PlaybookPaymentRelease, map[string]any{
		DataClaimID:      "CLM-1",
		DataPolicyNumber: "POL-1",
		DataDateOfDeath:  "2026-01-15",
		DataPayee:        "Jane Roe",
	})
	if err != nil {
		t.Fatalf("ExecutePlaybook() failed: %v", err)
	}

	approval, _ := run.Step("supervisor_approval")
	if approval.Status != StepCompleted {
		t.Errorf("supervisor_approval = %s, want completed above the approval limit", approval.Status)
	}
	payment, _ := run.Step("release_payment")
	if payment.Status != StepCompleted || payment.Output["status"] != "executed" || payment.Output["amount"] != 300000.0 {
		t.Errorf("release_payment = %+v", payment)
	}

	tasks := fake.Tasks("CASE-1")
	if len(tasks) != 3 {
		t.Fatalf("tasks = %d, want one per executed step", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != "completed" {
			t.Errorf("task %s = %s, want completed", task.Title, task.Status)
		}
	}
}

func TestDefaultHandlers(t *testing.T) {
	ctx := context.Background()
	handlers := DefaultHandlers(Dependencies{Requirements: completion{"CLM-1": true}})

	testCases := []struct {
		name    string
		task    TaskType
		data    map[string]any
		wantErr bool
		check   func(map[string]any) bool
	}{
		{
			name: "verified death",
			task: TaskVerification,
			data: map[string]any{DataDeathVerification: &claim.DeathVerification{
				Verified: true, ThreePointMatch: claim.ThreePointMatch{Confidence: 97},
			}},
			check: func(out map[string]any) bool { return out["verified"] == true && out["confidence"] == 97.0 },
		},
		{
			name:    "unverified death",
			task:    TaskVerification,
			data:    map[string]any{DataDeathVerification: claim.DeathVerification{Source: "ssdmf"}},
			wantErr: true,
		},
		{
			name:  "verification missing",
			task:  TaskVerification,
			data:  map[string]any{},
			check: func(out map[string]any) bool { return out["manualVerification"] == true },
		},
		{
			name:  "documents complete",
			task:  TaskDocumentReview,
			data:  map[string]any{DataClaimID: "CLM-1"},
			check: func(out map[string]any) bool { return out["automated"] == true },
		},
		{
			name:    "documents outstanding",
			task:    TaskDocumentReview,
			data:    map[string]any{DataClaimID: "CLM-2"},
			wantErr: true,
		},
		{
			name:    "calculation without registry",
			task:    TaskCalculation,
			data:    map[string]any{DataPolicyNumber: "POL-1"},
			wantErr: true,
		},
		{
			name:  "approval",
			task:  TaskApproval,
			data:  map[string]any{DataApprover: "supervisor-2"},
			check: func(out map[string]any) bool { return out["approver"] == "supervisor-2" },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := handlers[tc.task](ctx, StepInput{Step: Step{TaskType: tc.task}, Data: tc.data})
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error, got %v", out)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.check(out) {
				t.Errorf("output = %v", out)
			}
		})
	}
}

type completion map[string]bool

func (c completion) AllMandatorySatisfied(claimID string) (bool, error) {
	return c[claimID], nil
}
