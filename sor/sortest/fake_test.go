package sortest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/sor"
)

func TestFakeFailureInjection(t *testing.T) {
	f := New()
	f.AddPolicy(claim.Policy{PolicyNumber: "POL-1", Status: claim.PolicyInForce, FaceAmount: 100000})
	ctx := context.Background()

	boom := errors.New("registry unavailable")
	f.FailOn("SuspendPolicy", boom)
	if err := f.SuspendPolicy(ctx, "POL-1", time.Now(), "death"); !errors.Is(err, boom) {
		t.Fatalf("SuspendPolicy() = %v, want injected error", err)
	}
	if f.Calls("SuspendPolicy") != 1 {
		t.Errorf("Calls = %d, want 1", f.Calls("SuspendPolicy"))
	}

	f.FailOn("SuspendPolicy", nil)
	if err := f.SuspendPolicy(ctx, "POL-1", time.Now(), "death"); err != nil {
		t.Fatalf("SuspendPolicy() after clearing = %v", err)
	}
	p, _ := f.LookupPolicy(ctx, "POL-1")
	if p.Status != claim.PolicySuspended {
		t.Errorf("status = %q, want suspended", p.Status)
	}
}

func TestFakeNotFound(t *testing.T) {
	f := New()
	ctx := context.Background()
	if _, err := f.LookupPolicy(ctx, "missing"); !errors.Is(err, sor.ErrNotFound) {
		t.Errorf("LookupPolicy() = %v, want ErrNotFound", err)
	}
	if err := f.CompleteTask(ctx, "missing", ""); !errors.Is(err, sor.ErrNotFound) {
		t.Errorf("CompleteTask() = %v, want ErrNotFound", err)
	}
}

func TestFakeTasksAndLinks(t *testing.T) {
	f := New()
	ctx := context.Background()

	task, err := f.CreateTask(ctx, &claim.Task{CaseID: "CASE-1", Title: "Review"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if err := f.CompleteTask(ctx, task.ID, "done"); err != nil {
		t.Fatalf("CompleteTask() failed: %v", err)
	}
	got, _ := f.Task(task.ID)
	if got.Status != "completed" || got.Notes != "done" {
		t.Errorf("task = %+v", got)
	}

	_ = f.LinkDocumentToRequirement(ctx, "DOC-1", "REQ-1")
	_ = f.LinkDocumentToRequirement(ctx, "DOC-1", "REQ-1")
	if links := f.Links("DOC-1"); len(links) != 1 {
		t.Errorf("links = %v, want one", links)
	}
}
