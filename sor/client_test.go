package sor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liamcoop/claims/claim"
)

func testClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:         2 * time.Second,
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/policies/POL-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(claim.Policy{PolicyNumber: "POL-1", Status: claim.PolicyInForce, FaceAmount: 250000})
	}))
	defer srv.Close()

	reg := NewHTTPPolicyRegistry(NewClient(srv.URL, testClientConfig()))
	p, err := reg.LookupPolicy(context.Background(), "POL-1")
	if err != nil {
		t.Fatalf("LookupPolicy() failed: %v", err)
	}
	if p.FaceAmount != 250000 {
		t.Errorf("FaceAmount = %v", p.FaceAmount)
	}
	if hits.Load() != 3 {
		t.Errorf("server hit %d times, want 3", hits.Load())
	}
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testClientConfig())
	err := c.Do(context.Background(), http.MethodGet, "/x", nil, nil)

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("Do() = %v, want HTTPError 502", err)
	}
	if hits.Load() != 4 {
		t.Errorf("server hit %d times, want 4 (1 + 3 retries)", hits.Load())
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"not found", http.StatusNotFound, func(err error) bool { return errors.Is(err, ErrNotFound) }},
		{"bad request", http.StatusBadRequest, func(err error) bool {
			var httpErr *HTTPError
			return errors.As(err, &httpErr) && httpErr.Body == "bad policy number"
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				http.Error(w, "bad policy number", tc.status)
			}))
			defer srv.Close()

			_, err := NewHTTPPolicyRegistry(NewClient(srv.URL, testClientConfig())).LookupPolicy(context.Background(), "X")
			if !tc.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
			if hits.Load() != 1 {
				t.Errorf("server hit %d times, want 1", hits.Load())
			}
		})
	}
}

func TestClientSendsJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/cases/CASE-1/tasks" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var in claim.Task
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode: %v", err)
		}
		in.ID = "TASK-1"
		json.NewEncoder(w).Encode(in)
	}))
	defer srv.Close()

	tracker := NewHTTPCaseTracker(NewClient(srv.URL, testClientConfig()))
	task, err := tracker.CreateTask(context.Background(), &claim.Task{CaseID: "CASE-1", Title: "Review death certificate"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if task.ID != "TASK-1" || task.Title != "Review death certificate" {
		t.Errorf("task = %+v", task)
	}
}

func TestClientHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testClientConfig()
	cfg.MaxRetries = 100
	cfg.InitialInterval = 50 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := NewClient(srv.URL, cfg).Do(ctx, http.MethodGet, "/", nil, nil)
	if err == nil {
		t.Fatal("Do() should fail")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Do() ignored context deadline, took %v", time.Since(start))
	}
}

type countingRegistry struct {
	lookups atomic.Int32
	status  string
}

func (r *countingRegistry) LookupPolicy(_ context.Context, n string) (*claim.Policy, error) {
	r.lookups.Add(1)
	return &claim.Policy{PolicyNumber: n, Status: r.status}, nil
}

func (r *countingRegistry) SuspendPolicy(context.Context, string, time.Time, string) error {
	r.status = claim.PolicySuspended
	return nil
}

func (r *countingRegistry) CalculateDeathBenefit(context.Context, string, time.Time) (*claim.Benefit, error) {
	return &claim.Benefit{}, nil
}

func TestCachedPolicyRegistry(t *testing.T) {
	next := &countingRegistry{status: claim.PolicyInForce}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewCachedPolicyRegistry(next, time.Minute)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := cache.LookupPolicy(ctx, "POL-1"); err != nil {
			t.Fatalf("LookupPolicy() failed: %v", err)
		}
	}
	if next.lookups.Load() != 1 {
		t.Errorf("lookups = %d, want 1", next.lookups.Load())
	}

	now = now.Add(2 * time.Minute)
	_, _ = cache.LookupPolicy(ctx, "POL-1")
	if next.lookups.Load() != 2 {
		t.Errorf("lookups after expiry = %d, want 2", next.lookups.Load())
	}

	if err := cache.SuspendPolicy(ctx, "POL-1", now, "death claim"); err != nil {
		t.Fatalf("SuspendPolicy() failed: %v", err)
	}
	p, _ := cache.LookupPolicy(ctx, "POL-1")
	if p.Status != claim.PolicySuspended {
		t.Errorf("status after suspension = %q, want suspended", p.Status)
	}
	if next.lookups.Load() != 3 {
		t.Errorf("lookups after suspension = %d, want 3", next.lookups.Load())
	}
}
