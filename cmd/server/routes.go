package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/liamcoop/claims/internal/logger"
	"github.com/liamcoop/claims/orchestrator"
	"github.com/liamcoop/claims/routing"
	"github.com/liamcoop/claims/rules"
)

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/claims", s.handleInitiateClaim)
		r.Route("/claims/{claimId}", func(r chi.Router) {
			r.Get("/requirements", s.handleListRequirements)
			r.Get("/requirements/stats", s.handleRequirementStats)
			r.Get("/requirements/{reqId}", s.handleGetRequirement)
			r.Post("/requirements/{reqId}/documents", s.handleLinkDocument)
			r.Post("/requirements/{reqId}/{action}", s.handleResolveRequirement)
			r.Post("/payments", s.handleExecutePayment)
		})

		r.Post("/decisions/evaluate", s.handleEvaluateDecision)
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Get("/{ruleId}", s.handleGetRule)
			r.Put("/{ruleId}", s.handleUpdateRule)
			r.Delete("/{ruleId}", s.handleDeleteRule)
			r.Post("/{ruleId}/enable", s.handleSetRuleEnabled(true))
			r.Post("/{ruleId}/disable", s.handleSetRuleEnabled(false))
		})

		r.Post("/eligibility", s.handleEligibility)
		r.Get("/routing/config", s.handleGetRoutingConfig)
		r.Put("/routing/config", s.handleUpdateRoutingConfig)

		r.Get("/playbooks", s.handleListPlaybooks)
		r.Get("/playbooks/{type}", s.handleGetPlaybook)
		r.Post("/cases/{caseId}/playbooks/{type}", s.handleStartPlaybook)
		r.Get("/cases/{caseId}/run", s.handleGetActiveRun)
		r.Post("/cases/{caseId}/run/{action}", s.handleControlRun)
		r.Get("/runs/{runId}", s.handleGetRun)
		r.Post("/runs/{runId}/retry", s.handleRetryRun)

		r.Get("/events", s.handleListEvents)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "healthy",
		Database:    "memory",
		Subscribers: s.bus.SubscriberCount(),
		Failures:    logger.Counters(),
	}
	if all, err := s.decisions.ListRules(); err == nil {
		resp.Rules = len(all)
	}
	if s.db != nil {
		resp.Database = "postgres"
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// Claims

func (s *Server) handleInitiateClaim(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	// the saga outlives a dropped client connection
	ctx := context.WithoutCancel(r.Context())
	res, err := s.orchestrator.InitiateClaim(ctx, req)
	if err != nil {
		logger.Warn("claim initiation failed", "policy_number", req.PolicyNumber, "error", err)
		respondJSON(w, statusFor(err), InitiateClaimResponse{Result: res})
		return
	}

	resp := InitiateClaimResponse{Result: res}
	if r.URL.Query().Get("startPlaybook") == "true" {
		run, err := s.orchestrator.RunPlaybook(ctx, res.Case.ID, res)
		if err != nil {
			res.Warnings = append(res.Warnings, "playbook not started: "+err.Error())
		}
		resp.Run = run
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListRequirements(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.requirements.ListRequirements(chi.URLParam(r, "claimId"))
	if err != nil {
		respondErr(w, "failed to list requirements", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"requirements": reqs})
}

func (s *Server) handleRequirementStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.requirements.GetStats(chi.URLParam(r, "claimId"))
	if err != nil {
		respondErr(w, "failed to compute requirement stats", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetRequirement(w http.ResponseWriter, r *http.Request) {
	req, err := s.requirements.GetRequirement(chi.URLParam(r, "claimId"), chi.URLParam(r, "reqId"))
	if err != nil {
		respondErr(w, "requirement not found", err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleLinkDocument(w http.ResponseWriter, r *http.Request) {
	var body LinkDocumentRequest
	if err := decode(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if body.DocumentID == "" {
		respondError(w, http.StatusBadRequest, "documentId is required", nil)
		return
	}

	out, err := s.orchestrator.ProcessRequirement(r.Context(), chi.URLParam(r, "claimId"), chi.URLParam(r, "reqId"), body.DocumentID)
	if err != nil {
		respondErr(w, "failed to process requirement", err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleResolveRequirement(w http.ResponseWriter, r *http.Request) {
	var body ResolutionRequest
	if err := decode(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	resolve := s.requirements.SatisfyRequirement
	switch chi.URLParam(r, "action") {
	case "satisfy":
	case "waive":
		resolve = s.requirements.WaiveRequirement
	case "override":
		resolve = s.requirements.OverrideRequirement
	case "reject":
		resolve = s.requirements.RejectRequirement
	default:
		respondError(w, http.StatusNotFound, "unknown requirement action", nil)
		return
	}

	req, err := resolve(r.Context(), chi.URLParam(r, "claimId"), chi.URLParam(r, "reqId"), body.Actor, body.Reason)
	if err != nil {
		respondErr(w, "failed to resolve requirement", err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleExecutePayment(w http.ResponseWriter, r *http.Request) {
	var body orchestrator.PaymentRequest
	if err := decode(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	out, err := s.orchestrator.ExecutePayment(context.WithoutCancel(r.Context()), chi.URLParam(r, "claimId"), body)
	if err != nil {
		respondErr(w, "payment failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}

// Decisions and rules

func (s *Server) handleEvaluateDecision(w http.ResponseWriter, r *http.Request) {
	var dc rules.Context
	if err := decode(r, &dc); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	startTime := time.Now()
	result, err := s.decisions.Evaluate(dc)
	if err != nil {
		respondErr(w, "evaluation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"result":         result,
		"evaluationTime": time.Since(startTime).String(),
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	all, err := s.decisions.ListRules()
	if err != nil {
		respondErr(w, "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: all})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := decode(r, &rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	now := time.Now().UTC()
	rule.CreatedAt, rule.UpdatedAt = now, now
	if err := s.decisions.AddRule(&rule); err != nil {
		respondErr(w, "failed to add rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, &rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.decisions.GetRule(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondErr(w, "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	var rule rules.Rule
	if err := decode(r, &rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	existing, err := s.decisions.GetRule(ruleID)
	if err != nil {
		respondErr(w, "rule not found", err)
		return
	}

	rule.ID = ruleID
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	if err := s.decisions.UpdateRule(&rule); err != nil {
		respondErr(w, "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, &rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.decisions.DeleteRule(chi.URLParam(r, "ruleId")); err != nil {
		respondErr(w, "rule not found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetRuleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ruleID := chi.URLParam(r, "ruleId")
		if err := s.decisions.SetEnabled(ruleID, enabled); err != nil {
			respondErr(w, "failed to update rule", err)
			return
		}
		rule, err := s.decisions.GetRule(ruleID)
		if err != nil {
			respondErr(w, "rule not found", err)
			return
		}
		respondJSON(w, http.StatusOK, rule)
	}
}

// Routing

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	var in routing.Input
	if err := decode(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	path, result := s.routing.Route(in)
	respondJSON(w, http.StatusOK, EligibilityResponse{Path: path, Result: result})
}

func (s *Server) handleGetRoutingConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.routing.Config())
}

func (s *Server) handleUpdateRoutingConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.routing.Config()
	if err := decode(r, &cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := s.routing.SetConfig(cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid routing config", err)
		return
	}
	logger.Info("routing config updated", "threshold", cfg.Threshold)
	respondJSON(w, http.StatusOK, s.routing.Config())
}

// Playbooks

func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, PlaybooksListResponse{Playbooks: s.workflows.ListPlaybooks()})
}

func (s *Server) handleGetPlaybook(w http.ResponseWriter, r *http.Request) {
	pb, err := s.workflows.GetPlaybookDefinition(chi.URLParam(r, "type"))
	if err != nil {
		respondErr(w, "playbook not found", err)
		return
	}
	respondJSON(w, http.StatusOK, pb)
}

func (s *Server) handleStartPlaybook(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if r.ContentLength != 0 {
		if err := decode(r, &data); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	run, err := s.workflows.Start(r.Context(), chi.URLParam(r, "caseId"), chi.URLParam(r, "type"), data)
	if err != nil {
		respondErr(w, "failed to start playbook", err)
		return
	}
	respondJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetActiveRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.workflows.GetActiveRun(chi.URLParam(r, "caseId"))
	if !ok {
		respondError(w, http.StatusNotFound, "no active run for case", nil)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleControlRun(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseId")

	var err error
	switch chi.URLParam(r, "action") {
	case "suspend":
		err = s.workflows.Suspend(caseID)
	case "resume":
		err = s.workflows.Resume(caseID)
	case "cancel":
		err = s.workflows.Cancel(caseID)
	default:
		respondError(w, http.StatusNotFound, "unknown run action", nil)
		return
	}
	if err != nil {
		respondErr(w, "run control failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"caseId": caseID, "action": chi.URLParam(r, "action")})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.workflows.GetRun(chi.URLParam(r, "runId"))
	if err != nil {
		respondErr(w, "run not found", err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.workflows.Retry(context.WithoutCancel(r.Context()), chi.URLParam(r, "runId"))
	if err != nil && run == nil {
		respondErr(w, "retry failed", err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	respondJSON(w, status, run)
}

// Events

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, EventsResponse{Events: s.bus.History(r.URL.Query().Get("topic"))})
}
