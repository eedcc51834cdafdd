package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/liamcoop/claims/internal/logger"
	"github.com/liamcoop/claims/orchestrator"
	"github.com/liamcoop/claims/requirements"
	"github.com/liamcoop/claims/routing"
	"github.com/liamcoop/claims/rules"
	"github.com/liamcoop/claims/sor"
	"github.com/liamcoop/claims/workflow"
)

// API request and response models

// InitiateClaimResponse is the initiation result and, when requested, the
// playbook run started for it.
type InitiateClaimResponse struct {
	*orchestrator.Result
	Run *workflow.Run `json:"run,omitempty"`
}

// LinkDocumentRequest attaches an uploaded document to a requirement
type LinkDocumentRequest struct {
	DocumentID string `json:"documentId" example:"DOC-123"`
}

// ResolutionRequest is an examiner decision on a requirement
type ResolutionRequest struct {
	Actor  string `json:"actor" example:"examiner-42"`
	Reason string `json:"reason" example:"original certificate reviewed in person"`
}

// EligibilityResponse is a routing result with the path it selects
type EligibilityResponse struct {
	Path   string          `json:"path" example:"fast_track"`
	Result *routing.Result `json:"result"`
}

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// PlaybooksListResponse represents the response for listing playbooks
type PlaybooksListResponse struct {
	Playbooks []*workflow.Playbook `json:"playbooks"`
}

// EventsResponse lists recent bus events
type EventsResponse struct {
	Events any `json:"events"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"requirement not found"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string           `json:"status" example:"healthy"`
	Database    string           `json:"database" example:"postgres"`
	Rules       int              `json:"rules"`
	Subscribers int              `json:"subscribers"`
	Failures    map[string]int64 `json:"failures"`
	Error       string           `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

// respondErr maps domain errors to HTTP statuses.
func respondErr(w http.ResponseWriter, message string, err error) {
	respondError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	var validation *rules.ValidationError
	var sagaStep *orchestrator.StepError
	var runStep *workflow.StepError
	switch {
	case errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, requirements.ErrRequirementNotFound),
		errors.Is(err, workflow.ErrRunNotFound),
		errors.Is(err, workflow.ErrUnknownPlaybook),
		errors.Is(err, sor.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrRuleExists),
		errors.Is(err, requirements.ErrRequirementExists),
		errors.Is(err, requirements.ErrInvalidTransition),
		errors.Is(err, workflow.ErrRunActive),
		errors.Is(err, workflow.ErrNotRetryable),
		errors.Is(err, workflow.ErrNotSuspended):
		return http.StatusConflict
	case errors.As(err, &validation),
		errors.Is(err, requirements.ErrActorRequired),
		errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.As(err, &sagaStep), errors.As(err, &runStep):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
