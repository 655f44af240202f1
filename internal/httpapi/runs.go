package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dpp-platform/dpp/internal/admission"
	"github.com/dpp-platform/dpp/internal/money"
	"github.com/dpp-platform/dpp/internal/planguard"
	"github.com/dpp-platform/dpp/internal/problem"
	"github.com/dpp-platform/dpp/internal/runstore"
)

// createRunRequest is the POST /v1/runs body, spec.md §6.1.
type createRunRequest struct {
	PackType    string          `json:"pack_type"`
	Inputs      json.RawMessage `json:"inputs"`
	Reservation struct {
		MaxCostUSD          string   `json:"max_cost_usd"`
		TimeboxSec          *int64   `json:"timebox_sec"`
		MinReliabilityScore *float64 `json:"min_reliability_score"`
	} `json:"reservation"`
	Meta struct {
		TraceID        *string `json:"trace_id"`
		ProfileVersion *string `json:"profile_version"`
	} `json:"meta"`
}

// runReceipt is the POST /v1/runs 202 Accepted body.
type runReceipt struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	MoneyState string `json:"money_state"`
	PollURL    string `json:"poll_url"`
}

// runView is the GET /v1/runs/{run_id} body.
type runView struct {
	RunID              string  `json:"run_id"`
	Status             string  `json:"status"`
	MoneyState         string  `json:"money_state"`
	ReservedUSD        string  `json:"reserved_usd"`
	MinimumFeeUSD      string  `json:"minimum_fee_usd"`
	ActualCostUSD      *string `json:"actual_cost_usd,omitempty"`
	ResultURL          *string `json:"result_url,omitempty"`
	LastErrorReasonCode *string `json:"last_error_reason_code,omitempty"`
}

func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		problem.Write(w, problem.BadRequest("METHOD_NOT_ALLOWED", "POST only"))
		return
	}

	principal, err := h.auth.Authenticate(r.Context(), r)
	if err != nil {
		problem.Write(w, problem.Unauthorized())
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if len(idemKey) < 8 || len(idemKey) > 64 {
		problem.Write(w, problem.BadRequest("INVALID_IDEMPOTENCY_KEY", "Idempotency-Key header must be 8-64 characters"))
		return
	}

	var body createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problem.Write(w, problem.BadRequest("INVALID_JSON", "request body is not valid JSON: "+err.Error()))
		return
	}
	if body.PackType == "" {
		problem.Write(w, problem.BadRequest("MISSING_PACK_TYPE", "pack_type is required"))
		return
	}
	if body.Reservation.TimeboxSec != nil && (*body.Reservation.TimeboxSec < 1 || *body.Reservation.TimeboxSec > 90) {
		problem.Write(w, problem.BadRequest("INVALID_TIMEBOX", "reservation.timebox_sec must be in [1,90]"))
		return
	}
	if body.Reservation.MinReliabilityScore != nil && (*body.Reservation.MinReliabilityScore < 0 || *body.Reservation.MinReliabilityScore > 1) {
		problem.Write(w, problem.BadRequest("INVALID_RELIABILITY_SCORE", "reservation.min_reliability_score must be in [0,1]"))
		return
	}
	maxCostMicros, err := money.Parse(body.Reservation.MaxCostUSD)
	if err != nil {
		problem.Write(w, problem.BadRequest("INVALID_MAX_COST", err.Error()))
		return
	}

	profileVersion := "v1"
	if body.Meta.ProfileVersion != nil {
		profileVersion = *body.Meta.ProfileVersion
	}

	run, err := h.admitter.Admit(r.Context(), admission.Request{
		TenantID:                    principal.TenantID,
		PackType:                    body.PackType,
		ProfileVersion:              profileVersion,
		IdempotencyKey:              &idemKey,
		Inputs:                      body.Inputs,
		ReservationMaxCostUSDMicros: maxCostMicros,
		TimeboxSec:                  body.Reservation.TimeboxSec,
		MinReliabilityScore:         body.Reservation.MinReliabilityScore,
		TraceID:                     body.Meta.TraceID,
	})
	if err != nil {
		h.writeAdmissionError(w, err)
		return
	}

	activePlan, err := h.guard.ActivePlan(r.Context(), principal.TenantID)
	if err == nil {
		if headers, err := h.guard.HeadersPost(r.Context(), activePlan, principal.TenantID); err == nil {
			setRateLimitHeaders(w, headers)
		}
	}

	w.Header().Set("X-DPP-Cost-Reserved", money.Format(run.ReservationMaxCostUSDMicros))
	w.Header().Set("X-DPP-Cost-Minimum-Fee", money.Format(run.MinimumFeeUSDMicros))
	if run.ActualCostUSDMicros != nil {
		w.Header().Set("X-DPP-Cost-Actual", money.Format(*run.ActualCostUSDMicros))
	}

	writeJSON(w, http.StatusAccepted, runReceipt{
		RunID:      run.RunID,
		Status:     string(run.Status),
		MoneyState: string(run.MoneyState),
		PollURL:    "/v1/runs/" + run.RunID,
	})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		problem.Write(w, problem.BadRequest("METHOD_NOT_ALLOWED", "GET only"))
		return
	}

	principal, err := h.auth.Authenticate(r.Context(), r)
	if err != nil {
		problem.Write(w, problem.Unauthorized())
		return
	}

	run, err := h.runs.GetByID(r.Context(), runID, principal.TenantID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			problem.Write(w, problem.NotFound(r.URL.Path))
			return
		}
		h.log.Error().Err(err).Str("run_id", runID).Msg("get run failed")
		problem.Write(w, problem.Internal())
		return
	}

	if time.Now().UTC().After(run.RetentionUntil) {
		problem.Write(w, &problem.Details{
			Title:  "Gone",
			Status: http.StatusGone,
			Detail: "this run's retention period has expired",
		})
		return
	}

	view := runView{
		RunID:      run.RunID,
		Status:     string(run.Status),
		MoneyState: string(run.MoneyState),
		ReservedUSD:   money.Format(run.ReservationMaxCostUSDMicros),
		MinimumFeeUSD: money.Format(run.MinimumFeeUSDMicros),
		LastErrorReasonCode: run.LastErrorReasonCode,
	}
	if run.ActualCostUSDMicros != nil {
		actual := money.Format(*run.ActualCostUSDMicros)
		view.ActualCostUSD = &actual
	}
	if run.Status == runstore.StatusCompleted && run.ResultKey != nil {
		url, err := h.objects.PresignGet(r.Context(), *run.ResultKey, h.presignTTL)
		if err != nil {
			h.log.Error().Err(err).Str("run_id", runID).Msg("presign result url failed")
		} else {
			view.ResultURL = &url
		}
	}

	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) writeAdmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admission.ErrPayloadMismatch):
		problem.Write(w, problem.Conflict("IDEMPOTENCY_PAYLOAD_MISMATCH", "Idempotency-Key reused with a different request body"))
	case errors.Is(err, admission.ErrInsufficientFunds):
		problem.Write(w, problem.PaymentRequired("INSUFFICIENT_BALANCE", "tenant balance is insufficient to cover the requested reservation"))
	case errors.Is(err, planguard.ErrNoActivePlan):
		problem.Write(w, problem.BadRequest("NO_ACTIVE_PLAN", "tenant has no active plan"))
	case errors.Is(err, planguard.ErrPackTypeNotAllowed):
		problem.Write(w, problem.BadRequest("PACK_TYPE_NOT_ALLOWED", "pack_type is not allowed under the tenant's plan"))
	case errors.Is(err, planguard.ErrMaxCostTooLow):
		problem.Write(w, problem.BadRequest("MAX_COST_TOO_LOW", "reservation.max_cost_usd is below the platform floor"))
	case errors.Is(err, planguard.ErrMaxCostExceeded):
		problem.Write(w, problem.PaymentRequired("MAX_COST_EXCEEDED", "reservation.max_cost_usd exceeds the plan's ceiling for this pack_type"))
	default:
		var rateLimited *planguard.RateLimitExceededError
		if errors.As(err, &rateLimited) {
			problem.Write(w, problem.TooManyRequests(rateLimited.RetryAfterSeconds))
			return
		}
		h.log.Error().Err(err).Msg("admission failed")
		problem.Write(w, problem.Internal())
	}
}

func setRateLimitHeaders(w http.ResponseWriter, headers planguard.RateLimitHeaders) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(headers.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(headers.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(int64(headers.ResetSec), 10))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
