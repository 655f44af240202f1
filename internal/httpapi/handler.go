// Package httpapi implements spec.md §6.1's two monetizing HTTP
// endpoints plus health/readiness/metrics, grounded on the teacher's
// handler.go (RegisterRoutes over a plain http.ServeMux,
// promhttp.Handler for /metrics, the CORS/logging middleware shape) —
// generalized from the teacher's gRPC-wrapped REST surface to plain
// net/http handlers calling straight into internal/admission and
// internal/runstore, since spec.md carries no gRPC surface (see
// DESIGN.md for why the teacher's protobuf/grpc stack is dropped).
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dpp-platform/dpp/internal/admission"
	"github.com/dpp-platform/dpp/internal/auth"
	"github.com/dpp-platform/dpp/internal/objectstore"
	"github.com/dpp-platform/dpp/internal/planguard"
	"github.com/dpp-platform/dpp/internal/runstore"
)

// Handler wires the run-creation and run-lookup endpoints together.
type Handler struct {
	auth       *auth.Authenticator
	admitter   *admission.Admitter
	runs       *runstore.Store
	guard      *planguard.Guard
	objects    objectstore.Store
	db         *sql.DB
	presignTTL time.Duration
	log        zerolog.Logger
}

// New constructs a Handler.
func New(a *auth.Authenticator, admitter *admission.Admitter, runs *runstore.Store, guard *planguard.Guard, objects objectstore.Store, db *sql.DB, presignTTL time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{
		auth: a, admitter: admitter, runs: runs, guard: guard, objects: objects,
		db: db, presignTTL: presignTTL,
		log: logger.With().Str("component", "httpapi").Logger(),
	}
}

// RegisterRoutes registers every route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/runs", h.handleCreateRun)
	mux.HandleFunc("/v1/runs/", h.handleRunByID)

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

// handleRunByID extracts {run_id} from /v1/runs/{run_id} and dispatches
// to handleGetRun — a plain http.ServeMux has no path-parameter
// support, so this mirrors the teacher's own handleBalance's
// strings.TrimPrefix approach.
func (h *Handler) handleRunByID(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		http.NotFound(w, r)
		return
	}
	h.handleGetRun(w, r, runID)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady checks the dependencies the process cannot serve traffic
// without: Postgres reachability. Redis/SQS/S3 failures surface per-call
// instead of gating readiness, since a transient Redis blip shouldn't
// pull the process out of the load balancer while Postgres-backed reads
// (GET /v1/runs) still work.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		h.log.Error().Err(err).Msg("readiness check failed: postgres unreachable")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
