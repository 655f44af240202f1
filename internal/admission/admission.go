// Package admission implements C1/C4's run-creation path: idempotency
// lookup, plan enforcement, minimum-fee calculation, reservation, and
// enqueue — with compensation if any step after the reservation fails.
//
// Grounded on original_source's
// apps/api/dpp_api/routers/runs.py (the POST /v1/runs handler's
// orchestration order: idempotency check -> enforce -> reserve ->
// create row -> enqueue) and on the teacher's
// internal/api/balance_service.go for the "thin orchestration layer
// over ledger + auth, with structured logging at each step" shape.
package admission

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dpp-platform/dpp/internal/ledger"
	"github.com/dpp-platform/dpp/internal/money"
	"github.com/dpp-platform/dpp/internal/plan"
	"github.com/dpp-platform/dpp/internal/planguard"
	"github.com/dpp-platform/dpp/internal/queue"
	"github.com/dpp-platform/dpp/internal/runstore"
)

// ErrPayloadMismatch is returned when a replayed idempotency key is
// reused with a different request payload — the original rejects this
// rather than silently returning the old run for a different request.
var ErrPayloadMismatch = errors.New("admission: idempotency key reused with a different payload")

// Request is the caller-supplied shape of a run-creation request.
type Request struct {
	TenantID                    string
	PackType                    string
	ProfileVersion              string
	IdempotencyKey              *string
	Inputs                      json.RawMessage
	ReservationMaxCostUSDMicros int64
	TimeboxSec                  *int64
	MinReliabilityScore         *float64
	TraceID                     *string
}

// DefaultRetentionPeriod is how long a result artifact and its DB row
// are kept before they're eligible for cleanup.
const DefaultRetentionPeriod = 30 * 24 * time.Hour

// FeeConfig carries the minimum-fee formula's platform-wide constants
// (internal/config's MinimumFeeFloorMicros/MinimumFeeCeilingMicros/
// MinimumFeeBasisPoints), kept as a small struct rather than threading
// *config.Config through so Admission doesn't depend on unrelated
// config fields.
type FeeConfig struct {
	FloorMicros   int64
	CeilingMicros int64
	BasisPoints   int64
}

// Admitter wires RunStore, Ledger, PlanGuard, and Queue together for
// run creation.
type Admitter struct {
	runs  *runstore.Store
	led   *ledger.Ledger
	guard *planguard.Guard
	q     queue.Queue
	fee   FeeConfig
	log   zerolog.Logger
}

// New constructs an Admitter.
func New(runs *runstore.Store, led *ledger.Ledger, guard *planguard.Guard, q queue.Queue, fee FeeConfig, logger zerolog.Logger) *Admitter {
	return &Admitter{runs: runs, led: led, guard: guard, q: q, fee: fee, log: logger.With().Str("component", "admission").Logger()}
}

// Admit creates a new run, or returns the existing one for an
// idempotency-key replay. On success the run is QUEUED/RESERVED and has
// been handed to the queue for the Worker to pick up.
func (a *Admitter) Admit(ctx context.Context, req Request) (*runstore.Run, error) {
	payloadHash := hashPayload(req.Inputs)

	if req.IdempotencyKey != nil {
		existing, err := a.runs.GetByIdempotencyKey(ctx, req.TenantID, *req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			if existing.PayloadHash != payloadHash {
				return nil, ErrPayloadMismatch
			}
			a.log.Info().Str("run_id", existing.RunID).Msg("idempotent replay, returning existing run")
			return existing, nil
		}
	}

	activePlan, err := a.guard.Enforce(ctx, req.TenantID, req.PackType, req.ReservationMaxCostUSDMicros)
	if err != nil {
		return nil, err
	}

	minimumFee := a.minimumFeeFor(activePlan, req.PackType, req.ReservationMaxCostUSDMicros)

	runID := uuid.NewString()
	reserveStatus, _, err := a.led.Reserve(ctx, req.TenantID, runID, req.ReservationMaxCostUSDMicros)
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}
	if reserveStatus == ledger.ReserveInsufficientFunds {
		return nil, fmt.Errorf("%w", ErrInsufficientFunds)
	}
	if reserveStatus != ledger.ReserveOK {
		return nil, fmt.Errorf("unexpected reserve status %s for fresh run id %s", reserveStatus, runID)
	}

	now := time.Now().UTC()
	run := &runstore.Run{
		RunID:                       runID,
		TenantID:                    req.TenantID,
		PackType:                    req.PackType,
		ProfileVersion:              req.ProfileVersion,
		Status:                      runstore.StatusQueued,
		MoneyState:                  runstore.MoneyStateReserved,
		IdempotencyKey:              req.IdempotencyKey,
		PayloadHash:                 payloadHash,
		Version:                     0,
		ReservationMaxCostUSDMicros: req.ReservationMaxCostUSDMicros,
		MinimumFeeUSDMicros:         minimumFee,
		TimeboxSec:                  req.TimeboxSec,
		MinReliabilityScore:         req.MinReliabilityScore,
		InputsJSON:                  req.Inputs,
		RetentionUntil:              now.Add(DefaultRetentionPeriod),
		TraceID:                     req.TraceID,
	}

	if err := a.runs.Create(ctx, run); err != nil {
		// Compensate: the reservation must not outlive a run that
		// never made it into the store, or the tenant's balance would
		// be stuck RESERVED forever with nothing to ever settle it.
		if _, _, _, refundErr := a.led.RefundFull(ctx, req.TenantID, runID); refundErr != nil {
			a.log.Error().Err(refundErr).Str("run_id", runID).Msg("compensating refund failed after create error — audit required")
		}
		if errors.Is(err, runstore.ErrIdempotencyConflict) {
			return nil, ErrPayloadMismatch
		}
		return nil, fmt.Errorf("create run: %w", err)
	}

	if err := a.q.Enqueue(ctx, run.RunID, run.TenantID); err != nil {
		// spec.md §4.4 step 7: a run that never made it onto the queue
		// must be compensated the same way a failed Create is — refund
		// the reservation and flip the run terminal — rather than left
		// QUEUED/RESERVED where no Reaper/Reconciler scan will ever find
		// it (it never got a lease, so ListExpiredLeases never sees it).
		a.log.Error().Err(err).Str("run_id", run.RunID).Msg("enqueue failed after run created and reserved, compensating")

		refundStatus, refundedMicros, _, refundErr := a.led.RefundFull(ctx, req.TenantID, runID)
		if refundErr != nil {
			a.log.Error().Err(refundErr).Str("run_id", runID).Msg("compensating refund failed after enqueue error — audit required")
			return nil, fmt.Errorf("enqueue: %w", err)
		}
		if refundStatus != ledger.RefundFullOK {
			a.log.Error().Str("run_id", runID).Str("refund_status", string(refundStatus)).Msg("compensating refund returned non-OK status after enqueue error — audit required")
			return nil, fmt.Errorf("enqueue: %w", err)
		}

		ok, commitErr := a.runs.UpdateIf(ctx, run.RunID, run.TenantID, run.Version,
			map[string]interface{}{
				"status":                 runstore.StatusFailed,
				"money_state":            runstore.MoneyStateRefunded,
				"actual_cost_usd_micros": int64(0),
				"last_error_reason_code": "QUEUE_ENQUEUE_FAILED",
				"last_error_detail":      err.Error(),
			}, nil)
		if commitErr != nil {
			a.log.Error().Err(commitErr).Str("run_id", runID).Msg("compensating status update failed after enqueue error and ledger refund — audit required")
			return nil, fmt.Errorf("enqueue: %w", err)
		}
		if !ok {
			a.log.Error().Str("run_id", runID).Msg("compensating status update lost its CAS after enqueue error and ledger refund — audit required")
			return nil, fmt.Errorf("enqueue: %w", err)
		}

		a.log.Warn().Str("run_id", runID).Int64("refunded_usd_micros", refundedMicros).Msg("run compensated after enqueue failure")
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	a.log.Info().Str("run_id", run.RunID).Str("tenant_id", run.TenantID).Str("pack_type", run.PackType).Msg("run admitted")
	return run, nil
}

// ErrInsufficientFunds mirrors the Python original's balance-too-low
// rejection (402).
var ErrInsufficientFunds = errors.New("admission: insufficient balance to cover requested reservation")

// hashPayload hashes a canonical form of inputs (object keys sorted, no
// insignificant whitespace, numbers kept verbatim), so two requests whose
// JSON differs only in key order or spacing hash the same. Inputs that do
// not decode as JSON are hashed as raw bytes.
func hashPayload(inputs json.RawMessage) string {
	canonical := []byte(inputs)
	dec := json.NewDecoder(bytes.NewReader(inputs))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// minimumFeeFor derives the run's minimum fee from the platform-wide
// formula in internal/money, floored/ceilinged by the platform's
// FeeConfig and capped further by whatever the plan's pack-type limits
// configure (never exceeding the reservation itself either way).
func (a *Admitter) minimumFeeFor(p *plan.Plan, packType string, reservedMicros int64) int64 {
	ceiling := a.fee.CeilingMicros
	if configured, ok := p.MaxCostForPackType(packType); ok && configured < ceiling {
		ceiling = configured
	}
	return money.MinimumFee(reservedMicros, a.fee.FloorMicros, ceiling, a.fee.BasisPoints)
}
