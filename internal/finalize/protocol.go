// Package finalize implements the 2-phase finalize protocol (C3): an
// exactly-once terminal transition that prevents double-settlement
// between a Worker finishing normally and a Reaper/Reconciler racing to
// reclaim the same run after what looks like a crash.
//
// Phase A (claim) is a single version-checked CAS with zero side effects.
// Only the winner of that CAS ever touches the ledger. Phase B (commit)
// settles the ledger, then performs the final CAS recording the terminal
// status. If the process dies between Phase A and Phase B, the run is
// left CLAIMED-but-not-COMMITTED, which is exactly the state the
// Reconciler (C7) scans for and repairs using the settlement receipt.
//
// Grounded on original_source's
// apps/worker/dpp_worker/finalize/optimistic_commit.py
// (finalize_success/finalize_failure), with Python exceptions replaced by
// typed Go result values per spec.md §9's redesign flag.
package finalize

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dpp-platform/dpp/internal/ledger"
	"github.com/dpp-platform/dpp/internal/runstore"
	"github.com/dpp-platform/dpp/internal/usage"
)

// ErrClaimLost is returned when Phase A's CAS lost the race: some other
// process (worker, reaper, reconciler) already finalized this run.
var ErrClaimLost = errors.New("finalize: claim lost, run already being finalized")

// ErrCommitFailed is returned when Phase B's final CAS fails after a
// successful claim — would indicate corruption, since nothing else should
// be able to touch a CLAIMED row's version.
var ErrCommitFailed = errors.New("finalize: commit failed after successful claim")

// ErrCostExceedsReservation is returned when the caller tries to settle
// for more than was ever reserved — DEC-4211's invariant, checked before
// any ledger call so an over-budget actual cost can never reach Settle
// (which would clamp it anyway, but this catches the bug earlier).
var ErrCostExceedsReservation = errors.New("finalize: actual cost exceeds reservation")

// Outcome is the typed result of a finalize attempt, replacing the
// Python WINNER/LOSER literal + exception hierarchy.
type Outcome string

const (
	OutcomeWinner Outcome = "WINNER"
	OutcomeLoser  Outcome = "LOSER"
)

// Protocol wires RunStore and LedgerOps together to implement finalize.
type Protocol struct {
	runs  *runstore.Store
	led   *ledger.Ledger
	usage *usage.Tracker
	log   zerolog.Logger
}

// New constructs a Protocol. usageTracker may be nil, in which case
// terminal transitions are committed without a usage rollup (useful for
// tests that don't care about tenant_usage_daily).
func New(runs *runstore.Store, led *ledger.Ledger, usageTracker *usage.Tracker, logger zerolog.Logger) *Protocol {
	return &Protocol{runs: runs, led: led, usage: usageTracker, log: logger.With().Str("component", "finalize").Logger()}
}

// recordUsage rolls the just-committed terminal run into
// tenant_usage_daily. Errors are logged, not propagated — finalize has
// already committed; a usage-rollup failure must not retroactively
// un-finalize a run or block the caller.
func (p *Protocol) recordUsage(ctx context.Context, run *runstore.Run) {
	if p.usage == nil {
		return
	}
	if err := p.usage.RecordRunCompletion(ctx, run); err != nil {
		p.log.Error().Err(err).Str("run_id", run.RunID).Msg("usage rollup failed after finalize commit")
	}
}

// claim performs Phase A: stake an exclusive claim to finalize this run.
// No side effect (ledger call) happens before this returns WINNER.
func (p *Protocol) claim(ctx context.Context, run *runstore.Run) (Outcome, string, error) {
	if run.Status != runstore.StatusProcessing {
		return OutcomeLoser, "", fmt.Errorf("%w: status is %s, expected PROCESSING", ErrClaimLost, run.Status)
	}

	finalizeToken := uuid.NewString()
	ok, err := p.runs.ClaimForFinalize(ctx, run.RunID, run.TenantID, run.Version, finalizeToken)
	if err != nil {
		return "", "", fmt.Errorf("claim: %w", err)
	}
	if !ok {
		return OutcomeLoser, "", ErrClaimLost
	}
	return OutcomeWinner, finalizeToken, nil
}

// FinalizeSuccess transitions a PROCESSING run to COMPLETED/SETTLED,
// charging actualCostUSDMicros and recording the result artifact
// location. Mirrors finalize_success.
func (p *Protocol) FinalizeSuccess(ctx context.Context, run *runstore.Run, actualCostUSDMicros int64, resultBucket, resultKey, resultSHA256 string) (Outcome, error) {
	outcome, finalizeToken, err := p.claim(ctx, run)
	if outcome != OutcomeWinner {
		return outcome, err
	}

	if actualCostUSDMicros > run.ReservationMaxCostUSDMicros {
		return "", fmt.Errorf("%w: actual=%d reserved=%d", ErrCostExceedsReservation, actualCostUSDMicros, run.ReservationMaxCostUSDMicros)
	}

	status, _, _, _, err := p.led.Settle(ctx, run.TenantID, run.RunID, actualCostUSDMicros)
	if err != nil {
		return "", fmt.Errorf("settle: %w", err)
	}
	if status != ledger.SettleOK {
		return "", fmt.Errorf("settle returned %s for run %s", status, run.RunID)
	}

	claimed, err := p.runs.GetByID(ctx, run.RunID, run.TenantID)
	if err != nil {
		return "", fmt.Errorf("reload after claim: %w", err)
	}

	ok, err := p.runs.UpdateIf(ctx, run.RunID, run.TenantID, claimed.Version,
		map[string]interface{}{
			"status":                 runstore.StatusCompleted,
			"money_state":            runstore.MoneyStateSettled,
			"actual_cost_usd_micros": actualCostUSDMicros,
			"result_bucket":          resultBucket,
			"result_key":             resultKey,
			"result_sha256":          resultSHA256,
			"finalize_stage":         runstore.FinalizeStageCommitted,
		},
		map[string]interface{}{"finalize_token": finalizeToken, "finalize_stage": runstore.FinalizeStageClaimed})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	if !ok {
		p.log.Error().Str("run_id", run.RunID).Msg("commit failed after successful claim — ledger settled but run not marked COMMITTED; reconciler must repair")
		return "", ErrCommitFailed
	}

	committed := *claimed
	committed.Status = runstore.StatusCompleted
	committed.ActualCostUSDMicros = &actualCostUSDMicros
	p.recordUsage(ctx, &committed)

	p.log.Info().Str("run_id", run.RunID).Int64("actual_cost_usd_micros", actualCostUSDMicros).Msg("finalize success")
	return OutcomeWinner, nil
}

// FinalizeFailure transitions a PROCESSING run to FAILED/SETTLED,
// charging minimumFeeUSDMicros and recording the error. Mirrors
// finalize_failure.
func (p *Protocol) FinalizeFailure(ctx context.Context, run *runstore.Run, minimumFeeUSDMicros int64, errorReasonCode, errorDetail string) (Outcome, error) {
	outcome, finalizeToken, err := p.claim(ctx, run)
	if outcome != OutcomeWinner {
		return outcome, err
	}

	if minimumFeeUSDMicros > run.ReservationMaxCostUSDMicros {
		return "", fmt.Errorf("%w: fee=%d reserved=%d", ErrCostExceedsReservation, minimumFeeUSDMicros, run.ReservationMaxCostUSDMicros)
	}

	status, _, _, _, err := p.led.Settle(ctx, run.TenantID, run.RunID, minimumFeeUSDMicros)
	if err != nil {
		return "", fmt.Errorf("settle: %w", err)
	}
	if status != ledger.SettleOK {
		return "", fmt.Errorf("settle returned %s for run %s", status, run.RunID)
	}

	claimed, err := p.runs.GetByID(ctx, run.RunID, run.TenantID)
	if err != nil {
		return "", fmt.Errorf("reload after claim: %w", err)
	}

	ok, err := p.runs.UpdateIf(ctx, run.RunID, run.TenantID, claimed.Version,
		map[string]interface{}{
			"status":                 runstore.StatusFailed,
			"money_state":            runstore.MoneyStateSettled,
			"actual_cost_usd_micros": minimumFeeUSDMicros,
			"last_error_reason_code": errorReasonCode,
			"last_error_detail":      errorDetail,
			"finalize_stage":         runstore.FinalizeStageCommitted,
		},
		map[string]interface{}{"finalize_token": finalizeToken, "finalize_stage": runstore.FinalizeStageClaimed})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	if !ok {
		p.log.Error().Str("run_id", run.RunID).Msg("commit failed after successful claim — ledger settled but run not marked COMMITTED; reconciler must repair")
		return "", ErrCommitFailed
	}

	committed := *claimed
	committed.Status = runstore.StatusFailed
	committed.ActualCostUSDMicros = &minimumFeeUSDMicros
	p.recordUsage(ctx, &committed)

	p.log.Info().Str("run_id", run.RunID).Str("error_reason_code", errorReasonCode).Msg("finalize failure")
	return OutcomeWinner, nil
}

// FinalizeTimeout transitions a PROCESSING run whose lease expired to
// TIMED_OUT/SETTLED, charging the minimum fee — the Reaper's path (C6).
// Structurally identical to FinalizeFailure with a fixed reason code and
// terminal status, kept as a distinct entry point so Reaper call sites
// read naturally and so the reason code can never be supplied wrong.
func (p *Protocol) FinalizeTimeout(ctx context.Context, run *runstore.Run, minimumFeeUSDMicros int64) (Outcome, error) {
	outcome, finalizeToken, err := p.claim(ctx, run)
	if outcome != OutcomeWinner {
		return outcome, err
	}

	if minimumFeeUSDMicros > run.ReservationMaxCostUSDMicros {
		return "", fmt.Errorf("%w: fee=%d reserved=%d", ErrCostExceedsReservation, minimumFeeUSDMicros, run.ReservationMaxCostUSDMicros)
	}

	status, _, _, _, err := p.led.Settle(ctx, run.TenantID, run.RunID, minimumFeeUSDMicros)
	if err != nil {
		return "", fmt.Errorf("settle: %w", err)
	}
	if status != ledger.SettleOK {
		return "", fmt.Errorf("settle returned %s for run %s", status, run.RunID)
	}

	claimed, err := p.runs.GetByID(ctx, run.RunID, run.TenantID)
	if err != nil {
		return "", fmt.Errorf("reload after claim: %w", err)
	}

	ok, err := p.runs.UpdateIf(ctx, run.RunID, run.TenantID, claimed.Version,
		map[string]interface{}{
			"status":                 runstore.StatusTimedOut,
			"money_state":            runstore.MoneyStateSettled,
			"actual_cost_usd_micros": minimumFeeUSDMicros,
			"last_error_reason_code": "LEASE_EXPIRED",
			"finalize_stage":         runstore.FinalizeStageCommitted,
		},
		map[string]interface{}{"finalize_token": finalizeToken, "finalize_stage": runstore.FinalizeStageClaimed})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	if !ok {
		return "", ErrCommitFailed
	}

	committed := *claimed
	committed.Status = runstore.StatusTimedOut
	committed.ActualCostUSDMicros = &minimumFeeUSDMicros
	p.recordUsage(ctx, &committed)

	p.log.Warn().Str("run_id", run.RunID).Msg("finalize timeout (reaper)")
	return OutcomeWinner, nil
}
