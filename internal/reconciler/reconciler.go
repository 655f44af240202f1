// Package reconciler implements C7: recovery for runs stuck between
// finalize's Phase A claim and Phase B commit — the window a crash
// between "stake the claim" and "settle + commit" leaves open.
//
// Grounded directly on spec.md §4.7 and original_source's
// apps/worker/dpp_worker/reconcile_loop.py
// (reconcile_stuck_claimed_run): three cases dispatched on reservation/
// receipt existence, with Case C's "never invent a charge" rule as the
// hard invariant — a stuck run with no reservation and no receipt gets
// AUDIT_REQUIRED, never a guessed settlement.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dpp-platform/dpp/internal/ledger"
	"github.com/dpp-platform/dpp/internal/objectstore"
	"github.com/dpp-platform/dpp/internal/runstore"
	"github.com/dpp-platform/dpp/internal/usage"
)

// ScanBatchSize bounds how many stuck-claimed runs are examined per
// tick.
const ScanBatchSize = 100

// Reconciler periodically finds and repairs stuck-CLAIMED runs.
type Reconciler struct {
	runs           *runstore.Store
	led            *ledger.Ledger
	objects        objectstore.Store
	usage          *usage.Tracker
	interval       time.Duration
	stuckThreshold time.Duration
	log            zerolog.Logger
}

// New constructs a Reconciler. usageTracker may be nil, in which case
// repaired runs are committed without a usage rollup.
func New(runs *runstore.Store, led *ledger.Ledger, objects objectstore.Store, usageTracker *usage.Tracker, interval, stuckThreshold time.Duration, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		runs: runs, led: led, objects: objects, usage: usageTracker,
		interval: interval, stuckThreshold: stuckThreshold,
		log: logger.With().Str("component", "reconciler").Logger(),
	}
}

// Run ticks every interval until ctx is cancelled.
func (rc *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rc.tick(ctx)
		}
	}
}

func (rc *Reconciler) tick(ctx context.Context) {
	stuck, err := rc.runs.ListStuckClaimed(ctx, rc.stuckThreshold, ScanBatchSize)
	if err != nil {
		rc.log.Error().Err(err).Msg("failed to list stuck claimed runs")
		return
	}
	if len(stuck) > 0 {
		rc.log.Info().Int("count", len(stuck)).Msg("reconciling stuck claimed runs")
	}

	for _, run := range stuck {
		if err := rc.reconcileOne(ctx, run); err != nil {
			rc.log.Error().Err(err).Str("run_id", run.RunID).Msg("failed to reconcile stuck run")
		}
	}
}

// reconcileOne dispatches a single stuck-CLAIMED run to Case A, B, or C
// per spec.md §4.7.
func (rc *Reconciler) reconcileOne(ctx context.Context, run *runstore.Run) error {
	log := rc.log.With().Str("run_id", run.RunID).Logger()

	reservation, err := rc.led.GetReservation(ctx, run.RunID)
	if err != nil {
		return fmt.Errorf("get reservation: %w", err)
	}
	receipt, err := rc.led.GetReceipt(ctx, run.RunID)
	if err != nil {
		return fmt.Errorf("get receipt: %w", err)
	}

	switch {
	case reservation != nil:
		return rc.caseA(ctx, run, log)
	case receipt != nil:
		return rc.caseB(ctx, run, receipt, log)
	default:
		return rc.caseC(ctx, run, log)
	}
}

// caseA: the reservation is still live, so settle has not happened yet.
// Roll forward (COMPLETED) if the result artifact made it to storage
// before the crash, else roll back (FAILED) charging the minimum fee.
func (rc *Reconciler) caseA(ctx context.Context, run *runstore.Run, log zerolog.Logger) error {
	artifactExists := false
	if run.ResultBucket != nil && run.ResultKey != nil {
		exists, err := rc.objects.Exists(ctx, *run.ResultKey)
		if err != nil {
			return fmt.Errorf("check artifact existence: %w", err)
		}
		artifactExists = exists
	}

	if artifactExists {
		chargeMicros := run.ReservationMaxCostUSDMicros
		if run.ActualCostUSDMicros != nil {
			chargeMicros = *run.ActualCostUSDMicros
		}
		status, _, _, _, err := rc.led.Settle(ctx, run.TenantID, run.RunID, chargeMicros)
		if err != nil {
			return fmt.Errorf("case A settle (roll forward): %w", err)
		}
		if status != ledger.SettleOK {
			return fmt.Errorf("case A settle returned %s", status)
		}
		log.Warn().Msg("case A: rolled forward to COMPLETED (artifact present)")
		return rc.commit(ctx, run, runstore.StatusCompleted, runstore.MoneyStateSettled, chargeMicros, "", "")
	}

	fee := run.MinimumFeeUSDMicros
	if fee > run.ReservationMaxCostUSDMicros {
		fee = run.ReservationMaxCostUSDMicros
	}
	status, _, _, _, err := rc.led.Settle(ctx, run.TenantID, run.RunID, fee)
	if err != nil {
		return fmt.Errorf("case A settle (roll back): %w", err)
	}
	if status != ledger.SettleOK {
		return fmt.Errorf("case A settle returned %s", status)
	}
	log.Warn().Msg("case A: rolled back to FAILED (artifact missing)")
	return rc.commit(ctx, run, runstore.StatusFailed, runstore.MoneyStateSettled, fee, "WORKER_CRASH_DURING_FINALIZE", "worker crashed between claim and commit, before the result artifact was written")
}

// caseB: settle already succeeded — the receipt is the sole
// authoritative charge record. Commit the DB side to match it, guarded
// by finalize_stage=CLAIMED so an already-COMMITTED run (repaired by a
// racing recovery attempt) is left alone rather than double-committed.
func (rc *Reconciler) caseB(ctx context.Context, run *runstore.Run, receipt *ledger.Receipt, log zerolog.Logger) error {
	artifactExists := false
	if run.ResultBucket != nil && run.ResultKey != nil {
		exists, err := rc.objects.Exists(ctx, *run.ResultKey)
		if err != nil {
			return fmt.Errorf("check artifact existence: %w", err)
		}
		artifactExists = exists
	}

	status := runstore.StatusFailed
	reasonCode := "WORKER_CRASH_DURING_FINALIZE"
	if artifactExists {
		status = runstore.StatusCompleted
		reasonCode = ""
	}

	log.Warn().Str("status", string(status)).Msg("case B: committing DB side to match existing receipt")
	return rc.commit(ctx, run, status, runstore.MoneyStateSettled, receipt.ChargedMicros, reasonCode, "")
}

// caseC: no reservation and no receipt. The run's fate is genuinely
// unknown — maybe settle ran and the receipt TTL'd out, maybe it never
// ran at all. Per spec.md §4.7 the Reconciler must never guess; mark
// for manual reconciliation instead.
func (rc *Reconciler) caseC(ctx context.Context, run *runstore.Run, log zerolog.Logger) error {
	log.Error().Msg("case C: no reservation and no receipt, marking AUDIT_REQUIRED")
	return rc.commit(ctx, run, runstore.StatusFailed, runstore.MoneyStateAuditRequired, 0, "NO_SETTLEMENT_RECEIPT", "reservation and receipt both absent at reconciliation time; charge cannot be established from authoritative state")
}

// commit performs the guarded terminal CAS: finalize_stage=CLAIMED AND
// finalize_token=<the token this run was already claimed under> must
// still hold, so a run some other recovery path already committed is
// left untouched rather than double-written.
func (rc *Reconciler) commit(ctx context.Context, run *runstore.Run, status runstore.Status, moneyState runstore.MoneyState, actualCostMicros int64, reasonCode, reasonDetail string) error {
	sets := map[string]interface{}{
		"status":                 status,
		"money_state":            moneyState,
		"actual_cost_usd_micros": actualCostMicros,
		"finalize_stage":         runstore.FinalizeStageCommitted,
	}
	if reasonCode != "" {
		sets["last_error_reason_code"] = reasonCode
		sets["last_error_detail"] = reasonDetail
	}

	extra := map[string]interface{}{"finalize_stage": runstore.FinalizeStageClaimed}
	if run.FinalizeToken != nil {
		extra["finalize_token"] = *run.FinalizeToken
	}

	ok, err := rc.runs.UpdateIf(ctx, run.RunID, run.TenantID, run.Version, sets, extra)
	if err != nil {
		return fmt.Errorf("guarded commit: %w", err)
	}
	if !ok {
		rc.log.Debug().Str("run_id", run.RunID).Msg("guarded commit skipped: already committed by another recovery path")
		return nil
	}

	if rc.usage != nil {
		committed := *run
		committed.Status = status
		committed.ActualCostUSDMicros = &actualCostMicros
		if err := rc.usage.RecordRunCompletion(ctx, &committed); err != nil {
			rc.log.Error().Err(err).Str("run_id", run.RunID).Msg("usage rollup failed after reconciler commit")
		}
	}
	return nil
}
