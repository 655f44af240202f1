// Package usage implements spec.md §6.4's daily usage rollup: one
// atomic upsert per terminal run, into a (tenant_id, usage_date) row.
//
// Grounded on original_source's
// apps/api/dpp_api/metering/usage_tracker.py's PostgreSQL branch
// (UsageTracker.record_run_completion's `INSERT ... ON CONFLICT
// (tenant_id, usage_date) DO UPDATE`) — the SQLite
// select-then-insert-or-update branch has no equivalent here since
// this platform has exactly one supported database, Postgres, the way
// the teacher's internal/ledger has exactly one backing store.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dpp-platform/dpp/internal/runstore"
)

// Tracker records terminal run outcomes into tenant_usage_daily.
type Tracker struct {
	db  *sql.DB
	log zerolog.Logger
}

// New constructs a Tracker.
func New(db *sql.DB, logger zerolog.Logger) *Tracker {
	return &Tracker{db: db, log: logger.With().Str("component", "usage").Logger()}
}

const upsertSQL = `
	INSERT INTO tenant_usage_daily (
		tenant_id, usage_date, runs_count, success_count, fail_count,
		cost_usd_micros_sum, reserved_usd_micros_sum, created_at, updated_at
	) VALUES ($1, $2, 1, $3, $4, $5, $6, $7, $7)
	ON CONFLICT (tenant_id, usage_date) DO UPDATE SET
		runs_count = tenant_usage_daily.runs_count + 1,
		success_count = tenant_usage_daily.success_count + $3,
		fail_count = tenant_usage_daily.fail_count + $4,
		cost_usd_micros_sum = tenant_usage_daily.cost_usd_micros_sum + $5,
		reserved_usd_micros_sum = tenant_usage_daily.reserved_usd_micros_sum + $6,
		updated_at = $7
`

// RecordRunCompletion upserts one tenant_usage_daily row for a run that
// has just reached a terminal status. Safe to call more than once for
// the same run only if the caller guarantees it happens exactly once
// per terminal transition (FinalizeProtocol's commit phase and the
// Reconciler's Case A/B/C commits are the only two callers, and a run
// transitions to terminal exactly once under the CAS discipline
// internal/runstore enforces).
func (t *Tracker) RecordRunCompletion(ctx context.Context, run *runstore.Run) error {
	successCount, failCount := 0, 0
	if run.Status == runstore.StatusCompleted {
		successCount = 1
	} else {
		failCount = 1
	}

	var actualCost int64
	if run.ActualCostUSDMicros != nil {
		actualCost = *run.ActualCostUSDMicros
	}

	usageDate := run.CreatedAt.UTC().Format("2006-01-02")
	now := time.Now().UTC()

	_, err := t.db.ExecContext(ctx, upsertSQL,
		run.TenantID, usageDate, successCount, failCount,
		actualCost, run.ReservationMaxCostUSDMicros, now,
	)
	if err != nil {
		return fmt.Errorf("usage upsert: %w", err)
	}

	t.log.Info().Str("run_id", run.RunID).Str("tenant_id", run.TenantID).
		Str("usage_date", usageDate).Str("status", string(run.Status)).
		Msg("recorded usage")
	return nil
}
