package finalize

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpp-platform/dpp/internal/ledger"
	"github.com/dpp-platform/dpp/internal/runstore"
	"github.com/dpp-platform/dpp/internal/usage"
)

var runColumns = []string{
	"run_id", "tenant_id", "pack_type", "profile_version",
	"status", "money_state", "idempotency_key", "payload_hash", "version",
	"reservation_max_cost_usd_micros", "actual_cost_usd_micros", "minimum_fee_usd_micros",
	"timebox_sec", "min_reliability_score", "inputs_json",
	"result_bucket", "result_key", "result_sha256", "retention_until",
	"lease_token", "lease_expires_at",
	"finalize_token", "finalize_stage", "finalize_claimed_at",
	"completed_at", "last_error_reason_code", "last_error_detail",
	"trace_id", "created_at", "updated_at",
}

func runRow(run *runstore.Run, version int64, stage runstore.FinalizeStage) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(runColumns).AddRow(
		run.RunID, run.TenantID, "decision", "v1",
		string(run.Status), string(run.MoneyState), nil, "hash", version,
		run.ReservationMaxCostUSDMicros, nil, int64(0),
		nil, nil, nil,
		nil, nil, nil, run.RetentionUntil,
		nil, nil,
		nil, string(stage), nil,
		nil, nil, nil,
		nil, now, now,
	)
}

func newFixture(t *testing.T) (*Protocol, sqlmock.Sqlmock, *ledger.Ledger, *ledger.FakeBackend) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	runs := runstore.New(db, zerolog.Nop())
	backend := ledger.NewFakeBackend()
	led := ledger.New(backend, zerolog.Nop())
	return New(runs, led, nil, zerolog.Nop()), mock, led, backend
}

func processingRun() *runstore.Run {
	return &runstore.Run{
		RunID:                       "run-1",
		TenantID:                    "tenant-1",
		Status:                      runstore.StatusProcessing,
		MoneyState:                  runstore.MoneyStateReserved,
		Version:                     2,
		ReservationMaxCostUSDMicros: 100_000,
		RetentionUntil:              time.Now().Add(24 * time.Hour),
	}
}

func TestFinalizeSuccessWinsClaimSettlesAndCommits(t *testing.T) {
	protocol, mock, led, backend := newFixture(t)
	ctx := context.Background()
	backend.SeedBalance("tenant-1", 100_000)

	run := processingRun()
	status, _, err := led.Reserve(ctx, "tenant-1", "run-1", 100_000)
	require.NoError(t, err)
	require.Equal(t, ledger.ReserveOK, status)

	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1)) // claim (Phase A)
	mock.ExpectQuery("SELECT").WillReturnRows(runRow(run, 3, runstore.FinalizeStageClaimed))
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1)) // commit (Phase B)

	outcome, err := protocol.FinalizeSuccess(ctx, run, 40_000, "bucket", "key", "sha")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWinner, outcome)
	require.NoError(t, mock.ExpectationsWereMet())

	receipt, err := led.GetReceipt(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, int64(40_000), receipt.ChargedMicros)
	assert.Equal(t, int64(60_000), receipt.RefundedMicros)
}

func TestFinalizeSuccessRecordsUsageWhenTrackerWired(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	runs := runstore.New(db, zerolog.Nop())
	backend := ledger.NewFakeBackend()
	led := ledger.New(backend, zerolog.Nop())
	tracker := usage.New(db, zerolog.Nop())
	protocol := New(runs, led, tracker, zerolog.Nop())

	ctx := context.Background()
	backend.SeedBalance("tenant-1", 100_000)
	run := processingRun()
	status, _, err := led.Reserve(ctx, "tenant-1", "run-1", 100_000)
	require.NoError(t, err)
	require.Equal(t, ledger.ReserveOK, status)

	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1)) // claim
	mock.ExpectQuery("SELECT").WillReturnRows(runRow(run, 3, runstore.FinalizeStageClaimed))
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1)) // commit
	mock.ExpectExec("INSERT INTO tenant_usage_daily").WillReturnResult(sqlmock.NewResult(0, 1))

	outcome, err := protocol.FinalizeSuccess(ctx, run, 40_000, "bucket", "key", "sha")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWinner, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeLosesClaimWhenNotProcessing(t *testing.T) {
	protocol, _, _, _ := newFixture(t)
	run := processingRun()
	run.Status = runstore.StatusCompleted

	outcome, err := protocol.FinalizeSuccess(context.Background(), run, 1_000, "b", "k", "s")
	assert.Equal(t, OutcomeLoser, outcome)
	assert.ErrorIs(t, err, ErrClaimLost)
}

func TestFinalizeLosesClaimWhenCASFails(t *testing.T) {
	protocol, mock, _, _ := newFixture(t)
	run := processingRun()

	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 0)) // lost race

	outcome, err := protocol.FinalizeSuccess(context.Background(), run, 1_000, "b", "k", "s")
	assert.Equal(t, OutcomeLoser, outcome)
	assert.ErrorIs(t, err, ErrClaimLost)
}

func TestFinalizeRejectsCostAboveReservation(t *testing.T) {
	protocol, mock, _, _ := newFixture(t)
	run := processingRun()

	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := protocol.FinalizeSuccess(context.Background(), run, run.ReservationMaxCostUSDMicros+1, "b", "k", "s")
	assert.ErrorIs(t, err, ErrCostExceedsReservation)
}

func TestFinalizeFailureChargesMinimumFee(t *testing.T) {
	protocol, mock, led, backend := newFixture(t)
	ctx := context.Background()
	backend.SeedBalance("tenant-1", 100_000)

	run := processingRun()
	_, _, err := led.Reserve(ctx, "tenant-1", "run-1", 100_000)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT").WillReturnRows(runRow(run, 3, runstore.FinalizeStageClaimed))
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1))

	outcome, err := protocol.FinalizeFailure(ctx, run, 5_000, "EXECUTOR_ERROR", "boom")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWinner, outcome)

	receipt, err := led.GetReceipt(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, int64(5_000), receipt.ChargedMicros)
}
