package reconciler

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpp-platform/dpp/internal/ledger"
	"github.com/dpp-platform/dpp/internal/objectstore"
	"github.com/dpp-platform/dpp/internal/runstore"
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

func stuckClaimedRow(resultKey *string) *sqlmock.Rows {
	now := time.Now().UTC()
	claimedAt := now.Add(-time.Hour)
	token := "finalize-token-1"
	bucket := "results"
	return sqlmock.NewRows(runColumns).AddRow(
		"run-1", "tenant-1", "decision", "v1",
		string(runstore.StatusProcessing), string(runstore.MoneyStateReserved), nil, "hash", int64(2),
		int64(100_000), nil, int64(5_000),
		nil, nil, json.RawMessage(`{}`),
		&bucket, resultKey, nil, now.Add(24*time.Hour),
		nil, nil,
		&token, string(runstore.FinalizeStageClaimed), &claimedAt,
		nil, nil, nil,
		nil, now, now,
	)
}

func TestTickCaseARollsForwardWhenArtifactExists(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	runs := runstore.New(db, zerolog.Nop())
	backend := ledger.NewFakeBackend()
	backend.SeedBalance("tenant-1", 100_000)
	led := ledger.New(backend, zerolog.Nop())
	_, _, err = led.Reserve(context.Background(), "tenant-1", "run-1", 100_000)
	require.NoError(t, err)

	objects := objectstore.NewFakeStore("results")
	key := "tenant-1/run-1/result.json"
	_, err = objects.Put(context.Background(), key, strings.NewReader(`{"ok":true}`))
	require.NoError(t, err)

	rc := New(runs, led, objects, nil, time.Minute, time.Minute, zerolog.Nop())

	mock.ExpectQuery("SELECT").WillReturnRows(stuckClaimedRow(&key)) // ListStuckClaimed
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1)) // guarded commit

	rc.tick(context.Background())

	receipt, err := led.GetReceipt(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, int64(100_000), receipt.ChargedMicros)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTickCaseARollsBackWhenArtifactMissing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	runs := runstore.New(db, zerolog.Nop())
	backend := ledger.NewFakeBackend()
	backend.SeedBalance("tenant-1", 100_000)
	led := ledger.New(backend, zerolog.Nop())
	_, _, err = led.Reserve(context.Background(), "tenant-1", "run-1", 100_000)
	require.NoError(t, err)

	objects := objectstore.NewFakeStore("results")
	rc := New(runs, led, objects, nil, time.Minute, time.Minute, zerolog.Nop())

	key := "tenant-1/run-1/result.json"
	mock.ExpectQuery("SELECT").WillReturnRows(stuckClaimedRow(&key))
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1))

	rc.tick(context.Background())

	receipt, err := led.GetReceipt(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, int64(5_000), receipt.ChargedMicros)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTickCaseBCommitsToMatchExistingReceipt(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	runs := runstore.New(db, zerolog.Nop())
	backend := ledger.NewFakeBackend()
	backend.SeedBalance("tenant-1", 100_000)
	led := ledger.New(backend, zerolog.Nop())
	_, _, err = led.Reserve(context.Background(), "tenant-1", "run-1", 100_000)
	require.NoError(t, err)
	_, _, _, _, err = led.Settle(context.Background(), "tenant-1", "run-1", 80_000)
	require.NoError(t, err)

	objects := objectstore.NewFakeStore("results")
	key := "tenant-1/run-1/result.json"
	_, err = objects.Put(context.Background(), key, strings.NewReader(`{"ok":true}`))
	require.NoError(t, err)

	rc := New(runs, led, objects, nil, time.Minute, time.Minute, zerolog.Nop())

	mock.ExpectQuery("SELECT").WillReturnRows(stuckClaimedRow(&key))
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1))

	rc.tick(context.Background())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTickCaseCMarksAuditRequiredWhenNothingFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	runs := runstore.New(db, zerolog.Nop())
	backend := ledger.NewFakeBackend()
	led := ledger.New(backend, zerolog.Nop())
	objects := objectstore.NewFakeStore("results")
	rc := New(runs, led, objects, nil, time.Minute, time.Minute, zerolog.Nop())

	key := "tenant-1/run-1/result.json"
	mock.ExpectQuery("SELECT").WillReturnRows(stuckClaimedRow(&key))
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1))

	rc.tick(context.Background())
	require.NoError(t, mock.ExpectationsWereMet())
}
