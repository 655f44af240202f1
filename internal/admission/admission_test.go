package admission

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpp-platform/dpp/internal/ledger"
	"github.com/dpp-platform/dpp/internal/planguard"
	"github.com/dpp-platform/dpp/internal/queue"
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

func newFixture(t *testing.T) (*Admitter, sqlmock.Sqlmock, *ledger.FakeBackend, *queue.FakeQueue) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	runs := runstore.New(db, zerolog.Nop())
	backend := ledger.NewFakeBackend()
	led := ledger.New(backend, zerolog.Nop())
	guard := planguard.New(nil, newNoopRateLimitBackend(), zerolog.Nop())
	q := queue.NewFakeQueue()

	fee := FeeConfig{FloorMicros: 5_000, CeilingMicros: 100_000, BasisPoints: 100}
	return New(runs, led, guard, q, fee, zerolog.Nop()), mock, backend, q
}

// TestAdmitRejectsPayloadMismatchOnIdempotencyReplay exercises the one
// path in Admit reachable without a live plan.Repository: the
// idempotency-replay short-circuit runs before plan enforcement.
func TestAdmitRejectsPayloadMismatchOnIdempotencyReplay(t *testing.T) {
	admitter, mock, _, _ := newFixture(t)
	key := "idem-1"
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(runColumns).AddRow(
		"run-existing", "tenant-1", "decision", "v1",
		string(runstore.StatusQueued), string(runstore.MoneyStateReserved), &key, "different-hash", int64(0),
		int64(10_000), nil, int64(5_000),
		nil, nil, json.RawMessage(`{}`),
		nil, nil, nil, now,
		nil, nil,
		nil, "", nil,
		nil, nil, nil,
		nil, now, now,
	))

	_, err := admitter.Admit(context.Background(), Request{
		TenantID:       "tenant-1",
		PackType:       "decision",
		IdempotencyKey: &key,
		Inputs:         json.RawMessage(`{"x":1}`),
	})
	assert.ErrorIs(t, err, ErrPayloadMismatch)
}

func TestAdmitReplaysExistingRunForMatchingPayload(t *testing.T) {
	admitter, mock, _, _ := newFixture(t)
	key := "idem-2"
	inputs := json.RawMessage(`{"x":1}`)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(runColumns).AddRow(
		"run-existing", "tenant-1", "decision", "v1",
		string(runstore.StatusQueued), string(runstore.MoneyStateReserved), &key, hashPayload(inputs), int64(0),
		int64(10_000), nil, int64(5_000),
		nil, nil, inputs,
		nil, nil, nil, now,
		nil, nil,
		nil, "", nil,
		nil, nil, nil,
		nil, now, now,
	))

	run, err := admitter.Admit(context.Background(), Request{
		TenantID:       "tenant-1",
		PackType:       "decision",
		IdempotencyKey: &key,
		Inputs:         inputs,
	})
	require.NoError(t, err)
	assert.Equal(t, "run-existing", run.RunID)
}
