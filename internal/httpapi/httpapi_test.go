package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpp-platform/dpp/internal/admission"
	"github.com/dpp-platform/dpp/internal/auth"
	"github.com/dpp-platform/dpp/internal/ledger"
	"github.com/dpp-platform/dpp/internal/objectstore"
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

// noopRateLimitBackend never has occasion to run in the tests that need
// it here (they return before admission ever reaches PlanGuard), so it
// just reports an empty counter on every call.
type noopRateLimitBackend struct{}

func (noopRateLimitBackend) Incr(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (noopRateLimitBackend) Decr(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(0)
	return cmd
}

func (noopRateLimitBackend) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func (noopRateLimitBackend) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetErr(redis.Nil)
	return cmd
}

func (noopRateLimitBackend) TTL(ctx context.Context, key string) *redis.DurationCmd {
	cmd := redis.NewDurationCmd(ctx, 0)
	cmd.SetVal(-1)
	return cmd
}

func newFixture(t *testing.T) (*Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	authenticator := auth.New(db, zerolog.Nop())
	runs := runstore.New(db, zerolog.Nop())
	backend := ledger.NewFakeBackend()
	backend.SeedBalance("tenant-1", 1_000_000)
	led := ledger.New(backend, zerolog.Nop())
	objects := objectstore.NewFakeStore("results")
	q := queue.NewFakeQueue()
	guard := planguard.New(nil, noopRateLimitBackend{}, zerolog.Nop())
	admitter := admission.New(runs, led, guard, q, admission.FeeConfig{FloorMicros: 5_000, CeilingMicros: 100_000, BasisPoints: 200}, zerolog.Nop())

	h := New(authenticator, admitter, runs, guard, objects, db, 10*time.Minute, zerolog.Nop())
	return h, mock
}

func TestHandleGetRunReturnsStealth404ForMissingRun(t *testing.T) {
	h, mock := newFixture(t)

	mock.ExpectQuery("SELECT k.key_id").WillReturnRows(sqlmock.NewRows([]string{"key_id", "tenant_id"}).AddRow("key-1", "tenant-1"))
	mock.ExpectQuery("SELECT").WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/does-not-exist", nil)
	req.Header.Set("Authorization", "Bearer dpp_validtoken")
	w := httptest.NewRecorder()

	h.handleRunByID(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleGetRunRejectsMissingAuth(t *testing.T) {
	h, _ := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1", nil)
	w := httptest.NewRecorder()

	h.handleRunByID(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleGetRunReturnsRunView(t *testing.T) {
	h, mock := newFixture(t)

	mock.ExpectQuery("SELECT k.key_id").WillReturnRows(sqlmock.NewRows([]string{"key_id", "tenant_id"}).AddRow("key-1", "tenant-1"))

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(runColumns).AddRow(
		"run-1", "tenant-1", "decision", "v1",
		string(runstore.StatusProcessing), string(runstore.MoneyStateReserved), nil, "hash", int64(1),
		int64(100_000), nil, int64(5_000),
		nil, nil, json.RawMessage(`{}`),
		nil, nil, nil, now.Add(24*time.Hour),
		nil, nil,
		nil, "", nil,
		nil, nil, nil,
		nil, now, now,
	))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1", nil)
	req.Header.Set("Authorization", "Bearer dpp_validtoken")
	w := httptest.NewRecorder()

	h.handleRunByID(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var view runView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	assert.Equal(t, "run-1", view.RunID)
	assert.Equal(t, "PROCESSING", view.Status)
	assert.Nil(t, view.ResultURL)
}

func TestHandleGetRunReturnsGoneAfterRetentionExpiry(t *testing.T) {
	h, mock := newFixture(t)

	mock.ExpectQuery("SELECT k.key_id").WillReturnRows(sqlmock.NewRows([]string{"key_id", "tenant_id"}).AddRow("key-1", "tenant-1"))

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(runColumns).AddRow(
		"run-1", "tenant-1", "decision", "v1",
		string(runstore.StatusCompleted), string(runstore.MoneyStateSettled), nil, "hash", int64(3),
		int64(100_000), int64(80_000), int64(5_000),
		nil, nil, json.RawMessage(`{}`),
		nil, nil, nil, now.Add(-time.Hour),
		nil, nil,
		nil, "", nil,
		&now, nil, nil,
		nil, now, now,
	))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1", nil)
	req.Header.Set("Authorization", "Bearer dpp_validtoken")
	w := httptest.NewRecorder()

	h.handleRunByID(w, req)

	assert.Equal(t, http.StatusGone, w.Code)
}

func TestHandleCreateRunRejectsShortIdempotencyKey(t *testing.T) {
	h, mock := newFixture(t)

	mock.ExpectQuery("SELECT k.key_id").WillReturnRows(sqlmock.NewRows([]string{"key_id", "tenant_id"}).AddRow("key-1", "tenant-1"))

	body := strings.NewReader(`{"pack_type":"decision","inputs":{},"reservation":{"max_cost_usd":"1.0000"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	req.Header.Set("Authorization", "Bearer dpp_validtoken")
	req.Header.Set("Idempotency-Key", "short")
	w := httptest.NewRecorder()

	h.handleCreateRun(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCreateRunRejectsMissingAuth(t *testing.T) {
	h, _ := newFixture(t)

	body := strings.NewReader(`{"pack_type":"decision","inputs":{},"reservation":{"max_cost_usd":"1.0000"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	req.Header.Set("Idempotency-Key", "a-valid-key-12345")
	w := httptest.NewRecorder()

	h.handleCreateRun(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
