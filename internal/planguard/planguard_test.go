package planguard

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpp-platform/dpp/internal/plan"
)

func testPlan() *plan.Plan {
	return &plan.Plan{
		PlanID: "plan-pro",
		Features: plan.Features{
			AllowedPackTypes: []string{"decision", "classification"},
		},
		Limits: plan.Limits{
			RateLimitPostPerMin: 3,
			RateLimitPollPerMin: 10,
			PackTypeLimits: map[string]plan.PackTypeLimit{
				"decision": {MaxCostUSDMicros: 50_000},
			},
		},
	}
}

func newTestGuard() (*Guard, *fakeBackend) {
	backend := newFakeBackend()
	return New(nil, backend, zerolog.Nop()), backend
}

func TestCheckAllowedPackType(t *testing.T) {
	g, _ := newTestGuard()
	p := testPlan()

	assert.NoError(t, g.CheckAllowedPackType(p, "decision"))
	assert.ErrorIs(t, g.CheckAllowedPackType(p, "unknown-pack"), ErrPackTypeNotAllowed)
}

func TestCheckPackTypeMaxCostFloor(t *testing.T) {
	g, _ := newTestGuard()
	p := testPlan()

	err := g.CheckPackTypeMaxCost(p, "decision", MinimumMaxCostUSDMicros-1)
	assert.ErrorIs(t, err, ErrMaxCostTooLow)
}

func TestCheckPackTypeMaxCostCeiling(t *testing.T) {
	g, _ := newTestGuard()
	p := testPlan()

	err := g.CheckPackTypeMaxCost(p, "decision", 50_001)
	assert.ErrorIs(t, err, ErrMaxCostExceeded)
}

func TestCheckPackTypeMaxCostWithinBounds(t *testing.T) {
	g, _ := newTestGuard()
	p := testPlan()

	assert.NoError(t, g.CheckPackTypeMaxCost(p, "decision", 25_000))
}

func TestCheckPackTypeMaxCostNoConfiguredCeilingAllowsAnyAboveFloor(t *testing.T) {
	g, _ := newTestGuard()
	p := testPlan()

	assert.NoError(t, g.CheckPackTypeMaxCost(p, "classification", 1_000_000))
}

func TestRateLimitAllowsUpToLimit(t *testing.T) {
	g, _ := newTestGuard()
	p := testPlan()
	ctx := context.Background()

	for i := 0; i < p.Limits.RateLimitPostPerMin; i++ {
		require.NoError(t, g.CheckRateLimitPost(ctx, p, "tenant-1"))
	}
}

func TestRateLimitRejectsOverLimitAndRollsBackCounter(t *testing.T) {
	g, backend := newTestGuard()
	p := testPlan()
	ctx := context.Background()

	for i := 0; i < p.Limits.RateLimitPostPerMin; i++ {
		require.NoError(t, g.CheckRateLimitPost(ctx, p, "tenant-1"))
	}

	err := g.CheckRateLimitPost(ctx, p, "tenant-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))

	var rle *RateLimitExceededError
	require.True(t, errors.As(err, &rle))
	assert.GreaterOrEqual(t, rle.RetryAfterSeconds, 1)

	// Rejected attempt must not permanently consume a slot: the counter
	// should have been rolled back to exactly the limit.
	assert.Equal(t, int64(p.Limits.RateLimitPostPerMin), backend.values["rate_limit:post_runs:tenant-1"])
}

func TestRateLimitPostAndPollAreIndependentCounters(t *testing.T) {
	g, _ := newTestGuard()
	p := testPlan()
	ctx := context.Background()

	for i := 0; i < p.Limits.RateLimitPostPerMin; i++ {
		require.NoError(t, g.CheckRateLimitPost(ctx, p, "tenant-1"))
	}
	require.NoError(t, g.CheckRateLimitPoll(ctx, p, "tenant-1"))
}

func TestHeadersPostReflectsRemaining(t *testing.T) {
	g, _ := newTestGuard()
	p := testPlan()
	ctx := context.Background()

	require.NoError(t, g.CheckRateLimitPost(ctx, p, "tenant-1"))
	headers, err := g.HeadersPost(ctx, p, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, p.Limits.RateLimitPostPerMin, headers.Limit)
	assert.Equal(t, p.Limits.RateLimitPostPerMin-1, headers.Remaining)
}

func TestEnforceChainsChecksInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(
		[]string{"plan_id", "name", "status", "default_profile_version", "features_json", "limits_json"},
	).AddRow(
		"plan-pro", "Pro", "ACTIVE", "v1",
		`{"allowed_pack_types":["decision"]}`,
		`{"rate_limit_post_per_min":3,"rate_limit_poll_per_min":10,"pack_type_limits":{"decision":{"max_cost_usd_micros":50000}}}`,
	))

	g := New(plan.NewRepository(db), newFakeBackend(), zerolog.Nop())

	// pack-type-not-allowed must win over a too-low max cost when both
	// are true, matching enforce()'s check ordering.
	_, err = g.Enforce(context.Background(), "tenant-1", "unknown-pack", MinimumMaxCostUSDMicros-1)
	assert.ErrorIs(t, err, ErrPackTypeNotAllowed)
}
