package plan

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetActivePlanUnmarshalsFeaturesAndLimits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"plan_id", "name", "status", "default_profile_version", "features_json", "limits_json",
	}).AddRow(
		"plan-pro", "Pro", "ACTIVE", "v1",
		`{"allowed_pack_types":["decision"],"max_concurrent_runs":5}`,
		`{"rate_limit_post_per_min":60,"rate_limit_poll_per_min":120,"pack_type_limits":{"decision":{"max_cost_usd_micros":50000}}}`,
	)
	mock.ExpectQuery("SELECT").WithArgs("tenant-1").WillReturnRows(rows)

	repo := NewRepository(db)
	p, err := repo.GetActivePlan(context.Background(), "tenant-1")
	require.NoError(t, err)

	assert.True(t, p.AllowsPackType("decision"))
	assert.False(t, p.AllowsPackType("classification"))

	ceiling, ok := p.MaxCostForPackType("decision")
	assert.True(t, ok)
	assert.Equal(t, int64(50_000), ceiling)
}

func TestGetActivePlanNoRowsReturnsSentinel(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT").WithArgs("tenant-1").WillReturnRows(sqlmock.NewRows(nil))

	repo := NewRepository(db)
	_, err = repo.GetActivePlan(context.Background(), "tenant-1")
	assert.ErrorIs(t, err, ErrNoActivePlan)
}
