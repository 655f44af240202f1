// Package plan holds the Plan/TenantPlan monetization model: rate
// limits, allowed pack types, and per-pack-type cost ceilings that
// internal/planguard enforces against every admission request.
//
// Grounded on original_source's db/models.py (Plan, TenantPlan) and
// db/repo_plans.py (TenantPlanRepository.get_active_plan).
package plan

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoActivePlan is returned when a tenant has no currently-active plan
// assignment — mapped to a 400 "No Active Plan" problem by planguard.
var ErrNoActivePlan = errors.New("plan: tenant has no active plan")

// PackTypeLimit is one entry of a plan's limits_json.pack_type_limits map.
type PackTypeLimit struct {
	MaxCostUSDMicros int64 `json:"max_cost_usd_micros"`
}

// Features mirrors Plan.features_json.
type Features struct {
	AllowedPackTypes  []string `json:"allowed_pack_types"`
	MaxConcurrentRuns int      `json:"max_concurrent_runs"`
}

// Limits mirrors Plan.limits_json.
type Limits struct {
	RateLimitPostPerMin int                      `json:"rate_limit_post_per_min"`
	RateLimitPollPerMin int                      `json:"rate_limit_poll_per_min"`
	PackTypeLimits      map[string]PackTypeLimit `json:"pack_type_limits"`
}

// Plan is a monetization tier/product.
type Plan struct {
	PlanID                string
	Name                  string
	Status                string
	DefaultProfileVersion string
	Features              Features
	Limits                Limits
}

// AllowsPackType reports whether packType is in this plan's allow-list.
func (p *Plan) AllowsPackType(packType string) bool {
	for _, t := range p.Features.AllowedPackTypes {
		if t == packType {
			return true
		}
	}
	return false
}

// MaxCostForPackType returns the plan's cost ceiling for packType, or
// (0, false) if the plan has no explicit ceiling configured for it.
func (p *Plan) MaxCostForPackType(packType string) (int64, bool) {
	limit, ok := p.Limits.PackTypeLimits[packType]
	if !ok {
		return 0, false
	}
	return limit.MaxCostUSDMicros, true
}

// Repository resolves a tenant's currently-active plan.
type Repository struct {
	db *sql.DB
}

// NewRepository wraps an already-opened *sql.DB.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetActivePlan joins tenant_plans (status=ACTIVE) to plans for tenantID.
func (r *Repository) GetActivePlan(ctx context.Context, tenantID string) (*Plan, error) {
	const q = `
		SELECT p.plan_id, p.name, p.status, p.default_profile_version,
		       p.features_json, p.limits_json
		FROM tenant_plans tp
		JOIN plans p ON p.plan_id = tp.plan_id
		WHERE tp.tenant_id = $1 AND tp.status = 'ACTIVE'
		ORDER BY tp.effective_from DESC
		LIMIT 1
	`
	var p Plan
	var featuresRaw, limitsRaw []byte
	err := r.db.QueryRowContext(ctx, q, tenantID).Scan(
		&p.PlanID, &p.Name, &p.Status, &p.DefaultProfileVersion, &featuresRaw, &limitsRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActivePlan
	}
	if err != nil {
		return nil, fmt.Errorf("get active plan: %w", err)
	}
	if err := json.Unmarshal(featuresRaw, &p.Features); err != nil {
		return nil, fmt.Errorf("unmarshal features_json: %w", err)
	}
	if err := json.Unmarshal(limitsRaw, &p.Limits); err != nil {
		return nil, fmt.Errorf("unmarshal limits_json: %w", err)
	}
	return &p, nil
}
