// Package planguard enforces plan-based admission limits: allowed pack
// types, per-pack-type cost ceilings, the minimum-max-cost floor, and
// per-tenant rate limiting — everything Admission must check before a
// run is ever created.
//
// Grounded on original_source's
// apps/api/dpp_api/enforce/plan_enforcer.py (PlanEnforcer), with the
// Python PlanViolationError exception hierarchy replaced by typed
// sentinel errors (spec.md §9 redesign flag) that internal/httpapi maps
// to internal/problem.Details.
package planguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/dpp-platform/dpp/internal/plan"
)

// MinimumMaxCostUSDMicros is the absolute floor for a run's requested
// reservation ceiling — mirrors MINIMUM_MAX_COST_USD_MICROS.
const MinimumMaxCostUSDMicros int64 = 5_000

const rateLimitWindow = 60 * time.Second

var (
	// ErrNoActivePlan mirrors get_active_plan's 400 "no-active-plan".
	ErrNoActivePlan = plan.ErrNoActivePlan

	// ErrPackTypeNotAllowed mirrors check_allowed_pack_type's 400.
	ErrPackTypeNotAllowed = errors.New("planguard: pack type not allowed for this plan")

	// ErrMaxCostTooLow mirrors check_pack_type_max_cost's 400
	// "max-cost-too-low".
	ErrMaxCostTooLow = errors.New("planguard: requested max cost below minimum floor")

	// ErrMaxCostExceeded mirrors check_pack_type_max_cost's 402
	// "max-cost-exceeded".
	ErrMaxCostExceeded = errors.New("planguard: requested max cost exceeds plan ceiling")

	// ErrRateLimited mirrors check_rate_limit_post/poll's 429.
	ErrRateLimited = errors.New("planguard: rate limit exceeded")
)

// RateLimitExceededError carries the Retry-After value ErrRateLimited
// needs at the HTTP boundary — errors.As unwraps it from ErrRateLimited.
type RateLimitExceededError struct {
	RetryAfterSeconds int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("planguard: rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

func (e *RateLimitExceededError) Unwrap() error { return ErrRateLimited }

// RateLimitHeaders carries X-RateLimit-* values for a response.
type RateLimitHeaders struct {
	Limit     int
	Remaining int
	ResetSec  int
}

// Backend is the narrow Redis surface planguard needs — the same
// testability-via-DI pattern internal/ledger uses, so unit tests run
// against a fake without a live Redis.
type Backend interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Decr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// Guard enforces plan limits for admission and polling.
type Guard struct {
	plans *plan.Repository
	redis Backend
	log   zerolog.Logger
}

// New constructs a Guard.
func New(plans *plan.Repository, backend Backend, logger zerolog.Logger) *Guard {
	return &Guard{plans: plans, redis: backend, log: logger.With().Str("component", "planguard").Logger()}
}

// ActivePlan resolves the tenant's active plan, or ErrNoActivePlan.
func (g *Guard) ActivePlan(ctx context.Context, tenantID string) (*plan.Plan, error) {
	return g.plans.GetActivePlan(ctx, tenantID)
}

// CheckAllowedPackType mirrors check_allowed_pack_type.
func (g *Guard) CheckAllowedPackType(p *plan.Plan, packType string) error {
	if !p.AllowsPackType(packType) {
		return fmt.Errorf("%w: %s not allowed under plan %s", ErrPackTypeNotAllowed, packType, p.PlanID)
	}
	return nil
}

// CheckPackTypeMaxCost mirrors check_pack_type_max_cost: rejects a
// requested ceiling below the absolute floor (400) or above the plan's
// configured per-pack-type ceiling (402).
func (g *Guard) CheckPackTypeMaxCost(p *plan.Plan, packType string, requestedMaxCostUSDMicros int64) error {
	if requestedMaxCostUSDMicros < MinimumMaxCostUSDMicros {
		return fmt.Errorf("%w: requested=%d floor=%d", ErrMaxCostTooLow, requestedMaxCostUSDMicros, MinimumMaxCostUSDMicros)
	}
	ceiling, ok := p.MaxCostForPackType(packType)
	if ok && requestedMaxCostUSDMicros > ceiling {
		return fmt.Errorf("%w: requested=%d ceiling=%d", ErrMaxCostExceeded, requestedMaxCostUSDMicros, ceiling)
	}
	return nil
}

// CheckRateLimitPost mirrors check_rate_limit_post: an INCR-first atomic
// counter under rate_limit:post_runs:{tenant_id}, TTL'd to the current
// minute window on first increment. Exceeding the limit rolls the
// counter back with DECR (so the window's count reflects actual
// successful admissions, not rejected attempts) and returns
// ErrRateLimited wrapping the Retry-After computed from the key's TTL.
func (g *Guard) CheckRateLimitPost(ctx context.Context, p *plan.Plan, tenantID string) error {
	return g.checkRateLimit(ctx, fmt.Sprintf("rate_limit:post_runs:%s", tenantID), p.Limits.RateLimitPostPerMin)
}

// CheckRateLimitPoll mirrors check_rate_limit_poll, same pattern against
// rate_limit:poll_runs:{tenant_id}.
func (g *Guard) CheckRateLimitPoll(ctx context.Context, p *plan.Plan, tenantID string) error {
	return g.checkRateLimit(ctx, fmt.Sprintf("rate_limit:poll_runs:%s", tenantID), p.Limits.RateLimitPollPerMin)
}

func (g *Guard) checkRateLimit(ctx context.Context, key string, limit int) error {
	count, err := g.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := g.redis.Expire(ctx, key, rateLimitWindow).Err(); err != nil {
			return fmt.Errorf("rate limit expire: %w", err)
		}
	}

	if int(count) > limit {
		ttl, err := g.redis.TTL(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("rate limit ttl: %w", err)
		}
		if _, err := g.redis.Decr(ctx, key).Result(); err != nil {
			return fmt.Errorf("rate limit rollback decr: %w", err)
		}
		retryAfter := int(ttl.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &RateLimitExceededError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// HeadersPost mirrors get_rate_limit_headers_post.
func (g *Guard) HeadersPost(ctx context.Context, p *plan.Plan, tenantID string) (RateLimitHeaders, error) {
	return g.headers(ctx, fmt.Sprintf("rate_limit:post_runs:%s", tenantID), p.Limits.RateLimitPostPerMin)
}

// HeadersPoll mirrors get_rate_limit_headers_poll.
func (g *Guard) HeadersPoll(ctx context.Context, p *plan.Plan, tenantID string) (RateLimitHeaders, error) {
	return g.headers(ctx, fmt.Sprintf("rate_limit:poll_runs:%s", tenantID), p.Limits.RateLimitPollPerMin)
}

func (g *Guard) headers(ctx context.Context, key string, limit int) (RateLimitHeaders, error) {
	used := 0
	if v, err := g.redis.Get(ctx, key).Int(); err == nil {
		used = v
	} else if !errors.Is(err, redis.Nil) {
		return RateLimitHeaders{}, fmt.Errorf("rate limit headers get: %w", err)
	}

	reset := int(rateLimitWindow.Seconds())
	if ttl, err := g.redis.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		reset = int(ttl.Seconds())
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitHeaders{Limit: limit, Remaining: remaining, ResetSec: reset}, nil
}

// Enforce mirrors PlanEnforcer.enforce: the single entry point Admission
// calls before creating a run, chaining every check in the order the
// original enforces them so error precedence matches (no-active-plan
// before pack-type before cost before rate limit).
func (g *Guard) Enforce(ctx context.Context, tenantID, packType string, requestedMaxCostUSDMicros int64) (*plan.Plan, error) {
	p, err := g.ActivePlan(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := g.CheckAllowedPackType(p, packType); err != nil {
		return nil, err
	}
	if err := g.CheckPackTypeMaxCost(p, packType, requestedMaxCostUSDMicros); err != nil {
		return nil, err
	}
	if err := g.CheckRateLimitPost(ctx, p, tenantID); err != nil {
		return nil, err
	}
	return p, nil
}
