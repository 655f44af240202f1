package admission

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// noopRateLimitBackend satisfies planguard.Backend for tests that never
// reach rate limiting (the idempotency-replay short-circuit returns
// before Guard.Enforce is called).
type noopRateLimitBackend struct{}

func newNoopRateLimitBackend() *noopRateLimitBackend { return &noopRateLimitBackend{} }

func (n *noopRateLimitBackend) Incr(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (n *noopRateLimitBackend) Decr(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(0)
	return cmd
}

func (n *noopRateLimitBackend) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func (n *noopRateLimitBackend) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetErr(redis.Nil)
	return cmd
}

func (n *noopRateLimitBackend) TTL(ctx context.Context, key string) *redis.DurationCmd {
	cmd := redis.NewDurationCmd(ctx, 0)
	cmd.SetVal(-1)
	return cmd
}
