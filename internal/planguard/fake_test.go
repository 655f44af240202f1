package planguard

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// fakeBackend is an in-memory stand-in for the subset of Redis planguard
// needs, mirroring internal/ledger's FakeBackend DI pattern so rate
// limiting is unit-testable without a live Redis.
type fakeBackend struct {
	mu       sync.Mutex
	values   map[string]int64
	expireAt map[string]time.Time
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{values: map[string]int64{}, expireAt: map[string]time.Time{}}
}

func (f *fakeBackend) expired(key string) bool {
	exp, ok := f.expireAt[key]
	return ok && time.Now().After(exp)
}

func (f *fakeBackend) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired(key) {
		delete(f.values, key)
		delete(f.expireAt, key)
	}
	f.values[key]++
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(f.values[key])
	return cmd
}

func (f *fakeBackend) Decr(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key]--
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(f.values[key])
	return cmd
}

func (f *fakeBackend) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireAt[key] = time.Now().Add(expiration)
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeBackend) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	if f.expired(key) {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	v, ok := f.values[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(strconv.FormatInt(v, 10))
	return cmd
}

func (f *fakeBackend) TTL(ctx context.Context, key string) *redis.DurationCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewDurationCmd(ctx, 0)
	exp, ok := f.expireAt[key]
	if !ok || time.Now().After(exp) {
		cmd.SetVal(-1)
		return cmd
	}
	cmd.SetVal(time.Until(exp))
	return cmd
}
