// Package cache holds the two cache tiers the gateway depends on: a
// short-lived in-process cache fronting route/policy reads (MemoryCache,
// TTL <= 5 minutes per spec §5), and the Redis-backed SharedCache that
// is the single source of truth for all cross-instance state (rate
// counters, circuit state, violation counters, token blacklist, per spec
// §5/§6).
package cache

import (
	"context"
	"time"
)

// SharedCache is the minimal surface every strategy/breaker/blocker
// package needs from the shared cache. Atomic read-modify-write
// operations are expressed as Lua scripts run through RunScript; no
// application-layer locking is used over this interface (spec §5/§9).
type SharedCache interface {
	// RunScript executes a Lua script atomically against the given keys.
	RunScript(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets key only if absent, returning whether it set it — the
	// compare-and-set primitive spec §9 requires for refresh-token
	// rotation races.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// Script wraps a named Lua script body so implementations can cache
// SHA1-loaded scripts and retry on NOSCRIPT (grounded in the pack's
// wso2 gcra.RedisLimiter pattern).
type Script struct {
	Name string
	Body string
}
