package limiter

import (
	_ "embed"
	"context"
	"fmt"

	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/db"
)

//go:embed scripts/leaky_bucket.lua
var leakyBucketScript string

var leakyBucketLua = &cache.Script{Name: "leaky_bucket", Body: leakyBucketScript}

// LeakyBucketStrategy smooths bursts to a fixed output rate (spec §4.3).
type LeakyBucketStrategy struct {
	Cache cache.SharedCache
	Clock Clock
}

func (s *LeakyBucketStrategy) Check(ctx context.Context, key string, policy *db.RateLimitPolicy) (Decision, error) {
	now := s.Clock.Now()
	leakRate := float64(*policy.RefillRate)

	result, err := s.Cache.RunScript(ctx, leakyBucketLua, []string{key},
		policy.Capacity, leakRate, unixFloat(now), defaultBucketTTLSeconds)
	if err != nil {
		return Decision{}, err
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("limiter: unexpected leaky_bucket result %v", result)
	}

	allowed := toInt64(vals[0]) == 1
	queue := parseFloatArg(vals[1])
	retryAfter := parseFloatArg(vals[2])

	remaining := policy.Capacity - int(queue)
	if remaining < 0 {
		remaining = 0
	}

	drainIn := 0.0
	if leakRate > 0 {
		drainIn = queue / leakRate
	}

	return Decision{
		Allowed:    allowed,
		Remaining:  remaining,
		RetryAfter: secondsToDuration(retryAfter),
		ResetAt:    now.Add(secondsToDuration(drainIn)),
	}, nil
}
