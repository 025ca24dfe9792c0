package limiter

import (
	_ "embed"
	"context"
	"fmt"

	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/db"
)

//go:embed scripts/fixed_window.lua
var fixedWindowScript string

var fixedWindowLua = &cache.Script{Name: "fixed_window", Body: fixedWindowScript}

// FixedWindowStrategy accepts the known boundary-burst weakness per
// spec §4.3.
type FixedWindowStrategy struct {
	Cache cache.SharedCache
	Clock Clock
}

func (s *FixedWindowStrategy) Check(ctx context.Context, key string, policy *db.RateLimitPolicy) (Decision, error) {
	now := s.Clock.Now()
	window := *policy.WindowSeconds

	result, err := s.Cache.RunScript(ctx, fixedWindowLua, []string{key},
		policy.Capacity, window, unixFloat(now))
	if err != nil {
		return Decision{}, err
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) != 4 {
		return Decision{}, fmt.Errorf("limiter: unexpected fixed_window result %v", result)
	}

	allowed := toInt64(vals[0]) == 1
	remaining := int(toInt64(vals[1]))
	retryAfter := parseFloatArg(vals[2])
	windowEnd := parseFloatArg(vals[3])

	return Decision{
		Allowed:    allowed,
		Remaining:  remaining,
		RetryAfter: secondsToDuration(retryAfter),
		ResetAt:    floatToTime(windowEnd),
	}, nil
}
