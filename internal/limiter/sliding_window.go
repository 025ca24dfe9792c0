package limiter

import (
	_ "embed"
	"context"
	"fmt"

	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/db"
)

//go:embed scripts/sliding_window.lua
var slidingWindowScript string

var slidingWindowLua = &cache.Script{Name: "sliding_window", Body: slidingWindowScript}

// SlidingWindowStrategy weights the previous window's count by the
// fraction of it still "inside" the effective lookback (spec §4.3).
type SlidingWindowStrategy struct {
	Cache cache.SharedCache
	Clock Clock
}

func (s *SlidingWindowStrategy) Check(ctx context.Context, key string, policy *db.RateLimitPolicy) (Decision, error) {
	now := s.Clock.Now()
	window := *policy.WindowSeconds

	result, err := s.Cache.RunScript(ctx, slidingWindowLua, []string{key},
		policy.Capacity, window, unixFloat(now))
	if err != nil {
		return Decision{}, err
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) != 4 {
		return Decision{}, fmt.Errorf("limiter: unexpected sliding_window result %v", result)
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
