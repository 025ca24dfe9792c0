package limiter

import (
	_ "embed"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/db"
)

//go:embed scripts/token_bucket.lua
var tokenBucketScript string

var tokenBucketLua = &cache.Script{Name: "token_bucket", Body: tokenBucketScript}

// TokenBucketStrategy allows bursts up to capacity and refills
// continuously at refill_rate tokens/sec (spec §4.3).
type TokenBucketStrategy struct {
	Cache cache.SharedCache
	Clock Clock
}

const defaultBucketTTLSeconds = 3600

func (s *TokenBucketStrategy) Check(ctx context.Context, key string, policy *db.RateLimitPolicy) (Decision, error) {
	now := s.Clock.Now()
	refillRate := float64(*policy.RefillRate)

	result, err := s.Cache.RunScript(ctx, tokenBucketLua, []string{key},
		policy.Capacity, refillRate, unixFloat(now), defaultBucketTTLSeconds)
	if err != nil {
		return Decision{}, err
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("limiter: unexpected token_bucket result %v", result)
	}

	allowed := toInt64(vals[0]) == 1
	tokens := parseFloatArg(vals[1])
	retryAfter := parseFloatArg(vals[2])

	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}

	resetIn := 0.0
	if refillRate > 0 {
		resetIn = (float64(policy.Capacity) - tokens) / refillRate
	}

	return Decision{
		Allowed:    allowed,
		Remaining:  remaining,
		RetryAfter: secondsToDuration(retryAfter),
		ResetAt:    now.Add(secondsToDuration(resetIn)),
	}, nil
}

func unixFloat(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func secondsToDuration(s float64) time.Duration {
	if s < 0 {
		s = 0
	}
	return time.Duration(s * float64(time.Second))
}

func parseFloatArg(v interface{}) float64 {
	switch x := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case int64:
		return float64(x)
	case float64:
		return x
	default:
		return 0
	}
}

func floatToTime(epochSeconds float64) time.Time {
	return time.Unix(0, int64(epochSeconds*1e9))
}

func toInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}
