package limiter

import (
	"fmt"

	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/db"
)

// Identifier picks the rate-limit key subject in priority order: user
// id, then API key id, then client IP (spec §4.3/GLOSSARY).
func Identifier(userID, apiKeyID, clientIP string) string {
	if userID != "" {
		return "user:" + userID
	}
	if apiKeyID != "" {
		return "key:" + apiKeyID
	}
	return "ip:" + clientIP
}

// SelectPolicy picks the policy for tier among the policies registered
// for a route: tier-specific first, then the default (tier == "")
// policy, per spec §4.3. A nil return means "skip rate limiting".
func SelectPolicy(policies []*db.RateLimitPolicy, tier db.Tier) *db.RateLimitPolicy {
	var byDefault *db.RateLimitPolicy
	for _, p := range policies {
		if p.Tier == tier && tier != "" {
			return p
		}
		if p.Tier == "" {
			byDefault = p
		}
	}
	return byDefault
}

// Key builds the shared-cache counter key for a policy check, keyed by
// (strategy, route_id, tier, identifier) per spec §4.3.
func Key(policy *db.RateLimitPolicy, routeID string, identifier string) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s:%s", policy.StrategyName, routeID, policy.Tier, identifier)
}

// StrategyFor builds the Strategy implementation matching a policy's
// configured algorithm.
func StrategyFor(policy *db.RateLimitPolicy, c cache.SharedCache, clock Clock) (Strategy, error) {
	switch policy.StrategyName {
	case db.StrategyTokenBucket:
		return &TokenBucketStrategy{Cache: c, Clock: clock}, nil
	case db.StrategyLeakyBucket:
		return &LeakyBucketStrategy{Cache: c, Clock: clock}, nil
	case db.StrategyFixedWindow:
		return &FixedWindowStrategy{Cache: c, Clock: clock}, nil
	case db.StrategySlidingWindow:
		return &SlidingWindowStrategy{Cache: c, Clock: clock}, nil
	default:
		return nil, fmt.Errorf("limiter: strategy %q has no Check-based implementation; use ConcurrencyStrategy.Acquire directly", policy.StrategyName)
	}
}
