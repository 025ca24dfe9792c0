package limiter

import (
	_ "embed"
	"context"
	"fmt"

	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/db"
)

//go:embed scripts/concurrency_acquire.lua
var concurrencyAcquireScript string

//go:embed scripts/concurrency_release.lua
var concurrencyReleaseScript string

var (
	concurrencyAcquireLua = &cache.Script{Name: "concurrency_acquire", Body: concurrencyAcquireScript}
	concurrencyReleaseLua = &cache.Script{Name: "concurrency_release", Body: concurrencyReleaseScript}
)

const defaultConcurrencyTTLSeconds = 300

// ConcurrencyStrategy caps in-flight requests rather than request rate
// (spec §4.3). It does not implement Strategy directly since a slot
// held by Acquire must be released by its caller, not inferred from a
// single Check call.
type ConcurrencyStrategy struct {
	Cache cache.SharedCache
}

// Acquire takes a concurrency slot if one is free. On denial the
// returned *Acquisition is nil. On success the caller must Release it
// exactly once, on every exit path, per spec §4.3/§5/§9.
func (s *ConcurrencyStrategy) Acquire(ctx context.Context, key string, policy *db.RateLimitPolicy) (Decision, *Acquisition, error) {
	result, err := s.Cache.RunScript(ctx, concurrencyAcquireLua, []string{key},
		policy.Capacity, defaultConcurrencyTTLSeconds)
	if err != nil {
		return Decision{}, nil, err
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, nil, fmt.Errorf("limiter: unexpected concurrency_acquire result %v", result)
	}

	allowed := toInt64(vals[0]) == 1
	remaining := int(toInt64(vals[1]))

	decision := Decision{Allowed: allowed, Remaining: remaining}
	if !allowed {
		return decision, nil, nil
	}

	acq := &Acquisition{release: func(releaseCtx context.Context) error {
		_, err := s.Cache.RunScript(releaseCtx, concurrencyReleaseLua, []string{key})
		return err
	}}
	return decision, acq, nil
}
