package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/relaygate/gateway/internal/db"
)

// ErrRateLimitExceeded marks a deny decision so callers can distinguish
// it from a backend/transport error without inspecting Decision.
var ErrRateLimitExceeded = errors.New("limiter: rate limit exceeded")

// Decision is the result every strategy returns, per spec §4.3.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Strategy is satisfied by the four Check-based algorithms (token
// bucket, leaky bucket, fixed window, sliding window); the concurrency
// strategy uses Acquire/Release instead.
type Strategy interface {
	Check(ctx context.Context, key string, policy *db.RateLimitPolicy) (Decision, error)
}

// Acquisition is returned by the concurrency strategy's Acquire; Release
// must be called exactly once per successful Acquire, on every exit
// path, per spec §4.3/§5/§9.
type Acquisition struct {
	release func(context.Context) error
}

// Release runs the release exactly once; subsequent calls are no-ops,
// which keeps "defer acq.Release(ctx)" safe alongside an explicit
// earlier release on the success path.
func (a *Acquisition) Release(ctx context.Context) error {
	if a == nil || a.release == nil {
		return nil
	}
	release := a.release
	a.release = nil
	return release(ctx)
}
