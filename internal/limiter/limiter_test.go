package limiter

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/db"
)

// fakeCache replicates, in Go, the exact arithmetic of each embedded
// Lua script over an in-memory map. It exists so Strategy.Check can be
// exercised deterministically without a Redis instance; it is not a
// general-purpose cache.SharedCache implementation.
type fakeCache struct {
	mu   sync.Mutex
	hash map[string]map[string]float64
	str  map[string]float64
}

func newFakeCache() *fakeCache {
	return &fakeCache{hash: map[string]map[string]float64{}, str: map[string]float64{}}
}

var _ cache.SharedCache = (*fakeCache)(nil)

func (f *fakeCache) RunScript(ctx context.Context, script *cache.Script, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := keys[0]
	switch script.Name {
	case "token_bucket":
		capacity := toF(args[0])
		rate := toF(args[1])
		now := toF(args[2])

		h := f.hash[key]
		var tokens, lastRefill float64
		if h == nil {
			tokens, lastRefill = capacity, now
		} else {
			tokens, lastRefill = h["tokens"], h["last_refill"]
		}
		delta := now - lastRefill
		if delta < 0 {
			delta = 0
		}
		tokens = math.Min(capacity, tokens+delta*rate)

		allowed := 0.0
		retryAfter := 0.0
		if tokens >= 1 {
			allowed = 1
			tokens--
		} else if rate > 0 {
			retryAfter = (1 - tokens) / rate
		}
		f.hash[key] = map[string]float64{"tokens": tokens, "last_refill": now}
		return []interface{}{int64(allowed), ftoa(tokens), ftoa(retryAfter)}, nil

	case "leaky_bucket":
		capacity := toF(args[0])
		rate := toF(args[1])
		now := toF(args[2])

		h := f.hash[key]
		var queue, lastLeak float64
		if h == nil {
			queue, lastLeak = 0, now
		} else {
			queue, lastLeak = h["queue_size"], h["last_leak"]
		}
		delta := now - lastLeak
		if delta < 0 {
			delta = 0
		}
		queue = math.Max(0, queue-delta*rate)

		allowed := 0.0
		retryAfter := 0.0
		if queue < capacity {
			allowed = 1
			queue++
		} else if rate > 0 {
			retryAfter = (queue - capacity + 1) / rate
		}
		f.hash[key] = map[string]float64{"queue_size": queue, "last_leak": now}
		return []interface{}{int64(allowed), ftoa(queue), ftoa(retryAfter)}, nil

	case "fixed_window":
		capacity := toF(args[0])
		window := toF(args[1])
		now := toF(args[2])

		windowStart := math.Floor(now/window) * window
		windowKey := fmt.Sprintf("%s:%s", key, ftoa(windowStart))

		count := f.str[windowKey] + 1
		f.str[windowKey] = count

		allowed := int64(1)
		if count > capacity {
			allowed = 0
			count--
			f.str[windowKey] = count
		}
		remaining := capacity - count
		if remaining < 0 {
			remaining = 0
		}
		windowEnd := windowStart + window
		retryAfter := windowEnd - now
		return []interface{}{allowed, ftoa(remaining), ftoa(retryAfter), ftoa(windowEnd)}, nil

	case "sliding_window":
		capacity := toF(args[0])
		window := toF(args[1])
		now := toF(args[2])

		windowStart := math.Floor(now/window) * window
		prevStart := windowStart - window
		curKey := fmt.Sprintf("%s:%s", key, ftoa(windowStart))
		prevKey := fmt.Sprintf("%s:%s", key, ftoa(prevStart))

		c := f.str[curKey]
		p := f.str[prevKey]

		progress := (now - windowStart) / window
		effective := math.Floor((1-progress)*p) + c

		allowed := int64(0)
		if effective < capacity {
			allowed = 1
			c++
			f.str[curKey] = c
		}
		remaining := capacity - effective
		if allowed == 1 {
			remaining--
		}
		if remaining < 0 {
			remaining = 0
		}
		windowEnd := windowStart + window
		retryAfter := windowEnd - now
		return []interface{}{allowed, ftoa(remaining), ftoa(retryAfter), ftoa(windowEnd)}, nil

	case "concurrency_acquire":
		capacity := toF(args[0])
		count := f.str[key]
		allowed := int64(0)
		if count < capacity {
			allowed = 1
			count++
			f.str[key] = count
		}
		remaining := capacity - count
		if remaining < 0 {
			remaining = 0
		}
		return []interface{}{allowed, ftoa(remaining)}, nil

	case "concurrency_release":
		count := f.str[key]
		if count > 0 {
			count--
		}
		f.str[key] = count
		return []interface{}{ftoa(count)}, nil

	default:
		return nil, fmt.Errorf("fakeCache: unknown script %q", script.Name)
	}
}

func (f *fakeCache) Get(ctx context.Context, key string) (string, error)  { return "", nil }
func (f *fakeCache) Set(ctx context.Context, key, value string, ttl time.Duration) error { return nil }
func (f *fakeCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeCache) Del(ctx context.Context, keys ...string) error            { return nil }
func (f *fakeCache) Exists(ctx context.Context, key string) (bool, error)    { return false, nil }
func (f *fakeCache) Incr(ctx context.Context, key string) (int64, error)     { return 0, nil }
func (f *fakeCache) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }
func (f *fakeCache) Ping(ctx context.Context) error                          { return nil }

func toF(v interface{}) float64 {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', 6, 64) }

func intPtr(n int) *int { return &n }

func TestTokenBucket_AllowsBurstThenDeniesThenRefills(t *testing.T) {
	fc := newFakeCache()
	clock := &FixedClock{At: time.Unix(1_700_000_000, 0)}
	strat := &TokenBucketStrategy{Cache: fc, Clock: clock}
	policy := &db.RateLimitPolicy{Capacity: 2, RefillRate: intPtr(1)}

	d, err := strat.Check(context.Background(), "k", policy)
	if err != nil || !d.Allowed {
		t.Fatalf("want allowed, got %v err %v", d, err)
	}
	d, err = strat.Check(context.Background(), "k", policy)
	if err != nil || !d.Allowed {
		t.Fatalf("second request should be allowed (capacity 2), got %v err %v", d, err)
	}
	d, err = strat.Check(context.Background(), "k", policy)
	if err != nil || d.Allowed {
		t.Fatalf("third request should be denied, got %v err %v", d, err)
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("want positive retry_after, got %v", d.RetryAfter)
	}

	clock.Advance(time.Second)
	d, err = strat.Check(context.Background(), "k", policy)
	if err != nil || !d.Allowed {
		t.Fatalf("after refill want allowed, got %v err %v", d, err)
	}
}

func TestFixedWindow_BoundaryRollsOverCleanly(t *testing.T) {
	fc := newFakeCache()
	clock := &FixedClock{At: time.Unix(1_700_000_000, 0)}
	strat := &FixedWindowStrategy{Cache: fc, Clock: clock}
	window := 60
	policy := &db.RateLimitPolicy{Capacity: 1, WindowSeconds: &window}

	d, err := strat.Check(context.Background(), "k", policy)
	if err != nil || !d.Allowed {
		t.Fatalf("first request in window should be allowed, got %v err %v", d, err)
	}
	d, err = strat.Check(context.Background(), "k", policy)
	if err != nil || d.Allowed {
		t.Fatalf("second request in same window should be denied, got %v err %v", d, err)
	}

	clock.Advance(time.Duration(window) * time.Second)
	d, err = strat.Check(context.Background(), "k", policy)
	if err != nil || !d.Allowed {
		t.Fatalf("first request in next window should be allowed, got %v err %v", d, err)
	}
}

func TestSlidingWindow_WeightsPreviousWindowByRemainingFraction(t *testing.T) {
	fc := newFakeCache()
	base := time.Unix(1_700_000_000-1_700_000_000%60, 0)
	clock := &FixedClock{At: base}
	strat := &SlidingWindowStrategy{Cache: fc, Clock: clock}
	window := 60
	policy := &db.RateLimitPolicy{Capacity: 2, WindowSeconds: &window}

	ctx := context.Background()
	if d, err := strat.Check(ctx, "k", policy); err != nil || !d.Allowed {
		t.Fatalf("first request should be allowed, got %v err %v", d, err)
	}
	if d, err := strat.Check(ctx, "k", policy); err != nil || !d.Allowed {
		t.Fatalf("second request should be allowed (capacity 2), got %v err %v", d, err)
	}

	// Roll into the next window; at progress == 0 the whole previous
	// count of 2 still weighs in full, so capacity 2 is immediately hit.
	clock.Advance(time.Duration(window) * time.Second)
	d, err := strat.Check(ctx, "k", policy)
	if err != nil || d.Allowed {
		t.Fatalf("at progress=0 the carried-over previous count should deny, got %v err %v", d, err)
	}

	// Deep into the window the previous count's weight has decayed to 0.
	clock.Advance(time.Duration(window-1) * time.Second)
	d, err = strat.Check(ctx, "k", policy)
	if err != nil || !d.Allowed {
		t.Fatalf("near the end of the window the previous count should have decayed, got %v err %v", d, err)
	}
}

func TestConcurrencyStrategy_AcquireAndReleaseRoundtrip(t *testing.T) {
	fc := newFakeCache()
	strat := &ConcurrencyStrategy{Cache: fc}
	policy := &db.RateLimitPolicy{Capacity: 1}
	ctx := context.Background()

	d, acq, err := strat.Acquire(ctx, "k", policy)
	if err != nil || !d.Allowed || acq == nil {
		t.Fatalf("first acquire should succeed, got %v acq=%v err %v", d, acq, err)
	}

	d2, acq2, err := strat.Acquire(ctx, "k", policy)
	if err != nil || d2.Allowed || acq2 != nil {
		t.Fatalf("second acquire should be denied while slot held, got %v acq=%v err %v", d2, acq2, err)
	}

	if err := acq.Release(ctx); err != nil {
		t.Fatalf("release should not error: %v", err)
	}
	// Idempotent: a second release (e.g. from both an explicit call and
	// a deferred one) must not double-decrement.
	if err := acq.Release(ctx); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}

	d3, acq3, err := strat.Acquire(ctx, "k", policy)
	if err != nil || !d3.Allowed || acq3 == nil {
		t.Fatalf("acquire after release should succeed, got %v acq=%v err %v", d3, acq3, err)
	}
}

func TestSelectPolicy_TierThenDefaultThenSkip(t *testing.T) {
	def := &db.RateLimitPolicy{ID: "default", Tier: ""}
	pro := &db.RateLimitPolicy{ID: "pro", Tier: db.TierPro}
	policies := []*db.RateLimitPolicy{def, pro}

	if got := SelectPolicy(policies, db.TierPro); got != pro {
		t.Fatalf("want tier-specific policy, got %v", got)
	}
	if got := SelectPolicy(policies, db.TierEnterprise); got != def {
		t.Fatalf("want default policy for unmatched tier, got %v", got)
	}
	if got := SelectPolicy(nil, db.TierFree); got != nil {
		t.Fatalf("want nil (skip) when no policies registered, got %v", got)
	}
}

func TestIdentifier_PriorityOrder(t *testing.T) {
	if got := Identifier("u1", "k1", "1.2.3.4"); got != "user:u1" {
		t.Fatalf("want user id to win, got %q", got)
	}
	if got := Identifier("", "k1", "1.2.3.4"); got != "key:k1" {
		t.Fatalf("want api key id to win over ip, got %q", got)
	}
	if got := Identifier("", "", "1.2.3.4"); got != "ip:1.2.3.4" {
		t.Fatalf("want client ip as last resort, got %q", got)
	}
}
