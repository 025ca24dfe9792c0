package limiter

import "time"

// Clock abstracts time so strategy boundary cases (fixed-window edge,
// fractional-token thresholds) can be tested deterministically.
// Grounded in wso2-api-platform's gateway/policies/ratelimit limiter/clock.go.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the system time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock returns a fixed time, advanced manually by tests.
type FixedClock struct {
	At time.Time
}

func (c *FixedClock) Now() time.Time { return c.At }

func (c *FixedClock) Advance(d time.Duration) { c.At = c.At.Add(d) }
