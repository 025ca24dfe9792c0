// Package reliability decides whether a policy failure (the shared
// cache unreachable, a Lua script erroring) should let the request
// through or block it, per spec §4.3's per-policy failure_mode.
package reliability

import "github.com/relaygate/gateway/internal/db"

// ShouldAllow determines whether to proceed given an error and a
// policy's failure_mode. mode uses the same "open"/"closed" values as
// db.FailureMode so callers can pass a RateLimitPolicy's field
// directly.
func ShouldAllow(mode db.FailureMode, err error) bool {
	if err == nil {
		return true
	}
	return mode == db.FailOpen
}
