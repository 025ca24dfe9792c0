// Package circuitbreaker implements the per-route closed/open/half_open
// state machine of spec §4.4. State lives only in the shared cache; the
// check-then-record sequence around each proxied call is two atomic
// Lua scripts rather than the read-then-write races a plain GET/SET
// pair would allow across gateway instances.
package circuitbreaker

import (
	_ "embed"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/relaygate/gateway/internal/cache"
)

//go:embed scripts/breaker_before.lua
var beforeScript string

//go:embed scripts/breaker_after.lua
var afterScript string

var (
	beforeLua = &cache.Script{Name: "breaker_before", Body: beforeScript}
	afterLua  = &cache.Script{Name: "breaker_after", Body: afterScript}
)

// ErrCircuitOpen is returned by Before when the breaker is tripped and
// eagerly rejecting calls.
var ErrCircuitOpen = errors.New("circuitbreaker: circuit is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Clock abstracts time for deterministic cooldown-boundary tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Breaker holds the tunables of spec §4.4; Threshold and Cooldown have
// spec defaults of 5 failures within 60s and a 30s cooldown.
type Breaker struct {
	Cache           cache.SharedCache
	Clock           Clock
	FailureThreshold int64
	FailureWindow    time.Duration
	Cooldown         time.Duration
	StateTTL         time.Duration
}

func New(c cache.SharedCache) *Breaker {
	return &Breaker{
		Cache:            c,
		Clock:            SystemClock{},
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		Cooldown:         30 * time.Second,
		StateTTL:         5 * time.Minute,
	}
}

func stateKey(routeID string) string { return "cb:" + routeID }

// Before must be called immediately before dispatching to a route's
// backend. It returns ErrCircuitOpen if the breaker is eagerly
// rejecting; otherwise the call (including an open->half_open probe)
// is allowed through and After must be called with its outcome.
func (b *Breaker) Before(ctx context.Context, routeID string) (State, error) {
	now := b.Clock.Now()
	result, err := b.Cache.RunScript(ctx, beforeLua, []string{stateKey(routeID)},
		unixFloat(now), b.Cooldown.Seconds(), int64(b.StateTTL.Seconds()))
	if err != nil {
		return StateClosed, err
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) != 2 {
		return StateClosed, fmt.Errorf("circuitbreaker: unexpected breaker_before result %v", result)
	}

	allowed := toInt64(vals[0]) == 1
	state := State(toInt64(vals[1]))
	if !allowed {
		return state, ErrCircuitOpen
	}
	return state, nil
}

// After records the outcome of a call that Before allowed through.
// failed must be true for connection errors, read timeouts, and
// upstream 5xx responses; 4xx responses are not failures (spec §4.4).
func (b *Breaker) After(ctx context.Context, routeID string, failed bool) (State, error) {
	now := b.Clock.Now()
	success := int64(1)
	if failed {
		success = 0
	}

	result, err := b.Cache.RunScript(ctx, afterLua, []string{stateKey(routeID)},
		success, unixFloat(now), b.FailureThreshold, b.FailureWindow.Seconds(), int64(b.StateTTL.Seconds()))
	if err != nil {
		return StateClosed, err
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) != 1 {
		return StateClosed, fmt.Errorf("circuitbreaker: unexpected breaker_after result %v", result)
	}
	return State(toInt64(vals[0])), nil
}

// Execute wraps Before/After around action, translating ErrCircuitOpen
// and the action's own error into the single return path callers need.
func (b *Breaker) Execute(ctx context.Context, routeID string, action func() error) error {
	if _, err := b.Before(ctx, routeID); err != nil {
		return err
	}

	actionErr := action()
	if _, err := b.After(ctx, routeID, actionErr != nil); err != nil {
		return err
	}
	return actionErr
}

func unixFloat(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
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
