package middleware

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/relaygate/gateway/internal/autoblock"
	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/db"
	"github.com/relaygate/gateway/internal/gwerrors"
	"github.com/relaygate/gateway/internal/limiter"
	metricspkg "github.com/relaygate/gateway/internal/metrics"
	"github.com/relaygate/gateway/internal/pipeline"
	"github.com/relaygate/gateway/internal/policy"
	"github.com/relaygate/gateway/internal/reliability"
	"github.com/relaygate/gateway/internal/repository"
	"github.com/relaygate/gateway/internal/routing"
)

// RateLimit is pipeline stage 5: resolves the route for the caller's
// tier, enforces the route's optional scope requirement (spec §9),
// runs the matched policy's strategy atomically, and attaches rate
// headers (spec §4.3). A route miss short-circuits with
// ROUTE_NOT_FOUND here rather than in the proxy stage, since nothing
// downstream can proceed without one.
func RateLimit(routes *routing.Table, policyRepo repository.PolicyRepository, shared cache.SharedCache, clock limiter.Clock, blocker *autoblock.Blocker, scopes *policy.ScopeEnforcer, reg *metricspkg.Registry) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if routing.IsManagementPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			pc := pipeline.From(r.Context())
			if pc == nil {
				next.ServeHTTP(w, r)
				return
			}

			result, err := routes.Match(r.Context(), r.Method, r.URL.Path)
			if err != nil {
				writeGatewayError(w, pc, gwerrors.New(gwerrors.CodeInternal, "route lookup failed"))
				return
			}
			if result.Route == nil {
				writeGatewayError(w, pc, gwerrors.New(gwerrors.CodeRouteNotFound, "no route matches this request"))
				return
			}
			pc.MatchedRoute = result.Route

			if err := scopes.Check(result.Route, pc.AuthenticatedAPIKey); err != nil {
				gwErr, _ := err.(*gwerrors.Error)
				writeGatewayError(w, pc, gwErr)
				return
			}

			candidatePolicies, err := policyRepo.ListForRoute(r.Context(), result.Route.ID)
			if err != nil {
				writeGatewayError(w, pc, gwerrors.New(gwerrors.CodeInternal, "policy lookup failed"))
				return
			}
			rateLimitPolicy := limiter.SelectPolicy(candidatePolicies, pc.Tier())
			if rateLimitPolicy == nil {
				next.ServeHTTP(w, r)
				return
			}

			identifier := pc.Identifier()
			key := limiter.Key(rateLimitPolicy, result.Route.ID, identifier)

			if rateLimitPolicy.StrategyName == db.StrategyConcurrency {
				strategy := &limiter.ConcurrencyStrategy{Cache: shared}
				decision, acq, err := strategy.Acquire(r.Context(), key, rateLimitPolicy)
				if err != nil {
					if !reliability.ShouldAllow(rateLimitPolicy.FailureModeName, err) {
						writeGatewayError(w, pc, gwerrors.New(gwerrors.CodeRateLimiterError, "rate limiter unavailable"))
						return
					}
					log.Printf("ratelimit: concurrency check failed, failing open: %v", err)
					next.ServeHTTP(w, r)
					return
				}
				setRateHeaders(w, rateLimitPolicy.Capacity, decision.Remaining, time.Time{})
				reg.RateLimitDecisions.WithLabelValues(string(rateLimitPolicy.StrategyName), decisionLabel(decision.Allowed)).Inc()
				if !decision.Allowed {
					denyRateLimited(w, r, pc, blocker, decision)
					return
				}
				pc.RateLimitToken = acq
				defer acq.Release(r.Context())
				next.ServeHTTP(w, r)
				return
			}

			strategy, err := limiter.StrategyFor(rateLimitPolicy, shared, clock)
			if err != nil {
				writeGatewayError(w, pc, gwerrors.New(gwerrors.CodeInternal, err.Error()))
				return
			}
			decision, err := strategy.Check(r.Context(), key, rateLimitPolicy)
			if err != nil {
				if !reliability.ShouldAllow(rateLimitPolicy.FailureModeName, err) {
					writeGatewayError(w, pc, gwerrors.New(gwerrors.CodeRateLimiterError, "rate limiter unavailable"))
					return
				}
				log.Printf("ratelimit: strategy check failed, failing open: %v", err)
				next.ServeHTTP(w, r)
				return
			}
			setRateHeaders(w, rateLimitPolicy.Capacity, decision.Remaining, decision.ResetAt)
			reg.RateLimitDecisions.WithLabelValues(string(rateLimitPolicy.StrategyName), decisionLabel(decision.Allowed)).Inc()
			if !decision.Allowed {
				denyRateLimited(w, r, pc, blocker, decision)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decisionLabel(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}

// setRateHeaders stamps the spec §4.3 rate-limit headers on both allow
// and deny responses. resetAt is the wall-clock instant the caller's
// quota is fully replenished (bucket strategies) or the current window
// ends (window strategies); the zero value (concurrency, which has no
// fixed replenishment instant) reports as 0.
func setRateHeaders(w http.ResponseWriter, limit, remaining int, resetAt time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	var reset int64
	if !resetAt.IsZero() {
		reset = resetAt.Unix()
	}
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
}

func denyRateLimited(w http.ResponseWriter, r *http.Request, pc *pipeline.Context, blocker *autoblock.Blocker, decision limiter.Decision) {
	retrySeconds := int(decision.RetryAfter.Seconds())
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retrySeconds))
	gwErr := gwerrors.New(gwerrors.CodeRateLimitExceeded, "rate limit exceeded").
		WithDetails(map[string]interface{}{"retry_after_seconds": retrySeconds})
	pc.Err = gwErr
	_ = blocker.Record(r.Context(), autoblock.KindRateLimitAbuse, pc.ClientIP)
	gwerrors.Write(w, gwErr, false)
}

func writeGatewayError(w http.ResponseWriter, pc *pipeline.Context, err *gwerrors.Error) {
	pc.Err = err
	gwerrors.Write(w, err, false)
}
