package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/relaygate/gateway/internal/gwerrors"
	metricspkg "github.com/relaygate/gateway/internal/metrics"
	"github.com/relaygate/gateway/internal/pipeline"
)

// Metrics is pipeline stage 6: times the downstream call and records
// counters, histograms, and error classification (spec §4.6), into
// both the Prometheus registry (/metrics) and the sliding-window
// latency sampler behind /health/detailed.
func Metrics(reg *metricspkg.Registry, legacy *metricspkg.LatencySampler) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := newResponseInterceptor(w)
			start := time.Now()
			next.ServeHTTP(rw, r)
			duration := time.Since(start)

			pc := pipeline.From(r.Context())
			route := r.URL.Path
			if pc != nil && pc.MatchedRoute != nil {
				route = pc.MatchedRoute.RoutePattern
			}

			reg.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rw.statusCode)).Inc()
			reg.RequestDurationSeconds.WithLabelValues(route, r.Method).Observe(duration.Seconds())
			legacy.Record(duration, rw.statusCode)

			if pc != nil && pc.Err != nil {
				reg.ErrorsTotal.WithLabelValues(string(classify(pc.Err)), string(errCode(pc.Err))).Inc()
			}
		})
	}
}

// classify buckets a taxonomy error into spec §4.6's classification
// set: {validation, authentication, authorization, not_found,
// rate_limit, server}.
func classify(err error) metricspkg.ErrorClass {
	switch errCode(err) {
	case gwerrors.CodeMissingCredentials, gwerrors.CodeInvalidToken, gwerrors.CodeTokenExpired,
		gwerrors.CodeTokenRevoked, gwerrors.CodeTokenVersionMismatch, gwerrors.CodeInvalidAPIKey,
		gwerrors.CodeAPIKeyExpired:
		return metricspkg.ErrorClassAuthentication
	case gwerrors.CodeInsufficientScope, gwerrors.CodeIPBlocked, gwerrors.CodeIPNotAllowed, gwerrors.CodeAPIDisabled:
		return metricspkg.ErrorClassAuthorization
	case gwerrors.CodeRouteNotFound:
		return metricspkg.ErrorClassNotFound
	case gwerrors.CodeRateLimitExceeded:
		return metricspkg.ErrorClassRateLimit
	case gwerrors.CodeUpstreamError, gwerrors.CodeUpstreamTimeout, gwerrors.CodeCircuitOpen,
		gwerrors.CodeRateLimiterError, gwerrors.CodeInternal:
		return metricspkg.ErrorClassServer
	default:
		return metricspkg.ErrorClassValidation
	}
}

func errCode(err error) gwerrors.Code {
	if gwErr, ok := err.(*gwerrors.Error); ok {
		return gwErr.Code
	}
	return gwerrors.CodeInternal
}
