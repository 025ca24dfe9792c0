package middleware

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/relaygate/gateway/internal/circuitbreaker"
	"github.com/relaygate/gateway/internal/gwerrors"
	metricspkg "github.com/relaygate/gateway/internal/metrics"
	"github.com/relaygate/gateway/internal/pipeline"
	"github.com/relaygate/gateway/internal/proxy"
)

// Proxy is pipeline stage 7 (forward through the circuit breaker) and
// stage 8 (response transformer): the innermost handler in the chain,
// it is only reached once route resolution, auth, and rate limiting
// have all succeeded (spec §4.4). It writes the upstream response
// byte-for-byte, adding the gateway's own identification header.
func Proxy(forwarder *proxy.Forwarder, reg *metricspkg.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pc := pipeline.From(r.Context())
		if pc == nil || pc.MatchedRoute == nil {
			gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "no route resolved for proxy stage"), false)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			gwErr := gwerrors.New(gwerrors.CodeInternal, "failed to read request body")
			pc.Err = gwErr
			gwerrors.Write(w, gwErr, false)
			return
		}

		var identity *proxy.Identity
		if pc.AuthenticatedUser != nil {
			identity = &proxy.Identity{UserID: pc.AuthenticatedUser.ID, Tier: pc.AuthenticatedUser.Tier}
		}

		route := pc.MatchedRoute.RoutePattern

		result, err := forwarder.Forward(r.Context(), pc.MatchedRoute.ID, pc.MatchedRoute, r, body, pc.RequestID, pc.ClientIP, identity)
		if err != nil {
			gwErr := translateProxyError(err)
			pc.Err = gwErr
			if gwErr.Code == gwerrors.CodeCircuitOpen {
				reg.CircuitBreakerState.WithLabelValues(route).Set(1)
			}
			gwerrors.Write(w, gwErr, false)
			return
		}
		reg.CircuitBreakerState.WithLabelValues(route).Set(0)
		if result.Attempts > 1 {
			reg.UpstreamRetries.WithLabelValues(route).Add(float64(result.Attempts - 1))
		}

		for k, values := range result.Header {
			for _, v := range values {
				w.Header().Add(k, v)
			}
		}
		setResponseHeaders(w, pc)
		w.WriteHeader(result.StatusCode)
		_, _ = w.Write(result.Body)
	})
}

// setResponseHeaders is pipeline stage 8, the response transformer: it
// stamps gateway identification, timing, and the fixed set of security
// headers onto every proxied response (spec §2/§6).
func setResponseHeaders(w http.ResponseWriter, pc *pipeline.Context) {
	w.Header().Set("X-Gateway", "relaygate")
	w.Header().Set("X-Response-Time", strconv.FormatInt(time.Since(pc.StartTime).Milliseconds(), 10)+"ms")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
}

func translateProxyError(err error) *gwerrors.Error {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return gwerrors.New(gwerrors.CodeCircuitOpen, "upstream circuit is open")
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gwerrors.New(gwerrors.CodeUpstreamTimeout, "upstream request timed out")
	}
	return gwerrors.New(gwerrors.CodeUpstreamError, err.Error())
}
