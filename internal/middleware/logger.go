package middleware

import (
	"net/http"
	"time"

	"github.com/relaygate/gateway/internal/logging"
	"github.com/relaygate/gateway/internal/pipeline"
)

// Logger is pipeline stage 2: it wraps every subsequent stage and
// records request/response/error with status and latency (spec §2),
// fire-and-forget via the buffered internal/logging.RequestLogger — a
// dropped log entry under load is acceptable, unlike an audit record
// (spec §5).
func Logger(rl *logging.RequestLogger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := newResponseInterceptor(w)
			next.ServeHTTP(rw, r)

			pc := pipeline.From(r.Context())
			entry := logging.Entry{
				Method:     r.Method,
				Path:       r.URL.Path,
				StatusCode: rw.statusCode,
				Duration:   time.Since(startTime(pc)),
			}
			if pc != nil {
				entry.RequestID = pc.RequestID
				entry.ClientIP = pc.ClientIP
				if pc.MatchedRoute != nil {
					entry.RouteID = pc.MatchedRoute.ID
				}
			}
			rl.Log(entry)
		})
	}
}

func startTime(pc *pipeline.Context) time.Time {
	if pc == nil {
		return time.Now()
	}
	return pc.StartTime
}
