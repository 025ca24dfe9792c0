package middleware

import (
	"log"
	"net/http"

	"github.com/relaygate/gateway/internal/gwerrors"
	"github.com/relaygate/gateway/internal/iprules"
	"github.com/relaygate/gateway/internal/pipeline"
)

// IPRules is pipeline stage 3: reject a request whose client IP is on
// the active block list, or, in allowlist mode, is not on the active
// allow list (spec §2/§4.5).
func IPRules(checker *iprules.Checker) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pc := pipeline.From(r.Context())
			if pc == nil {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := checker.Check(r.Context(), pc.ClientIP)
			if err != nil {
				log.Printf("iprules: check failed for %s: %v", pc.ClientIP, err)
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				code := gwerrors.CodeIPBlocked
				if decision.Reason == "not_allowlisted" {
					code = gwerrors.CodeIPNotAllowed
				}
				gwErr := gwerrors.New(code, decision.Reason)
				pc.Err = gwErr
				gwerrors.Write(w, gwErr, false)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
