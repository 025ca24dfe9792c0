package middleware

import (
	"net/http"
	"strings"

	"github.com/relaygate/gateway/internal/autoblock"
	"github.com/relaygate/gateway/internal/gwerrors"
	"github.com/relaygate/gateway/internal/pipeline"
	"github.com/relaygate/gateway/internal/routing"
	"github.com/relaygate/gateway/internal/service"
)

// Auth is pipeline stage 4: resolves identity via bearer token or API
// key, in that order (spec §4.2). Every non-bypassed request must
// authenticate; a missing or invalid credential is a violation fed to
// the auto-blocker, and a successful authentication clears the
// caller's violation counters for its IP.
func Auth(svc *service.AuthService, blocker *autoblock.Blocker) Middleware {
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

			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				token := strings.TrimPrefix(authHeader, "Bearer ")
				user, err := svc.VerifyAccessToken(r.Context(), token)
				if err != nil {
					handleAuthFailure(w, r, pc, blocker, autoblock.KindInvalidToken, err)
					return
				}
				pc.AuthenticatedUser = user
				pc.AuthMethod = pipeline.AuthBearer
				blocker.ClearAll(r.Context(), pc.ClientIP)
				next.ServeHTTP(w, r)
				return
			}

			if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
				key, err := svc.VerifyAPIKey(r.Context(), apiKey)
				if err != nil {
					handleAuthFailure(w, r, pc, blocker, autoblock.KindInvalidAPIKey, err)
					return
				}
				pc.AuthenticatedAPIKey = key
				pc.AuthMethod = pipeline.AuthAPIKey
				blocker.ClearAll(r.Context(), pc.ClientIP)
				next.ServeHTTP(w, r)
				return
			}

			gwErr := gwerrors.New(gwerrors.CodeMissingCredentials, "no bearer token or API key presented")
			pc.Err = gwErr
			_ = blocker.Record(r.Context(), autoblock.KindAuthFailure, pc.ClientIP)
			gwerrors.Write(w, gwErr, false)
		})
	}
}

func handleAuthFailure(w http.ResponseWriter, r *http.Request, pc *pipeline.Context, blocker *autoblock.Blocker, kind autoblock.Kind, err error) {
	gwErr, ok := err.(*gwerrors.Error)
	if !ok {
		gwErr = gwerrors.New(gwerrors.CodeInternal, err.Error())
	}
	pc.Err = gwErr
	if gwErr.Code.AutoBlockFeeding() {
		_ = blocker.Record(r.Context(), kind, pc.ClientIP)
	}
	gwerrors.Write(w, gwErr, false)
}
