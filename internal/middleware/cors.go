package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

const corsMaxAgeSeconds = 600

// CORS is pipeline stage 0: it answers preflight OPTIONS requests and
// stamps Access-Control-* headers on every response, gated by the
// configured allow-list (spec §6's CORS allowed origins). An empty
// allow-list disables CORS entirely, matching the config default.
func CORS(allowedOrigins []string) Middleware {
	allowed := make(map[string]bool, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || (!allowAll && !allowed[origin]) {
				// no Origin header, or an origin outside the allow-list: no
				// CORS headers are added, leaving the browser to enforce
				// same-origin. The request itself still proceeds.
				next.ServeHTTP(w, r)
				return
			}

			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", strings.Join([]string{
					http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions,
				}, ", "))
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key, X-Request-Id")
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAgeSeconds))
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
