package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relaygate/gateway/internal/pipeline"
)

// ClientIPResolver extracts the caller's IP per spec §4.1: the
// forwarded-for chain's first entry, else X-Real-IP, else the socket
// peer — but the forwarded headers are trusted only when the peer
// itself is a configured trusted proxy, since anyone can set them.
type ClientIPResolver struct {
	TrustedProxies map[string]bool
}

func NewClientIPResolver(trusted []string) *ClientIPResolver {
	set := make(map[string]bool, len(trusted))
	for _, ip := range trusted {
		set[ip] = true
	}
	return &ClientIPResolver{TrustedProxies: set}
}

func (c *ClientIPResolver) Resolve(r *http.Request) string {
	peer := peerIP(r.RemoteAddr)
	if len(c.TrustedProxies) == 0 || !c.TrustedProxies[peer] {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if first := strings.TrimSpace(parts[0]); first != "" {
			return first
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	return peer
}

func peerIP(remoteAddr string) string {
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 && !strings.Contains(remoteAddr, "]:") {
		return remoteAddr[:idx]
	}
	if idx := strings.LastIndex(remoteAddr, "]:"); idx != -1 {
		return strings.TrimPrefix(remoteAddr[:idx], "[")
	}
	return remoteAddr
}

// Parser is pipeline stage 1: assigns a request id, resolves the
// client IP, and stashes a fresh pipeline.Context for every downstream
// stage to annotate (spec §4.1).
func Parser(ipResolver *ClientIPResolver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-Id")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			clientIP := ipResolver.Resolve(r)

			ctx, _ := pipeline.New(r.Context(), requestID, clientIP, time.Now())
			w.Header().Set("X-Request-Id", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
