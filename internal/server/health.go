package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerManagementRoutes binds the surfaces the pipeline never
// touches: liveness/readiness, metrics scraping, and the auth/admin
// APIs. These paths are excluded from the proxy pipeline entirely by
// virtue of http.ServeMux picking the more specific pattern over "/".
func (s *Server) registerManagementRoutes() {
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/health/detailed", s.handleHealthDetailed)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.reg.Gatherer(), promhttp.HandlerOpts{}))

	s.router.HandleFunc("/auth/signup", s.handleSignup)
	s.router.HandleFunc("/auth/login", s.handleLogin)
	s.router.HandleFunc("/auth/refresh", s.handleRefresh)
	s.router.HandleFunc("/auth/logout", s.handleLogout)

	s.router.HandleFunc("/admin/keys/create", s.requireAdmin(s.handleCreateAPIKey))
	s.router.HandleFunc("/admin/keys/rotate", s.requireAdmin(s.handleRotateAPIKey))
	s.router.HandleFunc("/admin/ip-rules", s.requireAdmin(s.handleCreateIPRule))
}

// handleHealth is a liveness probe: the process is up. It does not
// touch any dependency.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleHealthDetailed is a readiness probe: it pings every dependency
// and reports the sliding-window latency/error snapshot the
// LatencySampler accumulates (spec §4.6).
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	deps := map[string]string{}

	if err := s.shared.Ping(ctx); err != nil {
		deps["redis"] = "unavailable: " + err.Error()
	} else {
		deps["redis"] = "ok"
	}

	if s.repoPinger != nil {
		if err := s.repoPinger.Ping(ctx); err != nil {
			deps["database"] = "unavailable: " + err.Error()
		} else {
			deps["database"] = "ok"
		}
	} else {
		deps["database"] = "n/a (memory backend)"
	}

	status := http.StatusOK
	for _, v := range deps {
		if v != "ok" && v[:4] != "n/a " {
			status = http.StatusServiceUnavailable
		}
	}

	resp := map[string]interface{}{
		"status":       statusLabel(status),
		"dependencies": deps,
		"stats":        s.legacy.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func statusLabel(code int) string {
	if code == http.StatusOK {
		return "ok"
	}
	return "degraded"
}
