package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/relaygate/gateway/internal/audit"
	"github.com/relaygate/gateway/internal/db"
	"github.com/relaygate/gateway/internal/gwerrors"
)

type adminUserKeyType struct{}

var adminUserKey = adminUserKeyType{}

func withAdminUser(ctx context.Context, user *db.User) context.Context {
	return context.WithValue(ctx, adminUserKey, user)
}

func adminUserFrom(ctx context.Context) *db.User {
	u, _ := ctx.Value(adminUserKey).(*db.User)
	return u
}

// handleCreateAPIKey mints a new API key for a user. Full admin CRUD
// (route/policy management) is out of scope (spec Non-goals); key
// issuance, key rotation and IP rule creation are the only
// admin-driven mutations the gateway itself owns.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "method not allowed"), false)
		return
	}
	var req struct {
		UserID      string   `json:"user_id"`
		DisplayName string   `json:"display_name"`
		Scopes      []string `json:"scopes"`
		EnvPrefix   string   `json:"env_prefix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "invalid request body"), false)
		return
	}
	if req.EnvPrefix == "" {
		req.EnvPrefix = "live"
	}

	rawKey, err := s.authService.CreateAPIKey(r.Context(), req.UserID, req.DisplayName, req.Scopes, req.EnvPrefix)
	if err != nil {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "failed to create API key"), false)
		return
	}

	actor := adminUserFrom(r.Context())
	s.auditLog.Log(r.Context(), audit.Entry{
		EventType:    "apikey.create",
		ActorUserID:  actor.ID,
		ResourceType: "api_key",
		ResourceID:   req.UserID,
		Metadata:     map[string]interface{}{"display_name": req.DisplayName, "scopes": req.Scopes},
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"api_key": rawKey})
}

// handleRotateAPIKey revokes every key for a user and mints a
// replacement, per spec §3's "leaked key" recovery path.
func (s *Server) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "method not allowed"), false)
		return
	}
	var req struct {
		UserID    string `json:"user_id"`
		EnvPrefix string `json:"env_prefix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "invalid request body"), false)
		return
	}
	if req.EnvPrefix == "" {
		req.EnvPrefix = "live"
	}

	newKey, err := s.authService.RotateAPIKey(r.Context(), req.UserID, req.EnvPrefix)
	if err != nil {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "failed to rotate API key"), false)
		return
	}

	actor := adminUserFrom(r.Context())
	s.auditLog.Log(r.Context(), audit.Entry{
		EventType:    "apikey.rotate",
		ActorUserID:  actor.ID,
		ResourceType: "api_key",
		ResourceID:   req.UserID,
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"api_key": newKey})
}

// handleCreateIPRule adds a block or allow rule to the IP list (spec
// §4.5), invalidating the checker's front cache so it takes effect on
// the next request.
func (s *Server) handleCreateIPRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "method not allowed"), false)
		return
	}
	var req struct {
		IP          string `json:"ip"`
		RuleType    string `json:"rule_type"`
		Reason      string `json:"reason"`
		ExpiresInMS int64  `json:"expires_in_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "invalid request body"), false)
		return
	}

	var expiresAt *time.Time
	if req.ExpiresInMS > 0 {
		t := time.Now().Add(time.Duration(req.ExpiresInMS) * time.Millisecond)
		expiresAt = &t
	}

	var err error
	switch db.RuleType(req.RuleType) {
	case db.RuleBlock:
		err = s.ipChecker.Block(r.Context(), req.IP, req.Reason, expiresAt)
	case db.RuleAllow:
		err = s.ipChecker.Allow(r.Context(), req.IP, req.Reason, expiresAt)
	default:
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "rule_type must be 'block' or 'allow'"), false)
		return
	}
	if err != nil {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "failed to create IP rule"), false)
		return
	}

	actor := adminUserFrom(r.Context())
	s.auditLog.Log(r.Context(), audit.Entry{
		EventType:    "iprule.create",
		ActorUserID:  actor.ID,
		ResourceType: "ip_rule",
		ResourceID:   req.IP,
		Metadata:     map[string]interface{}{"rule_type": req.RuleType, "reason": req.Reason},
	})

	w.WriteHeader(http.StatusCreated)
}
