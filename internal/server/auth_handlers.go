package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/relaygate/gateway/internal/audit"
	"github.com/relaygate/gateway/internal/db"
	"github.com/relaygate/gateway/internal/gwerrors"
	"github.com/relaygate/gateway/internal/service"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    string `json:"expires_at"`
	UserID       string `json:"user_id,omitempty"`
}

func writeTokens(w http.ResponseWriter, status int, user *db.User, pair *service.TokenPair) {
	resp := tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if user != nil {
		resp.UserID = user.ID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "method not allowed"), false)
		return
	}
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "invalid request body"), false)
		return
	}
	user, pair, err := s.authService.Signup(r.Context(), creds.Email, creds.Password)
	if err != nil {
		if err == service.ErrEmailTaken {
			gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "email already registered"), false)
			return
		}
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "signup failed"), false)
		return
	}
	s.auditLog.Log(r.Context(), audit.Entry{
		EventType:    "user.signup",
		ActorUserID:  user.ID,
		ResourceType: "user",
		ResourceID:   user.ID,
	})
	writeTokens(w, http.StatusCreated, user, pair)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "method not allowed"), false)
		return
	}
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "invalid request body"), false)
		return
	}
	user, pair, err := s.authService.Login(r.Context(), creds.Email, creds.Password)
	if err != nil {
		gwErr, ok := err.(*gwerrors.Error)
		if !ok {
			gwErr = gwerrors.New(gwerrors.CodeMissingCredentials, "invalid email or password")
		}
		gwerrors.Write(w, gwErr, false)
		return
	}
	s.auditLog.Log(r.Context(), audit.Entry{
		EventType:    "user.login",
		ActorUserID:  user.ID,
		ResourceType: "user",
		ResourceID:   user.ID,
	})
	writeTokens(w, http.StatusOK, user, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "method not allowed"), false)
		return
	}
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "invalid request body"), false)
		return
	}
	pair, err := s.authService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		gwErr, ok := err.(*gwerrors.Error)
		if !ok {
			gwErr = gwerrors.New(gwerrors.CodeInvalidToken, "refresh failed")
		}
		gwerrors.Write(w, gwErr, false)
		return
	}
	writeTokens(w, http.StatusOK, nil, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeInternal, "method not allowed"), false)
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		gwerrors.Write(w, gwerrors.New(gwerrors.CodeMissingCredentials, "no bearer token presented"), false)
		return
	}
	if err := s.authService.Logout(r.Context(), token); err != nil {
		gwErr, ok := err.(*gwerrors.Error)
		if !ok {
			gwErr = gwerrors.New(gwerrors.CodeInvalidToken, "logout failed")
		}
		gwerrors.Write(w, gwErr, false)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireAdmin gates a handler behind a valid bearer token whose user
// has the admin role (spec §6's admin API surface).
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			gwerrors.Write(w, gwerrors.New(gwerrors.CodeMissingCredentials, "admin endpoints require a bearer token"), false)
			return
		}
		user, err := s.authService.VerifyAccessToken(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			gwErr, ok := err.(*gwerrors.Error)
			if !ok {
				gwErr = gwerrors.New(gwerrors.CodeInvalidToken, "invalid token")
			}
			gwerrors.Write(w, gwErr, false)
			return
		}
		if user.Role != db.RoleAdmin {
			gwerrors.Write(w, gwerrors.New(gwerrors.CodeInsufficientScope, "admin role required"), false)
			return
		}
		r = r.WithContext(withAdminUser(r.Context(), user))
		next(w, r)
	}
}
