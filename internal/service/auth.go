// Package service implements the auth surface of spec §4.2/§6:
// signup, login, refresh rotation, logout, and the two authentication
// credential paths (bearer token, API key) the auth middleware calls
// on every request.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/relaygate/gateway/internal/auth"
	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/db"
	"github.com/relaygate/gateway/internal/gwerrors"
	"github.com/relaygate/gateway/internal/repository"
)

var ErrEmailTaken = errors.New("service: email already registered")

// TokenPair is what signup/login/refresh return to the caller.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// AuthService is the single owner of credential issuance and
// validation. It is deliberately independent of net/http so it can be
// unit tested and reused by both the /auth/* handlers and the
// pipeline's auth middleware.
type AuthService struct {
	users   repository.UserRepository
	apiKeys repository.APIKeyRepository
	jwt     *auth.JWTManager
	shared  cache.SharedCache
}

func NewAuthService(users repository.UserRepository, apiKeys repository.APIKeyRepository, jwt *auth.JWTManager, shared cache.SharedCache) *AuthService {
	return &AuthService{users: users, apiKeys: apiKeys, jwt: jwt, shared: shared}
}

func (s *AuthService) JWTManager() *auth.JWTManager { return s.jwt }

func blacklistKey(jti string) string       { return "blacklist:" + jti }
func refreshKey(userID, jti string) string { return "refresh:" + userID + ":" + jti }

// Signup creates a user (role=user, tier=free) and issues an initial
// token pair.
func (s *AuthService) Signup(ctx context.Context, email, password string) (*db.User, *TokenPair, error) {
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, nil, ErrEmailTaken
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, nil, err
	}

	digest, err := auth.HashPassword(password)
	if err != nil {
		return nil, nil, err
	}

	user := &db.User{
		Email:          email,
		PasswordDigest: digest,
		Role:           db.RoleUser,
		Tier:           db.TierFree,
		TokenVersion:   1,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, nil, err
	}

	pair, err := s.issuePair(ctx, user)
	return user, pair, err
}

// Login verifies credentials and issues a fresh token pair.
func (s *AuthService) Login(ctx context.Context, email, password string) (*db.User, *TokenPair, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, nil, gwerrors.New(gwerrors.CodeMissingCredentials, "invalid email or password")
	}
	if !auth.CheckPasswordHash(password, user.PasswordDigest) {
		return nil, nil, gwerrors.New(gwerrors.CodeMissingCredentials, "invalid email or password")
	}
	pair, err := s.issuePair(ctx, user)
	return user, pair, err
}

func (s *AuthService) issuePair(ctx context.Context, user *db.User) (*TokenPair, error) {
	access, _, accessExp, err := s.jwt.Issue(user, auth.TokenAccess)
	if err != nil {
		return nil, err
	}
	refresh, refreshJTI, refreshExp, err := s.jwt.Issue(user, auth.TokenRefresh)
	if err != nil {
		return nil, err
	}
	// Track the refresh nonce so Refresh can compare-and-set on it.
	if err := s.shared.Set(ctx, refreshKey(user.ID, refreshJTI), "1", time.Until(refreshExp)); err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: accessExp}, nil
}

// Refresh rotates a refresh token: the presented nonce is blacklisted
// via compare-and-set before the new pair is issued, so two concurrent
// refreshes on the same token produce exactly one winner (spec §4.2,
// §9 "Token refresh race").
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.jwt.Verify(refreshToken)
	if err != nil {
		return nil, gwerrors.New(gwerrors.CodeInvalidToken, "invalid refresh token")
	}
	if claims.Type != auth.TokenRefresh {
		return nil, gwerrors.New(gwerrors.CodeInvalidToken, "not a refresh token")
	}
	if claims.IsExpired() {
		return nil, gwerrors.New(gwerrors.CodeTokenExpired, "refresh token expired")
	}

	user, err := s.users.Get(ctx, claims.Subject)
	if err != nil {
		return nil, gwerrors.New(gwerrors.CodeInvalidToken, "unknown subject")
	}
	if claims.TokenVersion != user.TokenVersion {
		return nil, gwerrors.New(gwerrors.CodeTokenVersionMismatch, "token version mismatch")
	}

	// The refresh nonce must still be tracked (not already consumed)
	// and this call must win the compare-and-set that consumes it.
	exists, err := s.shared.Exists(ctx, refreshKey(user.ID, claims.ID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, gwerrors.New(gwerrors.CodeTokenRevoked, "refresh token already used")
	}
	won, err := s.shared.SetNX(ctx, blacklistKey(claims.ID), "used", time.Until(claims.ExpiresAt.Time))
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, gwerrors.New(gwerrors.CodeTokenRevoked, "refresh token already used")
	}
	_ = s.shared.Del(ctx, refreshKey(user.ID, claims.ID))

	return s.issuePair(ctx, user)
}

// Logout blacklists the presented access token's nonce for its
// remaining lifetime (spec §4.2).
func (s *AuthService) Logout(ctx context.Context, accessToken string) error {
	claims, err := s.jwt.Verify(accessToken)
	if err != nil {
		return gwerrors.New(gwerrors.CodeInvalidToken, "invalid token")
	}
	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining <= 0 {
		return nil
	}
	return s.shared.Set(ctx, blacklistKey(claims.ID), "logout", remaining)
}

// RevokeAllTokens bumps the user's token_version, invalidating every
// outstanding token without per-token tracking (spec §4.2/§9).
func (s *AuthService) RevokeAllTokens(ctx context.Context, userID string) (int64, error) {
	return s.users.BumpTokenVersion(ctx, userID)
}

// VerifyAccessToken runs the full access-token validation chain of
// spec §4.2: signature, expiry, type, nonce blacklist, token_version.
// Each failure is a distinguishable taxonomy error.
func (s *AuthService) VerifyAccessToken(ctx context.Context, tokenStr string) (*db.User, error) {
	claims, err := s.jwt.Verify(tokenStr)
	if err != nil {
		return nil, gwerrors.New(gwerrors.CodeInvalidToken, "invalid token")
	}
	if claims.IsExpired() {
		return nil, gwerrors.New(gwerrors.CodeTokenExpired, "token expired")
	}
	if claims.Type != auth.TokenAccess {
		return nil, gwerrors.New(gwerrors.CodeInvalidToken, "not an access token")
	}

	blacklisted, err := s.shared.Exists(ctx, blacklistKey(claims.ID))
	if err != nil {
		return nil, err
	}
	if blacklisted {
		return nil, gwerrors.New(gwerrors.CodeTokenRevoked, "token revoked")
	}

	user, err := s.users.Get(ctx, claims.Subject)
	if err != nil {
		return nil, gwerrors.New(gwerrors.CodeInvalidToken, "unknown subject")
	}
	if claims.TokenVersion != user.TokenVersion {
		return nil, gwerrors.New(gwerrors.CodeTokenVersionMismatch, "token version mismatch")
	}
	return user, nil
}

// VerifyAPIKey looks up the digest, checks status/expiry, and touches
// LastUsedAt best-effort in a background goroutine (spec §4.2: "not
// transactionally consistent").
func (s *AuthService) VerifyAPIKey(ctx context.Context, rawKey string) (*db.APIKey, error) {
	digest := auth.HashAPIKey(rawKey)
	key, err := s.apiKeys.GetByDigest(ctx, digest)
	if err != nil {
		return nil, gwerrors.New(gwerrors.CodeInvalidAPIKey, "invalid API key")
	}
	if key.Status != db.KeyActive {
		return nil, gwerrors.New(gwerrors.CodeInvalidAPIKey, "API key is not active")
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(time.Now()) {
		return nil, gwerrors.New(gwerrors.CodeAPIKeyExpired, "API key expired")
	}

	go func(keyID string) {
		touchCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.apiKeys.TouchLastUsed(touchCtx, keyID)
	}(key.ID)

	return key, nil
}

// CreateAPIKey mints and persists a new key for userID, returning the
// plaintext exactly once (spec §3).
func (s *AuthService) CreateAPIKey(ctx context.Context, userID, displayName string, scopes []string, envPrefix string) (rawKey string, err error) {
	rawKey, digest, prefix, err := auth.GenerateAPIKey(envPrefix)
	if err != nil {
		return "", err
	}
	key := &db.APIKey{
		UserID:      userID,
		KeyDigest:   digest,
		Prefix:      prefix,
		DisplayName: displayName,
		Scopes:      scopes,
		Status:      db.KeyActive,
		CreatedAt:   time.Now(),
	}
	if err := s.apiKeys.CreateAPIKey(ctx, key); err != nil {
		return "", err
	}
	return rawKey, nil
}

// RotateAPIKey revokes every existing key for userID and mints a
// fresh one.
func (s *AuthService) RotateAPIKey(ctx context.Context, userID, envPrefix string) (string, error) {
	if err := s.apiKeys.InvalidateAll(ctx, userID); err != nil {
		return "", err
	}
	return s.CreateAPIKey(ctx, userID, "rotated-key", nil, envPrefix)
}
