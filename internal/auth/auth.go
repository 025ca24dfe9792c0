// Package auth holds the credential primitives spec §4.2 builds on:
// bcrypt password hashing, SHA-256 API-key digesting, and JWT
// access/refresh tokens via golang-jwt/jwt/v5. It has no knowledge of
// the repository or the shared cache; internal/service wires those in.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/relaygate/gateway/internal/db"
)

var (
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrExpiredToken   = errors.New("auth: token has expired")
	ErrWrongTokenType = errors.New("auth: wrong token type for this operation")
)

// TokenType distinguishes access tokens (spec §4.2, short-lived) from
// refresh tokens (long-lived, tracked by nonce in the shared cache).
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// TokenClaims is the payload spec §4.2 requires: subject, issued_at,
// expires_at, nonce (jti), type, token_version, role, tier.
type TokenClaims struct {
	TokenVersion int64     `json:"token_version"`
	Role         db.Role   `json:"role"`
	Tier         db.Tier   `json:"tier"`
	Type         TokenType `json:"type"`
	jwt.RegisteredClaims
}

// HashPassword salts and hashes with bcrypt (spec §3: "salted, slow KDF").
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPasswordHash reports whether password matches the stored digest.
func CheckPasswordHash(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateAPIKey mints 256 bits of entropy and returns the raw key
// (shown to the caller exactly once, per spec §3), its SHA-256 digest
// (the only form ever persisted), and a human-recognizable prefix.
func GenerateAPIKey(envPrefix string) (rawKey, digest, prefix string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", err
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	if envPrefix == "" {
		envPrefix = "live"
	}
	rawKey = fmt.Sprintf("gw_%s_%s", envPrefix, secret)
	return rawKey, HashAPIKey(rawKey), envPrefix, nil
}

// HashAPIKey returns the SHA-256 digest of a raw key. Authentication
// is a digest lookup; no reversible form exists (spec §3).
func HashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// JWTManager signs and verifies access/refresh token pairs.
type JWTManager struct {
	secretKey       string
	accessLifetime  time.Duration
	refreshLifetime time.Duration
	issuer          string
}

func NewJWTManager(secretKey string, accessLifetime, refreshLifetime time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:       secretKey,
		accessLifetime:  accessLifetime,
		refreshLifetime: refreshLifetime,
		issuer:          "relaygate",
	}
}

// Issue mints a signed token of the given type for user, with a fresh
// nonce (jti) so it can be individually blacklisted (spec §4.2/§9).
func (m *JWTManager) Issue(user *db.User, tokenType TokenType) (signed string, jti string, expiresAt time.Time, err error) {
	lifetime := m.accessLifetime
	if tokenType == TokenRefresh {
		lifetime = m.refreshLifetime
	}
	now := time.Now()
	expiresAt = now.Add(lifetime)
	jti = uuid.NewString()

	claims := TokenClaims{
		TokenVersion: user.TokenVersion,
		Role:         user.Role,
		Tier:         user.Tier,
		Type:         tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    m.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err = token.SignedString([]byte(m.secretKey))
	return signed, jti, expiresAt, err
}

// Verify checks the signature and decodes the claims. It deliberately
// does not check expiry, type, nonce blacklist, or token_version —
// those are distinguishable failure modes the caller (internal/service)
// checks individually so it can report the specific taxonomy code
// (spec §4.2).
func (m *JWTManager) Verify(tokenStr string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(m.secretKey), nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IsExpired reports whether claims.ExpiresAt is in the past.
func (c *TokenClaims) IsExpired() bool {
	if c.ExpiresAt == nil {
		return true
	}
	return !c.ExpiresAt.Time.After(time.Now())
}
