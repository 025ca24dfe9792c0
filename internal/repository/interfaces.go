package repository

import (
	"context"
	"errors"

	"github.com/relaygate/gateway/internal/db"
)

// ErrNotFound is returned by repository lookups that find nothing.
var ErrNotFound = errors.New("repository: not found")

type UserRepository interface {
	Get(ctx context.Context, id string) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	CreateUser(ctx context.Context, user *db.User) error
	BumpTokenVersion(ctx context.Context, userID string) (int64, error)
}

type APIKeyRepository interface {
	GetByDigest(ctx context.Context, keyDigest string) (*db.APIKey, error)
	ListByUser(ctx context.Context, userID string) ([]*db.APIKey, error)
	CreateAPIKey(ctx context.Context, apiKey *db.APIKey) error
	InvalidateAll(ctx context.Context, userID string) error
	TouchLastUsed(ctx context.Context, keyID string) error
}

type RouteRepository interface {
	ListEnabled(ctx context.Context) ([]*db.ApiDefinition, error)
	GetRoute(ctx context.Context, id string) (*db.ApiDefinition, error)
}

type PolicyRepository interface {
	// ListForRoute returns all RateLimitPolicy rows for a route, across tiers.
	ListForRoute(ctx context.Context, apiDefinitionID string) ([]*db.RateLimitPolicy, error)
}

type IPRuleRepository interface {
	Create(ctx context.Context, rule *db.IpRule) error
	ActiveBlockRule(ctx context.Context, ip string) (*db.IpRule, error)
	ActiveAllowRule(ctx context.Context, ip string) (*db.IpRule, error)
	HasAnyAllowRules(ctx context.Context) (bool, error)
	Delete(ctx context.Context, ip string) error
}

type AuditRepository interface {
	Append(ctx context.Context, entry *db.AuditLog) error
}
