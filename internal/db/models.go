package db

import (
	"encoding/json"
	"time"
)

// Role and Tier are closed enums on User.
type Role string
type Tier string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"

	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// User maps to the 'users' table.
type User struct {
	ID             string    `json:"id" db:"id"`
	Email          string    `json:"email" db:"email"`
	PasswordDigest string    `json:"-" db:"password_digest"`
	Role           Role      `json:"role" db:"role"`
	Tier           Tier      `json:"tier" db:"tier"`
	TokenVersion   int64     `json:"token_version" db:"token_version"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// KeyStatus is the lifecycle state of an ApiKey.
type KeyStatus string

const (
	KeyActive     KeyStatus = "active"
	KeyRevoked    KeyStatus = "revoked"
	KeyDeprecated KeyStatus = "deprecated"
)

// APIKey maps to the 'api_keys' table. The plaintext key is never
// persisted; only KeyDigest (SHA-256 over the raw key) is stored.
type APIKey struct {
	ID          string     `json:"id" db:"id"`
	UserID      string     `json:"user_id" db:"user_id"`
	KeyDigest   string     `json:"-" db:"key_digest"`
	Prefix      string     `json:"prefix" db:"prefix"`
	DisplayName string     `json:"display_name" db:"display_name"`
	Scopes      []string   `json:"scopes" db:"scopes"`
	Status      KeyStatus  `json:"status" db:"status"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// IsActive reports whether the key can currently authenticate a request.
func (k *APIKey) IsActive() bool {
	if k.Status != KeyActive {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(time.Now()) {
		return false
	}
	return true
}

// HasScope checks "resource:action" scopes, honoring '*' on either side.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if scopeMatches(s, scope) {
			return true
		}
	}
	return false
}

func scopeMatches(granted, requested string) bool {
	if granted == "*" || granted == requested {
		return true
	}
	gr, ga, ok1 := splitScope(granted)
	rr, ra, ok2 := splitScope(requested)
	if !ok1 || !ok2 {
		return false
	}
	return (gr == "*" || gr == rr) && (ga == "*" || ga == ra)
}

func splitScope(s string) (resource, action string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// ApiDefinition is a proxied route. RoutePattern supports '*' wildcard
// segments and ':param' placeholders.
type ApiDefinition struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	RoutePattern   string    `json:"route_pattern" db:"route_pattern"`
	BackendURL     string    `json:"backend_url" db:"backend_url"`
	AllowedMethods []string  `json:"allowed_methods" db:"allowed_methods"`
	Enabled        bool      `json:"enabled" db:"enabled"`
	// RequiredScopes is optional route metadata checked by
	// policy.ScopeEnforcer in the rate-limit stage (spec §9
	// "per-endpoint scope enforcement"): an API-key caller must hold
	// every listed scope, and bearer-token callers are not checked.
	// Empty means the gateway does not enforce scopes for this route
	// and defers to the backend.
	RequiredScopes []string  `json:"required_scopes,omitempty" db:"required_scopes"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

func (a *ApiDefinition) AllowsMethod(method string) bool {
	for _, m := range a.AllowedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Strategy enumerates the five supported rate-limiting algorithms.
type Strategy string

const (
	StrategyTokenBucket   Strategy = "token_bucket"
	StrategyLeakyBucket   Strategy = "leaky_bucket"
	StrategyFixedWindow   Strategy = "fixed_window"
	StrategySlidingWindow Strategy = "sliding_window"
	StrategyConcurrency   Strategy = "concurrency"
)

// FailureMode governs behavior when the shared cache is unreachable.
type FailureMode string

const (
	FailOpen   FailureMode = "open"
	FailClosed FailureMode = "closed"
)

// RateLimitPolicy maps to the 'rate_limit_policies' table. Tier == ""
// denotes the default policy for all tiers.
type RateLimitPolicy struct {
	ID              string      `json:"id" db:"id"`
	ApiDefinitionID string      `json:"api_definition_id" db:"api_definition_id"`
	Tier            Tier        `json:"tier,omitempty" db:"tier"`
	StrategyName    Strategy    `json:"strategy" db:"strategy"`
	Capacity        int         `json:"capacity" db:"capacity"`
	RefillRate      *int        `json:"refill_rate,omitempty" db:"refill_rate"`
	WindowSeconds   *int        `json:"window_seconds,omitempty" db:"window_seconds"`
	FailureModeName FailureMode `json:"failure_mode" db:"failure_mode"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}

// Validate checks the strategy-specific parameter requirements of
// spec §3 at write time.
func (p *RateLimitPolicy) Validate() error {
	if p.Capacity <= 0 {
		return errInvalidPolicy("capacity must be positive")
	}
	switch p.StrategyName {
	case StrategyTokenBucket, StrategyLeakyBucket:
		if p.RefillRate == nil || *p.RefillRate <= 0 {
			return errInvalidPolicy("refill_rate is required and must be positive for bucket strategies")
		}
	case StrategyFixedWindow, StrategySlidingWindow:
		if p.WindowSeconds == nil || *p.WindowSeconds <= 0 {
			return errInvalidPolicy("window_seconds is required and must be positive for window strategies")
		}
	case StrategyConcurrency:
		// capacity only
	default:
		return errInvalidPolicy("unknown strategy: " + string(p.StrategyName))
	}
	if p.FailureModeName != FailOpen && p.FailureModeName != FailClosed {
		return errInvalidPolicy("failure_mode must be 'open' or 'closed'")
	}
	return nil
}

type policyError string

func (e policyError) Error() string { return string(e) }

func errInvalidPolicy(msg string) error { return policyError(msg) }

// RuleType distinguishes block/allow IpRules.
type RuleType string

const (
	RuleBlock RuleType = "block"
	RuleAllow RuleType = "allow"
)

// IpRule maps to the 'ip_rules' table.
type IpRule struct {
	ID          string     `json:"id" db:"id"`
	IPAddress   string     `json:"ip_address" db:"ip_address"`
	RuleType    RuleType   `json:"rule_type" db:"rule_type"`
	Reason      string     `json:"reason,omitempty" db:"reason"`
	AutoBlocked bool       `json:"auto_blocked" db:"auto_blocked"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// IsActive reports whether the rule is currently in force.
func (r *IpRule) IsActive() bool {
	return r.ExpiresAt == nil || r.ExpiresAt.After(time.Now())
}

// AuditLog maps to the append-only 'audit_logs' table.
type AuditLog struct {
	ID           string          `json:"id" db:"id"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
	EventType    string          `json:"event_type" db:"event_type"`
	ActorUserID  string          `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorIP      string          `json:"actor_ip,omitempty" db:"actor_ip"`
	ResourceType string          `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID   string          `json:"resource_id,omitempty" db:"resource_id"`
	Changes      json.RawMessage `json:"changes,omitempty" db:"changes"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata"`
}
