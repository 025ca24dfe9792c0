// Package postgres implements the repository interfaces against a
// durable Postgres store, following the connection-pool and driver
// wiring used across the example corpus for 'database/sql' +
// 'github.com/lib/pq'.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaygate/gateway/internal/db"
	"github.com/relaygate/gateway/internal/repository"
)

// Repository backs every repository.* interface with Postgres tables.
type Repository struct {
	conn *sql.DB
}

// Open connects using a postgres:// DSN and sizes the pool for the
// expected gateway concurrency (spec §5: "pool size >= expected
// concurrency").
func Open(dsn string, maxOpenConns, maxIdleConns int) (*Repository, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	conn.SetMaxOpenConns(maxOpenConns)
	conn.SetMaxIdleConns(maxIdleConns)
	conn.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Repository{conn: conn}, nil
}

func (r *Repository) Close() error { return r.conn.Close() }

// Ping is used by the health surface (spec §6).
func (r *Repository) Ping(ctx context.Context) error {
	return r.conn.PingContext(ctx)
}

// Users

func (r *Repository) Get(ctx context.Context, id string) (*db.User, error) {
	return r.scanUser(r.conn.QueryRowContext(ctx,
		`SELECT id, email, password_digest, role, tier, token_version, created_at, updated_at
		 FROM users WHERE id = $1`, id))
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	return r.scanUser(r.conn.QueryRowContext(ctx,
		`SELECT id, email, password_digest, role, tier, token_version, created_at, updated_at
		 FROM users WHERE lower(email) = lower($1)`, email))
}

func (r *Repository) scanUser(row *sql.Row) (*db.User, error) {
	var u db.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordDigest, &u.Role, &u.Tier, &u.TokenVersion, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repository) CreateUser(ctx context.Context, u *db.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := r.conn.ExecContext(ctx,
		`INSERT INTO users (id, email, password_digest, role, tier, token_version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now())`,
		u.ID, u.Email, u.PasswordDigest, u.Role, u.Tier, u.TokenVersion)
	return err
}

func (r *Repository) BumpTokenVersion(ctx context.Context, userID string) (int64, error) {
	var v int64
	err := r.conn.QueryRowContext(ctx,
		`UPDATE users SET token_version = token_version + 1, updated_at = now()
		 WHERE id = $1 RETURNING token_version`, userID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, repository.ErrNotFound
	}
	return v, err
}

// API keys

func (r *Repository) GetByDigest(ctx context.Context, keyDigest string) (*db.APIKey, error) {
	return r.scanAPIKey(r.conn.QueryRowContext(ctx,
		`SELECT id, user_id, key_digest, prefix, display_name, scopes, status, expires_at, last_used_at, created_at
		 FROM api_keys WHERE key_digest = $1`, keyDigest))
}

func (r *Repository) scanAPIKey(row *sql.Row) (*db.APIKey, error) {
	var k db.APIKey
	err := row.Scan(&k.ID, &k.UserID, &k.KeyDigest, &k.Prefix, &k.DisplayName, pq.Array(&k.Scopes), &k.Status, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (r *Repository) ListByUser(ctx context.Context, userID string) ([]*db.APIKey, error) {
	rows, err := r.conn.QueryContext(ctx,
		`SELECT id, user_id, key_digest, prefix, display_name, scopes, status, expires_at, last_used_at, created_at
		 FROM api_keys WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*db.APIKey
	for rows.Next() {
		var k db.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.KeyDigest, &k.Prefix, &k.DisplayName, pq.Array(&k.Scopes), &k.Status, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

func (r *Repository) CreateAPIKey(ctx context.Context, k *db.APIKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	_, err := r.conn.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, key_digest, prefix, display_name, scopes, status, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		k.ID, k.UserID, k.KeyDigest, k.Prefix, k.DisplayName, pq.Array(k.Scopes), k.Status, k.ExpiresAt)
	return err
}

func (r *Repository) InvalidateAll(ctx context.Context, userID string) error {
	_, err := r.conn.ExecContext(ctx,
		`UPDATE api_keys SET status = $1 WHERE user_id = $2`, db.KeyRevoked, userID)
	return err
}

func (r *Repository) TouchLastUsed(ctx context.Context, keyID string) error {
	_, err := r.conn.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, keyID)
	return err
}

// Routes

func (r *Repository) ListEnabled(ctx context.Context) ([]*db.ApiDefinition, error) {
	rows, err := r.conn.QueryContext(ctx,
		`SELECT id, name, route_pattern, backend_url, allowed_methods, required_scopes, enabled, created_at, updated_at
		 FROM api_definitions WHERE enabled = true ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*db.ApiDefinition
	for rows.Next() {
		var a db.ApiDefinition
		if err := rows.Scan(&a.ID, &a.Name, &a.RoutePattern, &a.BackendURL, pq.Array(&a.AllowedMethods), pq.Array(&a.RequiredScopes), &a.Enabled, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *Repository) GetRoute(ctx context.Context, id string) (*db.ApiDefinition, error) {
	var a db.ApiDefinition
	err := r.conn.QueryRowContext(ctx,
		`SELECT id, name, route_pattern, backend_url, allowed_methods, required_scopes, enabled, created_at, updated_at
		 FROM api_definitions WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.RoutePattern, &a.BackendURL, pq.Array(&a.AllowedMethods), pq.Array(&a.RequiredScopes), &a.Enabled, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Policies

func (r *Repository) ListForRoute(ctx context.Context, apiDefinitionID string) ([]*db.RateLimitPolicy, error) {
	rows, err := r.conn.QueryContext(ctx,
		`SELECT id, api_definition_id, tier, strategy, capacity, refill_rate, window_seconds, failure_mode, created_at
		 FROM rate_limit_policies WHERE api_definition_id = $1`, apiDefinitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*db.RateLimitPolicy
	for rows.Next() {
		var p db.RateLimitPolicy
		if err := rows.Scan(&p.ID, &p.ApiDefinitionID, &p.Tier, &p.StrategyName, &p.Capacity, &p.RefillRate, &p.WindowSeconds, &p.FailureModeName, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// IP rules

func (r *Repository) Create(ctx context.Context, rule *db.IpRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	_, err := r.conn.ExecContext(ctx,
		`INSERT INTO ip_rules (id, ip_address, rule_type, reason, auto_blocked, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (ip_address) DO UPDATE SET rule_type = $3, reason = $4, auto_blocked = $5, expires_at = $6`,
		rule.ID, rule.IPAddress, rule.RuleType, rule.Reason, rule.AutoBlocked, rule.ExpiresAt)
	return err
}

func (r *Repository) ActiveBlockRule(ctx context.Context, ip string) (*db.IpRule, error) {
	return r.activeRule(ctx, ip, db.RuleBlock)
}

func (r *Repository) ActiveAllowRule(ctx context.Context, ip string) (*db.IpRule, error) {
	return r.activeRule(ctx, ip, db.RuleAllow)
}

func (r *Repository) activeRule(ctx context.Context, ip string, ruleType db.RuleType) (*db.IpRule, error) {
	var rule db.IpRule
	err := r.conn.QueryRowContext(ctx,
		`SELECT id, ip_address, rule_type, reason, auto_blocked, expires_at, created_at
		 FROM ip_rules
		 WHERE ip_address = $1 AND rule_type = $2 AND (expires_at IS NULL OR expires_at > now())`,
		ip, ruleType).
		Scan(&rule.ID, &rule.IPAddress, &rule.RuleType, &rule.Reason, &rule.AutoBlocked, &rule.ExpiresAt, &rule.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *Repository) HasAnyAllowRules(ctx context.Context) (bool, error) {
	var exists bool
	err := r.conn.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ip_rules WHERE rule_type = $1 AND (expires_at IS NULL OR expires_at > now()))`,
		db.RuleAllow).Scan(&exists)
	return exists, err
}

func (r *Repository) Delete(ctx context.Context, ip string) error {
	_, err := r.conn.ExecContext(ctx, `DELETE FROM ip_rules WHERE ip_address = $1`, ip)
	return err
}

// Audit — append-only, synchronous per spec §5.

func (r *Repository) Append(ctx context.Context, entry *db.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := r.conn.ExecContext(ctx,
		`INSERT INTO audit_logs (id, timestamp, event_type, actor_user_id, actor_ip, resource_type, resource_id, changes, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.Timestamp, entry.EventType, entry.ActorUserID, entry.ActorIP, entry.ResourceType, entry.ResourceID, entry.Changes, entry.Metadata)
	return err
}

var (
	_ repository.UserRepository   = (*Repository)(nil)
	_ repository.APIKeyRepository = (*Repository)(nil)
	_ repository.RouteRepository  = (*Repository)(nil)
	_ repository.PolicyRepository = (*Repository)(nil)
	_ repository.IPRuleRepository = (*Repository)(nil)
	_ repository.AuditRepository  = (*Repository)(nil)
)
