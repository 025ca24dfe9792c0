package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaygate/gateway/internal/db"
	"github.com/relaygate/gateway/internal/repository"
)

// MemoryRepository is an in-process store backing every repository
// interface. It is the default backend for tests and for the teacher's
// original development flow; internal/repository/postgres implements
// the same interfaces against a durable database.
type MemoryRepository struct {
	mu sync.RWMutex

	usersByID    map[string]*db.User
	usersByEmail map[string]*db.User

	apiKeysByDigest map[string]*db.APIKey

	routes map[string]*db.ApiDefinition

	policiesByRoute map[string][]*db.RateLimitPolicy

	ipRules map[string]*db.IpRule // keyed by IP address, last-write-wins like the teacher's map style

	audit []*db.AuditLog
}

func New() *MemoryRepository {
	return &MemoryRepository{
		usersByID:       make(map[string]*db.User),
		usersByEmail:    make(map[string]*db.User),
		apiKeysByDigest: make(map[string]*db.APIKey),
		routes:          make(map[string]*db.ApiDefinition),
		policiesByRoute: make(map[string][]*db.RateLimitPolicy),
		ipRules:         make(map[string]*db.IpRule),
	}
}

// User Repo Implementation

func (r *MemoryRepository) Get(ctx context.Context, id string) (*db.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u, ok := r.usersByID[id]; ok {
		return u, nil
	}
	return nil, repository.ErrNotFound
}

func (r *MemoryRepository) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u, ok := r.usersByEmail[strings.ToLower(email)]; ok {
		return u, nil
	}
	return nil, repository.ErrNotFound
}

func (r *MemoryRepository) CreateUser(ctx context.Context, user *db.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	r.usersByID[user.ID] = user
	r.usersByEmail[strings.ToLower(user.Email)] = user
	return nil
}

func (r *MemoryRepository) BumpTokenVersion(ctx context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.usersByID[userID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	u.TokenVersion++
	u.UpdatedAt = time.Now()
	return u.TokenVersion, nil
}

// APIKey Repo Implementation

func (r *MemoryRepository) GetByDigest(ctx context.Context, keyDigest string) (*db.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k, ok := r.apiKeysByDigest[keyDigest]; ok {
		return k, nil
	}
	return nil, repository.ErrNotFound
}

func (r *MemoryRepository) ListByUser(ctx context.Context, userID string) ([]*db.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var list []*db.APIKey
	for _, k := range r.apiKeysByDigest {
		if k.UserID == userID {
			list = append(list, k)
		}
	}
	return list, nil
}

func (r *MemoryRepository) CreateAPIKey(ctx context.Context, apiKey *db.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if apiKey.ID == "" {
		apiKey.ID = uuid.NewString()
	}
	r.apiKeysByDigest[apiKey.KeyDigest] = apiKey
	return nil
}

func (r *MemoryRepository) InvalidateAll(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.apiKeysByDigest {
		if k.UserID == userID {
			k.Status = db.KeyRevoked
		}
	}
	return nil
}

func (r *MemoryRepository) TouchLastUsed(ctx context.Context, keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, k := range r.apiKeysByDigest {
		if k.ID == keyID {
			k.LastUsedAt = &now
			return nil
		}
	}
	return repository.ErrNotFound
}

// Route Repo Implementation

func (r *MemoryRepository) ListEnabled(ctx context.Context) ([]*db.ApiDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var list []*db.ApiDefinition
	for _, rt := range r.routes {
		if rt.Enabled {
			list = append(list, rt)
		}
	}
	return list, nil
}

func (r *MemoryRepository) GetRoute(ctx context.Context, id string) (*db.ApiDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.routes[id]; ok {
		return rt, nil
	}
	return nil, repository.ErrNotFound
}

// PutRoute is a test/seed helper, not part of any interface.
func (r *MemoryRepository) PutRoute(rt *db.ApiDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	r.routes[rt.ID] = rt
}

// Policy Repo Implementation

func (r *MemoryRepository) ListForRoute(ctx context.Context, apiDefinitionID string) ([]*db.RateLimitPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*db.RateLimitPolicy{}, r.policiesByRoute[apiDefinitionID]...), nil
}

// PutPolicy is a test/seed helper, not part of any interface.
func (r *MemoryRepository) PutPolicy(p *db.RateLimitPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	r.policiesByRoute[p.ApiDefinitionID] = append(r.policiesByRoute[p.ApiDefinitionID], p)
}

// IPRule Repo Implementation

func (r *MemoryRepository) Create(ctx context.Context, rule *db.IpRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	r.ipRules[rule.IPAddress] = rule
	return nil
}

func (r *MemoryRepository) ActiveBlockRule(ctx context.Context, ip string) (*db.IpRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.ipRules[ip]
	if !ok || rule.RuleType != db.RuleBlock || !rule.IsActive() {
		return nil, repository.ErrNotFound
	}
	return rule, nil
}

func (r *MemoryRepository) ActiveAllowRule(ctx context.Context, ip string) (*db.IpRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.ipRules[ip]
	if !ok || rule.RuleType != db.RuleAllow || !rule.IsActive() {
		return nil, repository.ErrNotFound
	}
	return rule, nil
}

func (r *MemoryRepository) HasAnyAllowRules(ctx context.Context) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.ipRules {
		if rule.RuleType == db.RuleAllow && rule.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ipRules, ip)
	return nil
}

// Audit Repo Implementation

func (r *MemoryRepository) Append(ctx context.Context, entry *db.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	r.audit = append(r.audit, entry)
	return nil
}

// Interface checks
var (
	_ repository.UserRepository    = (*MemoryRepository)(nil)
	_ repository.APIKeyRepository  = (*MemoryRepository)(nil)
	_ repository.RouteRepository   = (*MemoryRepository)(nil)
	_ repository.PolicyRepository  = (*MemoryRepository)(nil)
	_ repository.IPRuleRepository  = (*MemoryRepository)(nil)
	_ repository.AuditRepository   = (*MemoryRepository)(nil)
)
