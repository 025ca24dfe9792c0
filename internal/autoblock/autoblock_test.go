package autoblock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/db"
	"github.com/relaygate/gateway/internal/iprules"
	"github.com/relaygate/gateway/internal/repository"
)

// fakeSharedCache is a minimal, single-process cache.SharedCache fake
// good enough to exercise Incr/Expire/Del without a real Redis.
type fakeSharedCache struct {
	mu       sync.Mutex
	counters map[string]int64
	strings  map[string]string
}

func newFakeSharedCache() *fakeSharedCache {
	return &fakeSharedCache{counters: map[string]int64{}, strings: map[string]string{}}
}

func (c *fakeSharedCache) RunScript(ctx context.Context, script *cache.Script, keys []string, args ...interface{}) (interface{}, error) {
	return nil, nil
}
func (c *fakeSharedCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strings[key], nil
}
func (c *fakeSharedCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strings[key] = value
	return nil
}
func (c *fakeSharedCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.strings[key]; ok {
		return false, nil
	}
	c.strings[key] = value
	return true, nil
}
func (c *fakeSharedCache) Del(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.counters, k)
		delete(c.strings, k)
	}
	return nil
}
func (c *fakeSharedCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.strings[key]
	return ok, nil
}
func (c *fakeSharedCache) Incr(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}
func (c *fakeSharedCache) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }
func (c *fakeSharedCache) Ping(ctx context.Context) error                                  { return nil }

type fakeIPRuleRepo struct {
	byIP map[string]*db.IpRule
}

func newFakeIPRuleRepo() *fakeIPRuleRepo { return &fakeIPRuleRepo{byIP: map[string]*db.IpRule{}} }

func (r *fakeIPRuleRepo) Create(ctx context.Context, rule *db.IpRule) error {
	r.byIP[rule.IPAddress] = rule
	return nil
}
func (r *fakeIPRuleRepo) ActiveBlockRule(ctx context.Context, ip string) (*db.IpRule, error) {
	rule, ok := r.byIP[ip]
	if !ok || rule.RuleType != db.RuleBlock || !rule.IsActive() {
		return nil, repository.ErrNotFound
	}
	return rule, nil
}
func (r *fakeIPRuleRepo) ActiveAllowRule(ctx context.Context, ip string) (*db.IpRule, error) {
	rule, ok := r.byIP[ip]
	if !ok || rule.RuleType != db.RuleAllow || !rule.IsActive() {
		return nil, repository.ErrNotFound
	}
	return rule, nil
}
func (r *fakeIPRuleRepo) HasAnyAllowRules(ctx context.Context) (bool, error) { return false, nil }
func (r *fakeIPRuleRepo) Delete(ctx context.Context, ip string) error {
	delete(r.byIP, ip)
	return nil
}

type fakeAuditRepo struct {
	entries []*db.AuditLog
}

func (r *fakeAuditRepo) Append(ctx context.Context, entry *db.AuditLog) error {
	r.entries = append(r.entries, entry)
	return nil
}

func TestBlocker_ThresholdCrossingCreatesBlockRule(t *testing.T) {
	rules := newFakeIPRuleRepo()
	checker := iprules.New(rules, cache.NewMemoryCache())
	shared := newFakeSharedCache()
	audit := &fakeAuditRepo{}
	b := New(shared, checker, audit)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		if err := b.Record(ctx, KindInvalidAPIKey, "203.0.113.7"); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if _, ok := rules.byIP["203.0.113.7"]; ok {
		t.Fatalf("should not be blocked before the 10th violation")
	}

	if err := b.Record(ctx, KindInvalidAPIKey, "203.0.113.7"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	rule, ok := rules.byIP["203.0.113.7"]
	if !ok {
		t.Fatalf("expected an auto-block rule after the 10th violation")
	}
	if !rule.AutoBlocked {
		t.Fatalf("expected AutoBlocked to be set")
	}
	if len(audit.entries) != 1 {
		t.Fatalf("expected exactly one audit entry, got %d", len(audit.entries))
	}

	d, err := checker.Check(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected the auto-blocked IP to now be rejected")
	}
}

func TestBlocker_DifferentKindsHaveIndependentCounters(t *testing.T) {
	rules := newFakeIPRuleRepo()
	checker := iprules.New(rules, cache.NewMemoryCache())
	shared := newFakeSharedCache()
	b := New(shared, checker, &fakeAuditRepo{})
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_ = b.Record(ctx, KindInvalidAPIKey, "203.0.113.8")
	}
	_ = b.Record(ctx, KindAuthFailure, "203.0.113.8")

	if _, ok := rules.byIP["203.0.113.8"]; ok {
		t.Fatalf("a single auth_failure violation should not trip the invalid_api_key threshold")
	}
}

func TestBlocker_LoopbackIsExemptFromCounting(t *testing.T) {
	rules := newFakeIPRuleRepo()
	checker := iprules.New(rules, cache.NewMemoryCache())
	shared := newFakeSharedCache()
	b := New(shared, checker, &fakeAuditRepo{})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := b.Record(ctx, KindInvalidAPIKey, "127.0.0.1"); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if _, ok := rules.byIP["127.0.0.1"]; ok {
		t.Fatalf("loopback should never accumulate toward an auto-block")
	}
}

func TestBlocker_AllowListedIPIsExemptFromCounting(t *testing.T) {
	rules := newFakeIPRuleRepo()
	_ = rules.Create(context.Background(), &db.IpRule{IPAddress: "198.51.100.4", RuleType: db.RuleAllow})
	checker := iprules.New(rules, cache.NewMemoryCache())
	shared := newFakeSharedCache()
	b := New(shared, checker, &fakeAuditRepo{})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := b.Record(ctx, KindInvalidAPIKey, "198.51.100.4"); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	rule := rules.byIP["198.51.100.4"]
	if rule.RuleType != db.RuleAllow {
		t.Fatalf("an allow-listed IP should never be escalated to a block rule, got %+v", rule)
	}
}

func TestBlocker_ClearAllResetsCounters(t *testing.T) {
	rules := newFakeIPRuleRepo()
	checker := iprules.New(rules, cache.NewMemoryCache())
	shared := newFakeSharedCache()
	b := New(shared, checker, &fakeAuditRepo{})
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_ = b.Record(ctx, KindInvalidAPIKey, "203.0.113.9")
	}
	b.ClearAll(ctx, "203.0.113.9")

	for i := 0; i < 9; i++ {
		_ = b.Record(ctx, KindInvalidAPIKey, "203.0.113.9")
	}
	if _, ok := rules.byIP["203.0.113.9"]; ok {
		t.Fatalf("counters should have been reset by ClearAll, so 9 more violations should not trip the threshold")
	}
}
