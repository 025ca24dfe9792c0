package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/db"
	"github.com/relaygate/gateway/internal/iprules"
	"github.com/relaygate/gateway/internal/pipeline"
	"github.com/relaygate/gateway/internal/repository"
)

type fakeIPRuleRepo struct {
	blocked   map[string]*db.IpRule
	allowed   map[string]*db.IpRule
	anyAllows bool
}

func newFakeIPRuleRepo() *fakeIPRuleRepo {
	return &fakeIPRuleRepo{blocked: map[string]*db.IpRule{}, allowed: map[string]*db.IpRule{}}
}

func (r *fakeIPRuleRepo) Create(ctx context.Context, rule *db.IpRule) error {
	switch rule.RuleType {
	case db.RuleBlock:
		r.blocked[rule.IPAddress] = rule
	case db.RuleAllow:
		r.allowed[rule.IPAddress] = rule
		r.anyAllows = true
	}
	return nil
}

func (r *fakeIPRuleRepo) ActiveBlockRule(ctx context.Context, ip string) (*db.IpRule, error) {
	if rule, ok := r.blocked[ip]; ok {
		return rule, nil
	}
	return nil, repository.ErrNotFound
}

func (r *fakeIPRuleRepo) ActiveAllowRule(ctx context.Context, ip string) (*db.IpRule, error) {
	if rule, ok := r.allowed[ip]; ok {
		return rule, nil
	}
	return nil, repository.ErrNotFound
}

func (r *fakeIPRuleRepo) HasAnyAllowRules(ctx context.Context) (bool, error) {
	return r.anyAllows, nil
}

func (r *fakeIPRuleRepo) Delete(ctx context.Context, ip string) error {
	delete(r.blocked, ip)
	delete(r.allowed, ip)
	return nil
}

func newTestContext(r *http.Request, ip string) *http.Request {
	ctx, _ := pipeline.New(r.Context(), "req-1", ip, time.Now())
	return r.WithContext(ctx)
}

func TestIPRules_AllowsByDefault(t *testing.T) {
	repo := newFakeIPRuleRepo()
	checker := iprules.New(repo, cache.NewMemoryCache())
	called := false
	handler := IPRules(checker)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	r := newTestContext(httptest.NewRequest(http.MethodGet, "/", nil), "203.0.113.9")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if !called {
		t.Fatal("expected the request to reach the next handler")
	}
}

func TestIPRules_RejectsBlockedIP(t *testing.T) {
	repo := newFakeIPRuleRepo()
	_ = repo.Create(context.Background(), &db.IpRule{IPAddress: "203.0.113.9", RuleType: db.RuleBlock})
	checker := iprules.New(repo, cache.NewMemoryCache())
	called := false
	handler := IPRules(checker)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	r := newTestContext(httptest.NewRequest(http.MethodGet, "/", nil), "203.0.113.9")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if called {
		t.Fatal("blocked IP should never reach the next handler")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestIPRules_RejectsNonAllowlistedIPInAllowlistMode(t *testing.T) {
	repo := newFakeIPRuleRepo()
	_ = repo.Create(context.Background(), &db.IpRule{IPAddress: "198.51.100.1", RuleType: db.RuleAllow})
	checker := iprules.New(repo, cache.NewMemoryCache())
	handler := IPRules(checker)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := newTestContext(httptest.NewRequest(http.MethodGet, "/", nil), "203.0.113.9")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestIPRules_NeverBlocksLoopback(t *testing.T) {
	repo := newFakeIPRuleRepo()
	_ = repo.Create(context.Background(), &db.IpRule{IPAddress: "127.0.0.1", RuleType: db.RuleBlock})
	checker := iprules.New(repo, cache.NewMemoryCache())
	called := false
	handler := IPRules(checker)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	r := newTestContext(httptest.NewRequest(http.MethodGet, "/", nil), "127.0.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if !called {
		t.Fatal("loopback should never be blocked")
	}
}
