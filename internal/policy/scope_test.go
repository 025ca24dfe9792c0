package policy

import (
	"testing"

	"github.com/relaygate/gateway/internal/db"
)

func TestScopeEnforcer_RouteWithNoRequiredScopesAlwaysPasses(t *testing.T) {
	e := NewScopeEnforcer()
	route := &db.ApiDefinition{ID: "r1"}
	if err := e.Check(route, &db.APIKey{Scopes: []string{}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestScopeEnforcer_MissingScopeIsRejected(t *testing.T) {
	e := NewScopeEnforcer()
	route := &db.ApiDefinition{ID: "r1", RequiredScopes: []string{"orders:write"}}
	key := &db.APIKey{Scopes: []string{"orders:read"}}
	if err := e.Check(route, key); err == nil {
		t.Fatalf("expected insufficient scope error")
	}
}

func TestScopeEnforcer_WildcardScopeGrantsAccess(t *testing.T) {
	e := NewScopeEnforcer()
	route := &db.ApiDefinition{ID: "r1", RequiredScopes: []string{"orders:write"}}
	key := &db.APIKey{Scopes: []string{"orders:*"}}
	if err := e.Check(route, key); err != nil {
		t.Fatalf("expected wildcard scope to satisfy the requirement, got %v", err)
	}
}

func TestScopeEnforcer_BearerCallerBypassesCheck(t *testing.T) {
	e := NewScopeEnforcer()
	route := &db.ApiDefinition{ID: "r1", RequiredScopes: []string{"orders:write"}}
	if err := e.Check(route, nil); err != nil {
		t.Fatalf("expected nil apiKey (bearer auth) to bypass scope enforcement, got %v", err)
	}
}
