// Package policy resolves spec §9's open question — "the source
// carries a scope-check helper but does not call it in the hot path" —
// by wiring scope enforcement into the pipeline for routes that opt
// in. A route with no RequiredScopes defers entirely to the backend,
// matching the spec's "implementations should decide" framing: this
// gateway enforces scopes only where a route declares them.
package policy

import (
	"github.com/relaygate/gateway/internal/db"
	"github.com/relaygate/gateway/internal/gwerrors"
)

// ScopeEnforcer checks a matched route's RequiredScopes against the
// caller's credentials. Bearer-token users authenticate as a role, not
// a scope set, so enforcement only applies to API-key callers — a
// bearer-authenticated request always passes.
type ScopeEnforcer struct{}

func NewScopeEnforcer() *ScopeEnforcer { return &ScopeEnforcer{} }

// Check returns a CodeInsufficientScope error when route declares
// required scopes and apiKey lacks at least one of them. apiKey may be
// nil (bearer or unauthenticated callers bypass this check; the auth
// stage is responsible for whether the route requires auth at all).
func (e *ScopeEnforcer) Check(route *db.ApiDefinition, apiKey *db.APIKey) error {
	if route == nil || len(route.RequiredScopes) == 0 {
		return nil
	}
	if apiKey == nil {
		return nil
	}
	for _, required := range route.RequiredScopes {
		if !apiKey.HasScope(required) {
			return gwerrors.New(gwerrors.CodeInsufficientScope, "API key missing required scope: "+required).
				WithDetails(map[string]interface{}{"required_scope": required})
		}
	}
	return nil
}
