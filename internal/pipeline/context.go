// Package pipeline generalizes the teacher's scattered
// context.WithValue(... UserContextKey ...) calls into one struct
// carried under a single context key, per spec §4.1: request id,
// client IP, start time, and the annotations each pipeline stage adds
// as the request moves from parser to response transformer.
package pipeline

import (
	"context"
	"time"

	"github.com/relaygate/gateway/internal/db"
	"github.com/relaygate/gateway/internal/limiter"
)

// AuthMethod distinguishes how the caller authenticated, if at all.
type AuthMethod string

const (
	AuthNone   AuthMethod = ""
	AuthBearer AuthMethod = "bearer"
	AuthAPIKey AuthMethod = "api_key"
)

// Context accumulates everything downstream stages need, per spec
// §4.1. Stages mutate it in place; it is a pointer stored in the
// request's context.Context under ctxKey.
type Context struct {
	RequestID string
	ClientIP  string
	StartTime time.Time

	AuthenticatedUser   *db.User
	AuthenticatedAPIKey *db.APIKey
	AuthMethod          AuthMethod

	MatchedRoute *db.ApiDefinition

	// RateLimitToken is the opaque handle for the concurrency
	// strategy's release, set by the rate-limit stage, which also
	// defers its release until the downstream stages return (spec
	// §4.3/§5/§9).
	RateLimitToken *limiter.Acquisition

	// Err carries the taxonomy error a stage short-circuited with, so
	// the outer logger stage can record it without re-deriving it.
	Err error
}

type ctxKeyType struct{}

var ctxKey = ctxKeyType{}

// New creates a fresh Context and returns a derived context.Context
// carrying it.
func New(ctx context.Context, requestID, clientIP string, start time.Time) (context.Context, *Context) {
	pc := &Context{RequestID: requestID, ClientIP: clientIP, StartTime: start}
	return context.WithValue(ctx, ctxKey, pc), pc
}

// From retrieves the *Context stashed by New, or nil if none is present.
func From(ctx context.Context) *Context {
	pc, _ := ctx.Value(ctxKey).(*Context)
	return pc
}

// Identifier returns the rate-limiter identifier for the current
// caller: user id, then API key id, then client IP (spec §4.3/GLOSSARY).
func (c *Context) Identifier() string {
	userID := ""
	if c.AuthenticatedUser != nil {
		userID = c.AuthenticatedUser.ID
	}
	apiKeyID := ""
	if c.AuthenticatedAPIKey != nil {
		apiKeyID = c.AuthenticatedAPIKey.ID
	}
	return limiter.Identifier(userID, apiKeyID, c.ClientIP)
}

// Tier returns the caller's tier for policy selection, defaulting to
// free for unauthenticated/API-key-only callers without a user record.
func (c *Context) Tier() db.Tier {
	if c.AuthenticatedUser != nil {
		return c.AuthenticatedUser.Tier
	}
	return db.TierFree
}

// UserID returns the authenticated user id, or "" if none.
func (c *Context) UserID() string {
	if c.AuthenticatedUser != nil {
		return c.AuthenticatedUser.ID
	}
	return ""
}
