// Package iprules implements the IP allow/block check of spec §4.5
// pipeline stage 3: "reject if client IP is on the active block list;
// if allowlist mode is active, reject if not on it." Active-rule
// lookups are fronted by the short-lived in-process cache (spec §5)
// since block/allow status is read on every request.
package iprules

import (
	"context"
	"net"
	"time"

	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/db"
	"github.com/relaygate/gateway/internal/repository"
)

// frontCacheTTL bounds staleness of IP-rule reads, per spec §5's
// "short-lived in-process cache (<= 5 minutes)" policy, applied here
// at a much shorter interval since block decisions are security
// sensitive and the auto-blocker expects near-immediate effect.
const frontCacheTTL = 5 * time.Second

// Checker decides whether a client IP may proceed past pipeline
// stage 3.
type Checker struct {
	Rules repository.IPRuleRepository
	Front *cache.MemoryCache
}

func New(rules repository.IPRuleRepository, front *cache.MemoryCache) *Checker {
	return &Checker{Rules: rules, Front: front}
}

// Decision is the stage-3 outcome.
type Decision struct {
	Allowed bool
	Reason  string // "blocked" | "not_allowlisted"
}

// Check evaluates spec §4.5's allow/block rules for ip. Loopback
// addresses are never blocked (spec §4.5 "whitelisting").
func (c *Checker) Check(ctx context.Context, ip string) (Decision, error) {
	if isLoopback(ip) {
		return Decision{Allowed: true}, nil
	}

	blockKey := "iprule:block:" + ip
	if v, ok := c.Front.Get(blockKey); ok {
		if v.(bool) {
			return Decision{Allowed: false, Reason: "blocked"}, nil
		}
	} else {
		blocked, err := c.hasActiveBlock(ctx, ip)
		if err != nil {
			return Decision{}, err
		}
		c.Front.Set(blockKey, blocked, frontCacheTTL)
		if blocked {
			return Decision{Allowed: false, Reason: "blocked"}, nil
		}
	}

	allowlistKey := "iprule:allowlist-mode"
	var allowlistActive bool
	if v, ok := c.Front.Get(allowlistKey); ok {
		allowlistActive = v.(bool)
	} else {
		active, err := c.Rules.HasAnyAllowRules(ctx)
		if err != nil {
			return Decision{}, err
		}
		allowlistActive = active
		c.Front.Set(allowlistKey, active, frontCacheTTL)
	}
	if !allowlistActive {
		return Decision{Allowed: true}, nil
	}

	allowedKey := "iprule:allow:" + ip
	if v, ok := c.Front.Get(allowedKey); ok {
		if v.(bool) {
			return Decision{Allowed: true}, nil
		}
		return Decision{Allowed: false, Reason: "not_allowlisted"}, nil
	}
	_, err := c.Rules.ActiveAllowRule(ctx, ip)
	if err == repository.ErrNotFound {
		c.Front.Set(allowedKey, false, frontCacheTTL)
		return Decision{Allowed: false, Reason: "not_allowlisted"}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	c.Front.Set(allowedKey, true, frontCacheTTL)
	return Decision{Allowed: true}, nil
}

// IsExempt reports whether ip is exempt from auto-blocking: loopback
// addresses and any IP already carrying an active allow rule (spec
// §4.5's whitelisting exemption).
func (c *Checker) IsExempt(ctx context.Context, ip string) (bool, error) {
	if isLoopback(ip) {
		return true, nil
	}
	_, err := c.Rules.ActiveAllowRule(ctx, ip)
	if err == repository.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Checker) hasActiveBlock(ctx context.Context, ip string) (bool, error) {
	_, err := c.Rules.ActiveBlockRule(ctx, ip)
	if err == repository.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Unblock removes any rule for ip, used by manual admin unblock
// (spec §8 scenario 2).
func (c *Checker) Unblock(ctx context.Context, ip string) error {
	c.Front.Delete("iprule:block:" + ip)
	return c.Rules.Delete(ctx, ip)
}

// Block creates a manual block rule (admin surface, spec §6).
func (c *Checker) Block(ctx context.Context, ip, reason string, expiresAt *time.Time) error {
	c.Front.Delete("iprule:block:" + ip)
	return c.Rules.Create(ctx, &db.IpRule{
		IPAddress: ip,
		RuleType:  db.RuleBlock,
		Reason:    reason,
		ExpiresAt: expiresAt,
	})
}

// Allow creates a manual allow rule (admin surface, spec §6),
// invalidating the front cache entries that gate allowlist mode so the
// new rule takes effect on the next request rather than after
// frontCacheTTL.
func (c *Checker) Allow(ctx context.Context, ip, reason string, expiresAt *time.Time) error {
	c.Front.Delete("iprule:allow:" + ip)
	c.Front.Delete("iprule:allowlist-mode")
	return c.Rules.Create(ctx, &db.IpRule{
		IPAddress: ip,
		RuleType:  db.RuleAllow,
		Reason:    reason,
		ExpiresAt: expiresAt,
	})
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
