// Package autoblock implements the violation-counter side effect of
// spec §4.5: repeated authentication/rate-limit abuse from the same IP
// escalates into an automatic block rule. Counters live in the shared
// cache (cross-instance) keyed by (kind, ip), with the window TTL set
// only on the first increment so the window is fixed relative to the
// first violation, not sliding.
package autoblock

import (
	"context"
	"time"

	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/db"
	"github.com/relaygate/gateway/internal/iprules"
	"github.com/relaygate/gateway/internal/repository"
)

// Kind enumerates the violation categories spec §4.5 tracks separately.
type Kind string

const (
	KindInvalidAPIKey  Kind = "invalid_api_key"
	KindInvalidToken   Kind = "invalid_token"
	KindRateLimitAbuse Kind = "rate_limit_abuse"
	KindAuthFailure    Kind = "auth_failure"
)

type threshold struct {
	count    int64
	window   time.Duration
	blockFor time.Duration
}

// thresholds is the exact table from spec §4.5.
var thresholds = map[Kind]threshold{
	KindInvalidAPIKey:  {count: 10, window: 60 * time.Second, blockFor: time.Hour},
	KindInvalidToken:   {count: 20, window: 60 * time.Second, blockFor: time.Hour},
	KindRateLimitAbuse: {count: 50, window: 300 * time.Second, blockFor: 30 * time.Minute},
	KindAuthFailure:    {count: 30, window: 300 * time.Second, blockFor: 2 * time.Hour},
}

// Blocker watches violation counts and escalates to an IpRule block
// once a kind's threshold is crossed within its window.
type Blocker struct {
	Shared  cache.SharedCache
	IPRules *iprules.Checker
	Audit   repository.AuditRepository
}

func New(shared cache.SharedCache, ipRules *iprules.Checker, audit repository.AuditRepository) *Blocker {
	return &Blocker{Shared: shared, IPRules: ipRules, Audit: audit}
}

func counterKey(kind Kind, ip string) string { return "violation:" + string(kind) + ":" + ip }

// Record increments the counter for (kind, ip) and, once the threshold
// is crossed, creates an auto-blocked IpRule and writes an audit entry
// synchronously (spec §4.5: "the block itself must be logged"). Loopback
// addresses and any IP with an active allow rule are exempt and never
// accumulate toward a threshold (spec §4.5's whitelisting exemption).
func (b *Blocker) Record(ctx context.Context, kind Kind, ip string) error {
	th, ok := thresholds[kind]
	if !ok {
		return nil
	}

	exempt, err := b.IPRules.IsExempt(ctx, ip)
	if err != nil {
		return err
	}
	if exempt {
		return nil
	}

	key := counterKey(kind, ip)
	count, err := b.Shared.Incr(ctx, key)
	if err != nil {
		return err
	}
	if count == 1 {
		if err := b.Shared.Expire(ctx, key, th.window); err != nil {
			return err
		}
	}
	if count < th.count {
		return nil
	}

	until := time.Now().Add(th.blockFor)
	if err := b.IPRules.Rules.Create(ctx, &db.IpRule{
		IPAddress:   ip,
		RuleType:    db.RuleBlock,
		Reason:      "auto-blocked: " + string(kind),
		AutoBlocked: true,
		ExpiresAt:   &until,
	}); err != nil {
		return err
	}
	b.IPRules.Front.Delete("iprule:block:" + ip)
	_ = b.Shared.Del(ctx, key)

	if b.Audit != nil {
		_ = b.Audit.Append(ctx, &db.AuditLog{
			Timestamp:    time.Now(),
			EventType:    "ip.auto_blocked",
			ActorIP:      ip,
			ResourceType: "ip_rule",
			ResourceID:   ip,
		})
	}
	return nil
}

// ClearAll resets every violation counter for ip, called on successful
// authentication (spec §4.5: "a successful authentication clears the
// violation counters for that IP").
func (b *Blocker) ClearAll(ctx context.Context, ip string) {
	for kind := range thresholds {
		_ = b.Shared.Del(ctx, counterKey(kind, ip))
	}
}
