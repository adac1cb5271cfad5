// Package ratelimit enforces fixed-window request quotas keyed by identity
// and tier, backed by a shared counter store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quaylabs/breakwater/internal/apierror"
)

const keyPrefix = "rate_limit"

// Tier is a named quota: requests allowed per window.
type Tier struct {
	Requests int
	WindowMs int64
}

// Decision is the outcome of one limiter check. Remaining is -1 when the
// store was unreachable and the request was allowed by the fail-open policy.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime time.Time
	Tier      string
}

// Status is the admin view of one identity's current window.
type Status struct {
	Tier      string    `json:"tier"`
	Identity  string    `json:"identity"`
	Limit     int       `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// Limiter implements the fixed-window counter. The read-then-increment pair
// is deliberately not atomic: under contention the window can overshoot by
// one request per concurrent caller, which is accepted.
type Limiter struct {
	store Store
	tiers map[string]Tier
	log   *slog.Logger

	now func() time.Time // test hook
}

func NewLimiter(store Store, tiers map[string]Tier, log *slog.Logger) *Limiter {
	if _, ok := tiers["basic"]; !ok {
		tiers["basic"] = Tier{Requests: 100, WindowMs: 60_000}
	}
	return &Limiter{store: store, tiers: tiers, log: log, now: time.Now}
}

func (l *Limiter) tier(name string) (Tier, string) {
	if t, ok := l.tiers[name]; ok {
		return t, name
	}
	return l.tiers["basic"], "basic"
}

func key(tier, identity string, windowStart int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", keyPrefix, tier, identity, windowStart)
}

// Allow debits one request for the identity under the named tier. Store
// failures never deny: the request passes with Remaining=-1.
func (l *Limiter) Allow(ctx context.Context, identity, tierName string) Decision {
	t, name := l.tier(tierName)

	nowMs := l.now().UnixMilli()
	windowStart := nowMs / t.WindowMs * t.WindowMs
	reset := time.UnixMilli(windowStart + t.WindowMs)
	k := key(name, identity, windowStart)

	count, _, err := l.store.Get(ctx, k)
	if err != nil {
		return l.failOpen(name, t, err)
	}

	if count >= int64(t.Requests) {
		return Decision{
			Allowed:   false,
			Limit:     t.Requests,
			Remaining: 0,
			ResetTime: reset,
			Tier:      name,
		}
	}

	if _, err := l.store.Incr(ctx, k); err != nil {
		return l.failOpen(name, t, err)
	}
	ttl := time.Duration((t.WindowMs+999)/1000) * time.Second
	if err := l.store.ExpireNX(ctx, k, ttl); err != nil {
		l.log.Warn("rate limit expiry not set", slog.String("key", k), slog.String("error", err.Error()))
	}

	return Decision{
		Allowed:   true,
		Limit:     t.Requests,
		Remaining: t.Requests - int(count) - 1,
		ResetTime: reset,
		Tier:      name,
	}
}

func (l *Limiter) failOpen(name string, t Tier, err error) Decision {
	l.log.Warn("rate limit store unavailable; failing open", slog.String("error", err.Error()))
	return Decision{
		Allowed:   true,
		Limit:     t.Requests,
		Remaining: -1,
		ResetTime: l.now().Add(time.Duration(t.WindowMs) * time.Millisecond),
		Tier:      name,
	}
}

// Status reports used/remaining/reset for the identity's current window.
func (l *Limiter) Status(ctx context.Context, identity, tierName string) (Status, error) {
	t, name := l.tier(tierName)

	nowMs := l.now().UnixMilli()
	windowStart := nowMs / t.WindowMs * t.WindowMs
	k := key(name, identity, windowStart)

	count, _, err := l.store.Get(ctx, k)
	if err != nil {
		return Status{}, apierror.Wrap(apierror.ServiceUnavailable, "rate limit store unavailable", err)
	}
	remaining := int64(t.Requests) - count
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Tier:      name,
		Identity:  identity,
		Limit:     t.Requests,
		Used:      count,
		Remaining: remaining,
		ResetTime: time.UnixMilli(windowStart + t.WindowMs),
	}, nil
}

// Reset deletes every counter for the identity under the tier, across all
// active windows.
func (l *Limiter) Reset(ctx context.Context, identity, tierName string) (int, error) {
	_, name := l.tier(tierName)
	return l.store.DeletePattern(ctx, fmt.Sprintf("%s:%s:%s:*", keyPrefix, name, identity))
}

// Ping exposes store health for the readiness probe.
func (l *Limiter) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}
