package ratelimit

import (
	"context"
	"time"
)

// Store is the counter-store contract the limiter needs. Redis satisfies it
// in production; the memory store covers dev and tests. Every method must be
// safe for concurrent use.
type Store interface {
	// Get reads an integer counter; ok is false when the key is absent.
	Get(ctx context.Context, key string) (n int64, ok bool, err error)
	// Incr atomically increments a counter, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	// ExpireNX sets a TTL only if the key has none yet.
	ExpireNX(ctx context.Context, key string, ttl time.Duration) error
	// DeletePattern removes all keys matching a glob pattern, returning the
	// number deleted.
	DeletePattern(ctx context.Context, pattern string) (int, error)
	// Ping reports store reachability; readiness probes gate on it.
	Ping(ctx context.Context) error
	Close() error
}
