// Package breaker isolates failing upstreams. One state machine exists per
// service key (host:port); all transitions happen under the breaker's mutex
// so counter reads and state changes are atomic.
package breaker

import (
	"sync"
	"time"

	"github.com/quaylabs/breakwater/internal/apierror"
)

type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// halfOpenQuorum is the number of consecutive half-open successes required
// to close the breaker.
const halfOpenQuorum = 3

type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// Breaker guards one upstream. Do not construct directly; go through a
// Registry so there is exactly one per service key.
type Breaker struct {
	key string
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	nextAttempt time.Time

	now func() time.Time // test hook
}

func New(key string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{key: key, cfg: cfg, state: Closed, now: time.Now}
}

// ErrOpen is returned while the breaker rejects calls. Rejections are not
// counted as failures.
func errOpen(key string, retryAfter time.Duration) error {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return apierror.New(apierror.CircuitOpen, "circuit breaker open for "+key).
		WithDetail("service", key).
		WithDetail("retry_after_seconds", secs)
}

// Allow decides whether a call may proceed, applying the OPEN -> HALF_OPEN
// transition when the recovery timeout has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return nil
	}
	now := b.now()
	if now.Before(b.nextAttempt) {
		return errOpen(b.key, b.nextAttempt.Sub(now))
	}
	b.state = HalfOpen
	b.successes = 0
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= halfOpenQuorum {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	}
}

// Failure records a failed call. In CLOSED it counts toward the threshold;
// in HALF_OPEN a single failure reopens.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailure = now

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = Open
			b.nextAttempt = now.Add(b.cfg.RecoveryTimeout)
		}
	case HalfOpen:
		b.state = Open
		b.successes = 0
		b.nextAttempt = now.Add(b.cfg.RecoveryTimeout)
	}
}

// Do wraps fn with breaker accounting. A rejection surfaces as
// CIRCUIT_BREAKER_OPEN without invoking fn; any error from fn is a failure.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// Reset forces CLOSED and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.nextAttempt = time.Time{}
}

// Stats is a point-in-time snapshot for observability.
type Stats struct {
	Service     string    `json:"service"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"half_open_successes"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Service:     b.key,
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
		NextAttempt: b.nextAttempt,
	}
}

// Registry lazily creates one breaker per service key and lives for the
// process lifetime.
type Registry struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, m: make(map[string]*Breaker)}
}

// Get returns the breaker for the service key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.m[key]
	if !ok {
		b = New(key, r.cfg)
		r.m[key] = b
	}
	return b
}

// Lookup returns an existing breaker without creating one.
func (r *Registry) Lookup(key string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.m[key]
	return b, ok
}

// All snapshots every breaker's stats for the admin surface.
func (r *Registry) All() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.m))
	for _, b := range r.m {
		out = append(out, b.Stats())
	}
	return out
}
