// Package gateway composes the request pipeline: admission, route
// resolution, authentication, rate limiting and upstream dispatch, with the
// admin and health surfaces alongside.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/quaylabs/breakwater/internal/apierror"
	"github.com/quaylabs/breakwater/internal/auth"
	"github.com/quaylabs/breakwater/internal/breaker"
	"github.com/quaylabs/breakwater/internal/config"
	"github.com/quaylabs/breakwater/internal/httpx"
	"github.com/quaylabs/breakwater/internal/mw"
	"github.com/quaylabs/breakwater/internal/netx"
	"github.com/quaylabs/breakwater/internal/ratelimit"
	"github.com/quaylabs/breakwater/internal/router"
	"github.com/quaylabs/breakwater/internal/upstream"
)

type Gateway struct {
	cfg        *config.Config
	log        *slog.Logger
	table      *router.Table
	authn      auth.Authenticator
	limiter    *ratelimit.Limiter
	breakers   *breaker.Registry
	dispatcher *upstream.Dispatcher
	metrics    *mw.Metrics
	stats      *Stats
	trusted    *netx.CIDRSet

	ready     atomic.Bool
	startedAt time.Time
}

type Deps struct {
	Config     *config.Config
	Log        *slog.Logger
	Table      *router.Table
	Auth       auth.Authenticator
	Limiter    *ratelimit.Limiter
	Breakers   *breaker.Registry
	Dispatcher *upstream.Dispatcher
	Metrics    *mw.Metrics
	Trusted    *netx.CIDRSet
}

func New(d Deps) *Gateway {
	g := &Gateway{
		cfg:        d.Config,
		log:        d.Log,
		table:      d.Table,
		authn:      d.Auth,
		limiter:    d.Limiter,
		breakers:   d.Breakers,
		dispatcher: d.Dispatcher,
		metrics:    d.Metrics,
		stats:      NewStats(),
		trusted:    d.Trusted,
		startedAt:  time.Now(),
	}
	g.ready.Store(true)
	return g
}

// SetReady flips the readiness gate; shutdown marks not-ready before the
// listener stops accepting.
func (g *Gateway) SetReady(ok bool) { g.ready.Store(ok) }

// Handler is the catch-all pipeline entry, wrapped in the cross-cutting
// middleware from outermost to innermost.
func (g *Gateway) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(g.serveProxy)
	h = mw.Admission(g.cfg.Production(), h)
	h = mw.Throttle(g.cfg.Server.GlobalRPS, g.cfg.Server.GlobalBurst, g.cfg.Production(), h)
	h = mw.AccessLog(g.log, h)
	h = mw.Instrument(g.metrics, h)
	h = mw.Recover(g.log, g.cfg.Production(), h)
	h = mw.Ingress(g.trusted, h)
	return h
}

// serveProxy runs the per-request stages in order: resolve, auth, limit,
// dispatch. Every terminal error goes through the envelope writer.
func (g *Gateway) serveProxy(w http.ResponseWriter, r *http.Request) {
	rc := mw.FromContext(r.Context())

	if r.URL.Path == "/ping" && r.Method == http.MethodGet {
		g.writePong(w, rc)
		return
	}

	m, err := g.table.Resolve(r.Method, r.URL.Path)
	if err != nil {
		g.fail(w, rc, err)
		return
	}
	rc.Route = m.Route

	var user *auth.UserContext
	if m.Route.AuthRequired {
		user, err = g.authn.Authenticate(r)
		if err != nil {
			g.fail(w, rc, err)
			return
		}
	} else {
		user = g.authn.AuthenticateOptional(r)
	}
	rc.User = user

	if err := auth.Authorize(user, m.Route.RequiredRoles, m.Route.RequiredPerms); err != nil {
		g.fail(w, rc, err)
		return
	}

	tier := m.Route.RateLimitTier
	identity := "ip:" + rc.ClientIP
	if user != nil {
		identity = "user:" + user.Subject
		if user.Tier != "" {
			tier = user.Tier
		}
	}

	dec := g.limiter.Allow(r.Context(), identity, tier)
	g.metrics.RateLimit.WithLabelValues(dec.Tier, outcome(dec)).Inc()
	setRateLimitHeaders(w, dec)
	if !dec.Allowed {
		retry := int(time.Until(dec.ResetTime).Seconds() + 1)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		g.fail(w, rc, apierror.New(apierror.RateLimitExceeded, "rate limit exceeded").
			WithDetail("tier", dec.Tier).
			WithDetail("retry_after_seconds", retry))
		return
	}

	info := upstream.ClientInfo{
		RequestID: rc.ID,
		ClientIP:  rc.ClientIP,
		Scheme:    schemeOf(r),
		Host:      r.Host,
		User:      user,
	}
	sw := &httpx.StatusWriter{ResponseWriter: w}
	err = g.dispatcher.Forward(sw, r, m, info)
	g.metrics.ObserveBreaker(g.breakers.Get(m.Route.ServiceKey()).Stats())
	if err != nil {
		g.fail(w, rc, err)
		return
	}
	g.stats.Record(m.Route.Pattern, sw.Status)
}

func (g *Gateway) fail(w http.ResponseWriter, rc *mw.RequestContext, err error) {
	ge := apierror.From(err)
	route := ""
	if rc.Route != nil {
		route = rc.Route.Pattern
	}
	g.stats.Record(route, ge.Status)
	apierror.Write(w, ge, rc.ID, g.cfg.Production())
}

func (g *Gateway) writePong(w http.ResponseWriter, rc *mw.RequestContext) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "pong",
		"requestId": rc.ID,
	})
}

func outcome(d ratelimit.Decision) string {
	switch {
	case !d.Allowed:
		return "denied"
	case d.Remaining < 0:
		return "fail_open"
	default:
		return "allowed"
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetTime.Unix(), 10))
	w.Header().Set("X-RateLimit-Tier", d.Tier)
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		return p
	}
	return "http"
}
