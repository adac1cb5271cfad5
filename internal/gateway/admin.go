package gateway

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/quaylabs/breakwater/internal/apierror"
	"github.com/quaylabs/breakwater/internal/auth"
	"github.com/quaylabs/breakwater/internal/mw"
	"github.com/quaylabs/breakwater/internal/router"
)

// RegisterAdmin mounts the administrative surface. Every endpoint sits
// behind the admin key; with no key configured the paths 404.
func (g *Gateway) RegisterAdmin(mux *http.ServeMux, adminKey string) {
	wrap := func(h http.Handler) http.Handler {
		h = mw.RequireAdminKey(adminKey, g.cfg.Production(), h)
		h = mw.AccessLog(g.log, h)
		h = mw.Ingress(g.trusted, h)
		return h
	}

	mux.Handle("/-/status", wrap(http.HandlerFunc(g.adminStatus)))
	mux.Handle("/-/routes", wrap(http.HandlerFunc(g.adminRoutes)))
	mux.Handle("/-/breakers", wrap(http.HandlerFunc(g.adminBreakers)))
	mux.Handle("/-/breakers/reset", wrap(http.HandlerFunc(g.adminBreakerReset)))
	mux.Handle("/-/limits", wrap(http.HandlerFunc(g.adminLimits)))
	mux.Handle("/-/limits/reset", wrap(http.HandlerFunc(g.adminLimitsReset)))
	mux.Handle("/-/stats", wrap(http.HandlerFunc(g.adminStats)))
	mux.Handle("/-/stats/reset", wrap(http.HandlerFunc(g.adminStatsReset)))
	mux.Handle("/-/token", wrap(http.HandlerFunc(g.adminToken)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) adminStatus(w http.ResponseWriter, r *http.Request) {
	goVer := ""
	if info, _ := debug.ReadBuildInfo(); info != nil {
		goVer = info.GoVersion
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"time_utc":          time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":    int(time.Since(g.startedAt).Seconds()),
		"env":               g.cfg.Server.Env,
		"go_version":        goVer,
		"store_backend":     g.cfg.Store.Backend,
		"routes_configured": len(g.table.List()),
	})
}

type routeView struct {
	Path          string   `json:"path"`
	Target        string   `json:"target"`
	Methods       []string `json:"methods"`
	TimeoutMs     int64    `json:"timeout_ms"`
	Retries       int      `json:"retries"`
	AuthRequired  bool     `json:"auth_required"`
	RateLimitTier string   `json:"rate_limit_tier"`
	StripPath     bool     `json:"strip_path"`
	PreserveHost  bool     `json:"preserve_host"`
}

func viewOf(r *router.Route) routeView {
	return routeView{
		Path:          r.Pattern,
		Target:        r.Upstream.String(),
		Methods:       r.MethodList(),
		TimeoutMs:     r.TimeoutMs,
		Retries:       r.Retries,
		AuthRequired:  r.AuthRequired,
		RateLimitTier: r.RateLimitTier,
		StripPath:     r.StripPath,
		PreserveHost:  r.PreserveHost,
	}
}

// adminRoutes lists, adds or removes routes. Mutations take effect for the
// next request; in-flight requests keep the route they resolved.
func (g *Gateway) adminRoutes(w http.ResponseWriter, r *http.Request) {
	rid := mw.RID(r.Context())

	switch r.Method {
	case http.MethodGet:
		routes := g.table.List()
		out := make([]routeView, 0, len(routes))
		for _, rt := range routes {
			out = append(out, viewOf(rt))
		}
		writeJSON(w, http.StatusOK, out)

	case http.MethodPost:
		var body struct {
			routeView
			RequiredRoles []string `json:"required_roles"`
			RequiredPerms []string `json:"required_permissions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			apierror.Write(w, apierror.Wrap(apierror.ValidationError, "invalid route body", err), rid, g.cfg.Production())
			return
		}
		rt, err := router.Compile(router.Spec{
			Pattern:       body.Path,
			Target:        body.Target,
			Methods:       body.Methods,
			TimeoutMs:     body.TimeoutMs,
			Retries:       body.Retries,
			AuthRequired:  body.AuthRequired,
			RateLimitTier: body.RateLimitTier,
			StripPath:     body.StripPath,
			PreserveHost:  body.PreserveHost,
			RequiredRoles: body.RequiredRoles,
			RequiredPerms: body.RequiredPerms,
		})
		if err != nil {
			apierror.Write(w, apierror.Wrap(apierror.ValidationError, err.Error(), err), rid, g.cfg.Production())
			return
		}
		g.table.Add(rt)
		writeJSON(w, http.StatusCreated, viewOf(rt))

	case http.MethodDelete:
		pattern := r.URL.Query().Get("path")
		if pattern == "" {
			apierror.Write(w, apierror.New(apierror.ValidationError, "path query parameter required"), rid, g.cfg.Production())
			return
		}
		if !g.table.Remove(pattern) {
			apierror.Write(w, apierror.New(apierror.RouteNotFound, "no such route"), rid, g.cfg.Production())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": pattern})

	default:
		apierror.Write(w, apierror.New(apierror.MethodNotAllowed, "method not allowed"), rid, g.cfg.Production())
	}
}

func (g *Gateway) adminBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.breakers.All())
}

func (g *Gateway) adminBreakerReset(w http.ResponseWriter, r *http.Request) {
	rid := mw.RID(r.Context())
	if r.Method != http.MethodPost {
		apierror.Write(w, apierror.New(apierror.MethodNotAllowed, "method not allowed"), rid, g.cfg.Production())
		return
	}
	service := r.URL.Query().Get("service")
	b, ok := g.breakers.Lookup(service)
	if !ok {
		apierror.Write(w, apierror.New(apierror.RouteNotFound, "no breaker for service").
			WithDetail("service", service), rid, g.cfg.Production())
		return
	}
	b.Reset()
	g.metrics.ObserveBreaker(b.Stats())
	writeJSON(w, http.StatusOK, b.Stats())
}

func (g *Gateway) adminLimits(w http.ResponseWriter, r *http.Request) {
	rid := mw.RID(r.Context())
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		apierror.Write(w, apierror.New(apierror.ValidationError, "identity query parameter required"), rid, g.cfg.Production())
		return
	}
	st, err := g.limiter.Status(r.Context(), identity, r.URL.Query().Get("tier"))
	if err != nil {
		apierror.Write(w, err, rid, g.cfg.Production())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (g *Gateway) adminLimitsReset(w http.ResponseWriter, r *http.Request) {
	rid := mw.RID(r.Context())
	if r.Method != http.MethodPost {
		apierror.Write(w, apierror.New(apierror.MethodNotAllowed, "method not allowed"), rid, g.cfg.Production())
		return
	}
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		apierror.Write(w, apierror.New(apierror.ValidationError, "identity query parameter required"), rid, g.cfg.Production())
		return
	}
	n, err := g.limiter.Reset(r.Context(), identity, r.URL.Query().Get("tier"))
	if err != nil {
		apierror.Write(w, apierror.Wrap(apierror.ServiceUnavailable, "rate limit store unavailable", err), rid, g.cfg.Production())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": identity, "deleted": n})
}

func (g *Gateway) adminStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.stats.Snapshot())
}

func (g *Gateway) adminStatsReset(w http.ResponseWriter, r *http.Request) {
	rid := mw.RID(r.Context())
	if r.Method != http.MethodPost {
		apierror.Write(w, apierror.New(apierror.MethodNotAllowed, "method not allowed"), rid, g.cfg.Production())
		return
	}
	g.stats.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

// adminToken mints a signed test token. Development mode only; production
// does not expose the path.
func (g *Gateway) adminToken(w http.ResponseWriter, r *http.Request) {
	rid := mw.RID(r.Context())
	if g.cfg.Production() {
		apierror.Write(w, apierror.New(apierror.RouteNotFound, "not found"), rid, true)
		return
	}
	if r.Method != http.MethodPost {
		apierror.Write(w, apierror.New(apierror.MethodNotAllowed, "method not allowed"), rid, g.cfg.Production())
		return
	}

	var body struct {
		Subject     string   `json:"subject"`
		Username    string   `json:"username"`
		Email       string   `json:"email"`
		Roles       []string `json:"roles"`
		Permissions []string `json:"permissions"`
		Tier        string   `json:"tier"`
		TTLSeconds  int      `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierror.Write(w, apierror.Wrap(apierror.ValidationError, "invalid token request", err), rid, g.cfg.Production())
		return
	}

	ttl := g.cfg.TokenExpiry()
	if body.TTLSeconds > 0 {
		ttl = time.Duration(body.TTLSeconds) * time.Second
	}
	tok, err := g.authn.Mint(auth.MintOptions{
		Subject:     body.Subject,
		Username:    body.Username,
		Email:       body.Email,
		Roles:       body.Roles,
		Permissions: body.Permissions,
		Tier:        body.Tier,
		TTL:         ttl,
	})
	if err != nil {
		apierror.Write(w, apierror.Wrap(apierror.InternalServerError, "token signing failed", err), rid, g.cfg.Production())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "expires_in": int(ttl.Seconds())})
}
