package gateway_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quaylabs/breakwater/internal/auth"
	"github.com/quaylabs/breakwater/internal/breaker"
	"github.com/quaylabs/breakwater/internal/config"
	"github.com/quaylabs/breakwater/internal/gateway"
	"github.com/quaylabs/breakwater/internal/mw"
	"github.com/quaylabs/breakwater/internal/netx"
	"github.com/quaylabs/breakwater/internal/ratelimit"
	"github.com/quaylabs/breakwater/internal/router"
	"github.com/quaylabs/breakwater/internal/upstream"
)

const testSecret = "integration-secret"

type fixture struct {
	gw       *gateway.Gateway
	server   *httptest.Server
	authn    auth.Authenticator
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
}

func newFixture(t *testing.T, specs []router.Spec, tiers map[string]ratelimit.Tier, brCfg breaker.Config) *fixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.Port = 8080
	cfg.Server.Env = config.EnvDevelopment
	cfg.Auth.Secret = testSecret
	cfg.Store.Backend = "memory"
	cfg.RateLimit.Tiers = map[string]config.TierConfig{}
	for name, tr := range tiers {
		cfg.RateLimit.Tiers[name] = config.TierConfig{Requests: tr.Requests, WindowMs: tr.WindowMs}
	}

	log := slog.New(slog.NewJSONHandler(io.Discard, nil))

	store := ratelimit.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = store.Close() })
	limiter := ratelimit.NewLimiter(store, tiers, log)

	var routes []*router.Route
	for _, s := range specs {
		rt, err := router.Compile(s)
		if err != nil {
			t.Fatal(err)
		}
		routes = append(routes, rt)
		cfg.Routes = append(cfg.Routes, config.RouteConfig{
			Path: s.Pattern, Target: s.Target, Methods: s.Methods, RateLimitTier: "basic",
		})
	}
	table := router.NewTable(routes)

	if brCfg.FailureThreshold == 0 {
		brCfg = breaker.Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}
	}
	breakers := breaker.NewRegistry(brCfg)
	dispatcher := upstream.NewDispatcher(http.DefaultTransport, 10*time.Second, breakers, log)

	trusted, err := netx.ParseCIDRSet(nil)
	if err != nil {
		t.Fatal(err)
	}

	authn := auth.Authenticator{Secret: []byte(testSecret)}
	gw := gateway.New(gateway.Deps{
		Config:     cfg,
		Log:        log,
		Table:      table,
		Auth:       authn,
		Limiter:    limiter,
		Breakers:   breakers,
		Dispatcher: dispatcher,
		Metrics:    mw.NewMetrics(prometheus.NewRegistry()),
		Trusted:    trusted,
	})

	mux := http.NewServeMux()
	gw.RegisterHealth(mux)
	mux.Handle("/", gw.Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{gw: gw, server: srv, authn: authn, limiter: limiter, breakers: breakers}
}

func basicTier(requests int) map[string]ratelimit.Tier {
	return map[string]ratelimit.Tier{
		"basic": {Requests: requests, WindowMs: 60_000},
	}
}

type envelope struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
	RequestID string         `json:"requestId"`
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	return env
}

func get(t *testing.T, url string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPing(t *testing.T) {
	f := newFixture(t, []router.Spec{
		{Pattern: "/api/x", Target: "http://127.0.0.1:1", Methods: []string{"GET"}, TimeoutMs: 1000},
	}, basicTier(100), breaker.Config{})

	resp := get(t, f.server.URL+"/ping", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("ping must carry a request id")
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "pong" || body["requestId"] == "" {
		t.Fatalf("unexpected ping body: %#v", body)
	}
}

func TestUnknownRouteNotFound(t *testing.T) {
	f := newFixture(t, []router.Spec{
		{Pattern: "/api/x", Target: "http://127.0.0.1:1", Methods: []string{"GET"}, TimeoutMs: 1000},
	}, basicTier(100), breaker.Config{})

	resp := get(t, f.server.URL+"/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.Error != "ROUTE_NOT_FOUND" || env.RequestID == "" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
}

func TestAuthRequiredRoute(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-User", r.Header.Get("X-User-Id"))
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	f := newFixture(t, []router.Spec{
		{Pattern: "/api/secure", Target: up.URL, Methods: []string{"GET"}, TimeoutMs: 2000, AuthRequired: true, StripPath: true},
	}, basicTier(100), breaker.Config{})

	resp := get(t, f.server.URL+"/api/secure", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if env := decodeEnvelope(t, resp); env.Error != "MISSING_TOKEN" {
		t.Fatalf("expected MISSING_TOKEN, got %#v", env)
	}

	tok, err := f.authn.Mint(auth.MintOptions{Subject: "user_9", TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	resp = get(t, f.server.URL+"/api/secure", http.Header{"Authorization": {"Bearer " + tok}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Seen-User") != "user_9" {
		t.Fatal("upstream must receive the authenticated subject")
	}
}

func TestRoleEnforcement(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	f := newFixture(t, []router.Spec{
		{Pattern: "/api/admin", Target: up.URL, Methods: []string{"GET"}, TimeoutMs: 2000,
			AuthRequired: true, RequiredRoles: []string{"admin"}, StripPath: true},
	}, basicTier(100), breaker.Config{})

	tok, err := f.authn.Mint(auth.MintOptions{Subject: "u", Roles: []string{"viewer"}, TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	resp := get(t, f.server.URL+"/api/admin", http.Header{"Authorization": {"Bearer " + tok}})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if env := decodeEnvelope(t, resp); env.Error != "INSUFFICIENT_PERMISSIONS" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
}

func TestRateLimitExhaustion(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	f := newFixture(t, []router.Spec{
		{Pattern: "/api/x", Target: up.URL, Methods: []string{"GET"}, TimeoutMs: 2000, RateLimitTier: "basic", StripPath: true},
	}, basicTier(3), breaker.Config{})

	for i := 0; i < 3; i++ {
		resp := get(t, f.server.URL+"/api/x", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d should pass, got %d", i+1, resp.StatusCode)
		}
		if got := resp.Header.Get("X-RateLimit-Limit"); got != "3" {
			t.Fatalf("expected limit header 3, got %q", got)
		}
	}

	resp := get(t, f.server.URL+"/api/x", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected remaining 0, got %q", got)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("denied responses must carry Retry-After")
	}
	if env := decodeEnvelope(t, resp); env.Error != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := dead.URL
	dead.Close()

	f := newFixture(t, []router.Spec{
		{Pattern: "/api/x", Target: target, Methods: []string{"GET"}, TimeoutMs: 1000, StripPath: true},
	}, basicTier(100), breaker.Config{FailureThreshold: 2, RecoveryTimeout: 30 * time.Second})

	for i := 0; i < 2; i++ {
		resp := get(t, f.server.URL+"/api/x", nil)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("call %d: expected 503, got %d", i+1, resp.StatusCode)
		}
		if env := decodeEnvelope(t, resp); env.Error != "SERVICE_UNAVAILABLE" {
			t.Fatalf("call %d: unexpected envelope: %#v", i+1, env)
		}
	}

	resp := get(t, f.server.URL+"/api/x", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if env := decodeEnvelope(t, resp); env.Error != "CIRCUIT_BREAKER_OPEN" {
		t.Fatalf("expected open breaker rejection, got %#v", env)
	}
}

func TestStripPathRoundTrip(t *testing.T) {
	var gotPath string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte("ok"))
	}))
	defer up.Close()

	f := newFixture(t, []router.Spec{
		{Pattern: "/api/users", Target: up.URL, Methods: []string{"GET"}, TimeoutMs: 2000, StripPath: true},
	}, basicTier(100), breaker.Config{})

	resp := get(t, f.server.URL+"/api/users/42/posts", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotPath != "/42/posts" {
		t.Fatalf("upstream saw %q", gotPath)
	}
	if resp.Header.Get("X-Gateway-Service") == "" {
		t.Fatal("proxied responses must carry X-Gateway-Service")
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "ok" {
		t.Fatalf("body lost: %q", b)
	}
}

func TestTerminalUpstreamStatusForwarded(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"detail":"no such user"}`, http.StatusNotFound)
	}))
	defer up.Close()

	f := newFixture(t, []router.Spec{
		{Pattern: "/api/users", Target: up.URL, Methods: []string{"GET"}, TimeoutMs: 2000, Retries: 3, StripPath: true},
	}, basicTier(100), breaker.Config{})

	resp := get(t, f.server.URL+"/api/users/404", http.Header{"X-Request-ID": {"trace-abc"}})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected forwarded 404, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") != "trace-abc" {
		t.Fatal("inbound request id must survive to the response")
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "no such user") {
		t.Fatalf("upstream error body must be forwarded verbatim, got %q", b)
	}
}

func TestReadinessFlipsOnShutdown(t *testing.T) {
	f := newFixture(t, []router.Spec{
		{Pattern: "/api/x", Target: "http://127.0.0.1:1", Methods: []string{"GET"}, TimeoutMs: 1000},
	}, basicTier(100), breaker.Config{})

	resp := get(t, f.server.URL+"/health/ready", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}

	f.gw.SetReady(false)
	resp = get(t, f.server.URL+"/health/ready", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown begins, got %d", resp.StatusCode)
	}

	// liveness stays green through shutdown
	resp = get(t, f.server.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("liveness must not flip, got %d", resp.StatusCode)
	}
}
