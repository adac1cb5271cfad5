package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quaylabs/breakwater/internal/breaker"
	"github.com/quaylabs/breakwater/internal/ratelimit"
	"github.com/quaylabs/breakwater/internal/router"
)

const adminKey = "test-admin-key"

func newAdminFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, []router.Spec{
		{Pattern: "/api/x", Target: "http://127.0.0.1:1", Methods: []string{"GET"}, TimeoutMs: 1000},
	}, basicTier(100), breaker.Config{})

	mux := http.NewServeMux()
	f.gw.RegisterAdmin(mux, adminKey)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	f.server = srv
	return f
}

func adminDo(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Admin-Key", adminKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAdminRequiresKey(t *testing.T) {
	f := newAdminFixture(t)

	req, _ := http.NewRequest("GET", f.server.URL+"/-/status", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}

	req.Header.Set("X-Admin-Key", "wrong")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", resp2.StatusCode)
	}

	if resp := adminDo(t, "GET", f.server.URL+"/-/status", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", resp.StatusCode)
	}
}

func TestAdminSurfaceHiddenWithoutConfiguredKey(t *testing.T) {
	f := newFixture(t, []router.Spec{
		{Pattern: "/api/x", Target: "http://127.0.0.1:1", Methods: []string{"GET"}, TimeoutMs: 1000},
	}, basicTier(100), breaker.Config{})

	mux := http.NewServeMux()
	f.gw.RegisterAdmin(mux, "")
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	req, _ := http.NewRequest("GET", srv.URL+"/-/status", nil)
	req.Header.Set("X-Admin-Key", "anything")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unconfigured admin surface must 404, got %d", resp.StatusCode)
	}
}

func TestAdminRouteLifecycle(t *testing.T) {
	f := newAdminFixture(t)

	resp := adminDo(t, "POST", f.server.URL+"/-/routes",
		`{"path":"/api/orders","target":"http://orders:9001","methods":["GET","POST"],"timeout_ms":3000,"strip_path":true}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	resp = adminDo(t, "GET", f.server.URL+"/-/routes", "")
	var routes []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&routes); err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes after add, got %d", len(routes))
	}

	resp = adminDo(t, "DELETE", f.server.URL+"/-/routes?path=/api/orders", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", resp.StatusCode)
	}

	resp = adminDo(t, "DELETE", f.server.URL+"/-/routes?path=/api/orders", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete must 404, got %d", resp.StatusCode)
	}

	// bad pattern is rejected at compile time
	resp = adminDo(t, "POST", f.server.URL+"/-/routes",
		`{"path":"no-slash","target":"http://x:1","methods":["GET"]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad route, got %d", resp.StatusCode)
	}
}

func TestAdminBreakerReset(t *testing.T) {
	f := newAdminFixture(t)

	resp := adminDo(t, "POST", f.server.URL+"/-/breakers/reset?service=unknown:80", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown service must 404, got %d", resp.StatusCode)
	}

	errUp := errors.New("upstream down")
	b := f.breakers.Get("users:9001")
	for i := 0; i < 5; i++ {
		_ = b.Do(func() error { return errUp })
	}
	if b.Stats().State != breaker.Open {
		t.Fatal("breaker should be open")
	}

	resp = adminDo(t, "POST", f.server.URL+"/-/breakers/reset?service=users:9001", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if b.Stats().State != breaker.Closed {
		t.Fatal("reset must force the breaker closed")
	}
}

func TestAdminLimitsAndStats(t *testing.T) {
	f := newAdminFixture(t)

	for i := 0; i < 4; i++ {
		f.limiter.Allow(context.Background(), "user:u1", "basic")
	}

	resp := adminDo(t, "GET", f.server.URL+"/-/limits?identity=user:u1&tier=basic", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var st ratelimit.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Used != 4 {
		t.Fatalf("expected 4 used, got %#v", st)
	}

	resp = adminDo(t, "POST", f.server.URL+"/-/limits/reset?identity=user:u1&tier=basic", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on reset, got %d", resp.StatusCode)
	}
	resp = adminDo(t, "GET", f.server.URL+"/-/limits", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing identity must 400, got %d", resp.StatusCode)
	}

	resp = adminDo(t, "GET", f.server.URL+"/-/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats must be readable, got %d", resp.StatusCode)
	}
	resp = adminDo(t, "POST", f.server.URL+"/-/stats/reset", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats reset failed, got %d", resp.StatusCode)
	}
}

func TestAdminTokenMint(t *testing.T) {
	f := newAdminFixture(t)

	resp := adminDo(t, "POST", f.server.URL+"/-/token",
		`{"subject":"user_7","roles":["admin"],"tier":"premium","ttl_seconds":600}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.ExpiresIn != 600 {
		t.Fatalf("expected ttl 600, got %d", body.ExpiresIn)
	}

	u, err := f.authn.Verify(body.Token)
	if err != nil {
		t.Fatal(err)
	}
	if u.Subject != "user_7" || u.Tier != "premium" || len(u.Roles) != 1 {
		t.Fatalf("minted claims lost: %#v", u)
	}
}
