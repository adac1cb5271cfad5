package gateway

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/quaylabs/breakwater/internal/config"
)

// RegisterHealth mounts the probe endpoints. These bypass the proxy pipeline
// entirely; only readiness consults shared state.
func (g *Gateway) RegisterHealth(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", g.healthLive)
	mux.HandleFunc("/health/live", g.healthLive)
	mux.HandleFunc("/health/ready", g.healthReady)
	mux.HandleFunc("/health/deep", g.healthDeep)
}

func (g *Gateway) healthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// healthReady fails once shutdown has begun or the counter store is
// unreachable, pulling the instance out of rotation.
func (g *Gateway) healthReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "shutting_down",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.limiter.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "store_unreachable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// healthDeep adds a filesystem write probe, a scheduler-lag probe and a
// config validity check on top of readiness.
func (g *Gateway) healthDeep(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{}
	healthy := g.ready.Load()
	if !healthy {
		checks["lifecycle"] = "shutting_down"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.limiter.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		healthy = false
	} else {
		checks["store"] = "ok"
	}

	if err := fsProbe(); err != nil {
		checks["filesystem"] = err.Error()
		healthy = false
	} else {
		checks["filesystem"] = "ok"
	}

	lag := schedulerLag()
	checks["scheduler_lag_ms"] = lag.Milliseconds()
	if lag > 500*time.Millisecond {
		healthy = false
	}

	if err := config.Validate(g.cfg); err != nil {
		checks["config"] = err.Error()
		healthy = false
	} else {
		checks["config"] = "ok"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func fsProbe() error {
	f, err := os.CreateTemp("", "gateway-health-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_, werr := f.Write([]byte("ok"))
	cerr := f.Close()
	_ = os.Remove(name)
	if werr != nil {
		return werr
	}
	return cerr
}

// schedulerLag measures how long a ready goroutine waits to run; a heavily
// overloaded process shows up here before it stops answering entirely.
func schedulerLag() time.Duration {
	start := time.Now()
	done := make(chan time.Time, 1)
	go func() { done <- time.Now() }()
	return (<-done).Sub(start)
}
