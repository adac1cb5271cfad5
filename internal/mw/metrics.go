package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quaylabs/breakwater/internal/breaker"
	"github.com/quaylabs/breakwater/internal/httpx"
)

type Metrics struct {
	Requests     *prometheus.CounterVec
	Latency      *prometheus.HistogramVec
	RateLimit    *prometheus.CounterVec
	Retries      *prometheus.CounterVec
	BreakerState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total HTTP requests processed by the gateway",
		}, []string{"route", "method", "code"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		RateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_decisions_total",
			Help: "Rate limiter decisions by tier and outcome",
		}, []string{"tier", "outcome"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_retries_total",
			Help: "Upstream retry attempts by service",
		}, []string{"service"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Breaker state per upstream (0 closed, 1 half-open, 2 open)",
		}, []string{"service"}),
	}
	reg.MustRegister(m.Requests, m.Latency, m.RateLimit, m.Retries, m.BreakerState)
	return m
}

// ObserveBreaker mirrors a breaker snapshot into the state gauge.
func (m *Metrics) ObserveBreaker(s breaker.Stats) {
	var v float64
	switch s.State {
	case breaker.HalfOpen:
		v = 1
	case breaker.Open:
		v = 2
	}
	m.BreakerState.WithLabelValues(s.Service).Set(v)
}

// Instrument records request count and latency, labelled with the matched
// route pattern once the resolver has run.
func Instrument(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &httpx.StatusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := FromContext(r.Context()); rc != nil && rc.Route != nil {
			route = rc.Route.Pattern
		}
		code := sw.Status
		if code == 0 {
			code = http.StatusOK
		}
		m.Requests.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		m.Latency.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
