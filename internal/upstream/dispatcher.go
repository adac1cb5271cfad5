// Package upstream builds and sends proxied requests. Each dispatch runs
// through the upstream's circuit breaker and a bounded retry loop with
// exponential backoff; final failures map onto the gateway error taxonomy.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/quaylabs/breakwater/internal/apierror"
	"github.com/quaylabs/breakwater/internal/auth"
	"github.com/quaylabs/breakwater/internal/breaker"
	"github.com/quaylabs/breakwater/internal/router"
)

// GatewayService is the identifier stamped on every proxied response.
const GatewayService = "breakwater"

const (
	baseDelayMs    = 1000
	maxDelayMs     = 10_000
	jitterFraction = 0.1
)

// hop-by-hop headers are scoped to one transport hop and never forwarded.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// terminalStatuses are upstream statuses that must not be retried; the
// response is forwarded to the client as-is.
var terminalStatuses = map[int]struct{}{
	http.StatusBadRequest:          {},
	http.StatusUnauthorized:        {},
	http.StatusForbidden:           {},
	http.StatusNotFound:            {},
	http.StatusUnprocessableEntity: {},
}

// FailureKind classifies where an upstream call went wrong.
type FailureKind int

const (
	KindConnRefused FailureKind = iota
	KindTimeout
	KindHTTPStatus
	KindOther
)

// Failure is a single failed upstream attempt. It is consumed by the error
// mapper once the retry budget is spent.
type Failure struct {
	Kind    FailureKind
	Service string
	Status  int
	Msg     string
	Err     error
}

func (f *Failure) Error() string {
	if f.Status != 0 {
		return fmt.Sprintf("upstream %s returned %d", f.Service, f.Status)
	}
	return fmt.Sprintf("upstream %s: %s", f.Service, f.Msg)
}

func (f *Failure) Unwrap() error { return f.Err }

// ClientInfo carries the per-request identity the dispatcher injects into
// forwarded headers.
type ClientInfo struct {
	RequestID string
	ClientIP  string
	Scheme    string
	Host      string
	User      *auth.UserContext
}

// TransportConfig tunes the shared upstream transport.
type TransportConfig struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Dispatcher proxies requests to upstreams with breaker protection and
// retry/backoff. Safe for concurrent use.
type Dispatcher struct {
	client   *http.Client
	breakers *breaker.Registry
	log      *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error // test hook
}

func NewDispatcher(transport http.RoundTripper, socketTimeout time.Duration, breakers *breaker.Registry, log *slog.Logger) *Dispatcher {
	if socketTimeout <= 0 {
		socketTimeout = 30 * time.Second
	}
	return &Dispatcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   socketTimeout,
			// Redirects are the upstream's business; forward them verbatim.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		breakers: breakers,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepCtx,
	}
}

// Forward proxies the inbound request along the matched route and writes the
// upstream response (or returns a mapped error for the caller to emit).
func (d *Dispatcher) Forward(w http.ResponseWriter, r *http.Request, m *router.Match, info ClientInfo) error {
	ctx := r.Context()

	var body []byte
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return apierror.Wrap(apierror.ValidationError, "failed to read request body", err)
		}
		body = b
	}

	target := m.TargetURL(r.URL.Path, r.URL.RawQuery)
	serviceKey := m.Route.ServiceKey()
	br := d.breakers.Get(serviceKey)
	timeout := time.Duration(m.Route.TimeoutMs) * time.Millisecond
	maxAttempts := m.Route.Retries + 1

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, d.delay(attempt)); err != nil {
				// client went away mid-backoff
				return apierror.Wrap(apierror.GatewayTimeout, "request canceled", err)
			}
		}

		var resp *http.Response
		err := br.Do(func() error {
			var attemptErr error
			resp, attemptErr = d.attempt(ctx, r, m, info, target, timeout, serviceKey, body)
			return attemptErr
		})
		if err == nil {
			return d.writeResponse(w, resp, info.RequestID)
		}

		var ge *apierror.Error
		if errors.As(err, &ge) && ge.Code == apierror.CircuitOpen {
			return err
		}

		lastErr = err
		d.log.Warn("upstream attempt failed",
			slog.String("rid", info.RequestID),
			slog.String("service", serviceKey),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)

		if ctx.Err() != nil {
			break
		}
	}
	return mapFailure(lastErr)
}

// attempt performs one upstream call. Responses with retryable statuses come
// back as *Failure errors so the breaker counts them; terminal statuses and
// successes return the response for forwarding.
func (d *Dispatcher) attempt(ctx context.Context, r *http.Request, m *router.Match, info ClientInfo, target string, timeout time.Duration, serviceKey string, body []byte) (*http.Response, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(actx, r.Method, target, rd)
	if err != nil {
		cancel()
		return nil, &Failure{Kind: KindOther, Service: serviceKey, Msg: err.Error(), Err: err}
	}

	copyHeaders(req.Header, r.Header)
	d.injectForwarded(req, r, info)

	if m.Route.PreserveHost {
		req.Host = r.Host
	} else {
		req.Host = m.Route.Upstream.Host
	}

	resp, err := d.client.Do(req)
	if err != nil {
		cancel()
		return nil, classify(err, serviceKey)
	}

	if _, terminal := terminalStatuses[resp.StatusCode]; resp.StatusCode >= 400 && !terminal {
		resp.Body.Close()
		cancel()
		return nil, &Failure{
			Kind:    KindHTTPStatus,
			Service: serviceKey,
			Status:  resp.StatusCode,
			Msg:     fmt.Sprintf("upstream returned %d", resp.StatusCode),
		}
	}

	// Tie the timeout cancel to body close so streaming the response out
	// does not race the deadline cleanup.
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func copyHeaders(dst, src http.Header) {
	skip := map[string]struct{}{}
	for _, h := range hopByHop {
		skip[h] = struct{}{}
	}
	// Connection-named headers are hop-by-hop too.
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			skip[http.CanonicalHeaderKey(strings.TrimSpace(name))] = struct{}{}
		}
	}
	for k, vv := range src {
		if _, drop := skip[http.CanonicalHeaderKey(k)]; drop {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func (d *Dispatcher) injectForwarded(req *http.Request, r *http.Request, info ClientInfo) {
	xff := info.ClientIP
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		xff = prior + ", " + info.ClientIP
	}
	req.Header.Set("X-Forwarded-For", xff)
	req.Header.Set("X-Forwarded-Proto", info.Scheme)
	req.Header.Set("X-Forwarded-Host", info.Host)
	req.Header.Set("X-Request-ID", info.RequestID)

	if u := info.User; u != nil {
		req.Header.Set("X-User-Id", u.Subject)
		if len(u.Roles) > 0 {
			req.Header.Set("X-User-Roles", strings.Join(u.Roles, ","))
		}
		if u.Tier != "" {
			req.Header.Set("X-User-Tier", u.Tier)
		}
	}
}

// writeResponse shapes the upstream response: status, headers minus
// hop-by-hop, gateway identifiers, then the body.
func (d *Dispatcher) writeResponse(w http.ResponseWriter, resp *http.Response, requestID string) error {
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("X-Gateway-Service", GatewayService)
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// headers are already out; nothing useful left to send
		d.log.Warn("response copy interrupted", slog.String("rid", requestID), slog.String("error", err.Error()))
	}
	return nil
}

// delay computes the backoff before zero-based attempt i:
// min(1000 * 2^(i-1), 10000) ms plus uniform jitter in [0, 10%).
func (d *Dispatcher) delay(attempt int) time.Duration {
	ms := baseDelayMs << (attempt - 1)
	if ms > maxDelayMs || ms <= 0 {
		ms = maxDelayMs
	}
	d.mu.Lock()
	jitter := d.rng.Float64() * jitterFraction * float64(ms)
	d.mu.Unlock()
	return time.Duration(float64(ms)+jitter) * time.Millisecond
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classify(err error, serviceKey string) *Failure {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return &Failure{Kind: KindConnRefused, Service: serviceKey, Msg: "connection refused", Err: err}
	case isTimeout(err):
		return &Failure{Kind: KindTimeout, Service: serviceKey, Msg: "upstream timeout", Err: err}
	default:
		return &Failure{Kind: KindOther, Service: serviceKey, Msg: err.Error(), Err: err}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// mapFailure converts the final retry failure into the client-facing error.
func mapFailure(err error) error {
	var f *Failure
	if !errors.As(err, &f) {
		return apierror.From(err)
	}
	switch f.Kind {
	case KindConnRefused:
		return apierror.Wrap(apierror.ServiceUnavailable, "upstream unavailable", f).
			WithDetail("service", f.Service)
	case KindTimeout:
		return apierror.Wrap(apierror.GatewayTimeout, "upstream timed out", f).
			WithDetail("service", f.Service)
	case KindHTTPStatus:
		ge := apierror.Wrap(apierror.UpstreamError, fmt.Sprintf("upstream returned %d", f.Status), f).
			WithDetail("service", f.Service).
			WithDetail("upstream_status", f.Status)
		if f.Status >= 400 && f.Status < 500 {
			return ge.WithStatus(f.Status)
		}
		return ge
	default:
		return apierror.Wrap(apierror.BadGateway, "upstream request failed", f).
			WithDetail("service", f.Service)
	}
}
