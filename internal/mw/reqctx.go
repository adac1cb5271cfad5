package mw

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quaylabs/breakwater/internal/auth"
	"github.com/quaylabs/breakwater/internal/netx"
	"github.com/quaylabs/breakwater/internal/router"
)

// RequestContext is the per-request state threaded through the pipeline.
// Created at ingress, mutated by each stage, discarded with the response.
type RequestContext struct {
	ID       string
	Start    time.Time
	ClientIP string
	User     *auth.UserContext
	Route    *router.Route
	Tags     map[string]string
}

func (rc *RequestContext) SetTag(k, v string) {
	if rc.Tags == nil {
		rc.Tags = map[string]string{}
	}
	rc.Tags[k] = v
}

type ctxKey int

const reqCtxKey ctxKey = 0

// FromContext returns the request context, or nil outside the pipeline.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(reqCtxKey).(*RequestContext)
	return rc
}

// RID is a convenience accessor for log call sites.
func RID(ctx context.Context) string {
	if rc := FromContext(ctx); rc != nil {
		return rc.ID
	}
	return ""
}

// Ingress creates the RequestContext, assigns the request id (echoing a
// well-formed inbound X-Request-ID, generating otherwise), resolves the
// client IP against the trusted proxy set, and stamps the response header.
func Ingress(trusted *netx.CIDRSet, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if !wellFormedID(rid) {
			rid = uuid.NewString()
		}

		rc := &RequestContext{
			ID:    rid,
			Start: time.Now(),
			ClientIP: trusted.ClientIP(
				r.RemoteAddr,
				r.Header.Get("X-Forwarded-For"),
				r.Header.Get("X-Real-Ip"),
			),
		}

		w.Header().Set("X-Request-ID", rid)
		ctx := context.WithValue(r.Context(), reqCtxKey, rc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// wellFormedID accepts 1-128 bytes of [A-Za-z0-9._-]; anything else gets a
// fresh id so upstream log joins stay clean.
func wellFormedID(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}
