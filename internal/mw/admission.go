package mw

import (
	"net/http"

	"github.com/quaylabs/breakwater/internal/apierror"
)

// Global admission limits. These apply before routing; anything past them is
// the route's business.
const (
	MaxURLLength      = 2048
	MaxHeaderCount    = 100
	MaxHeaderNameLen  = 256
	MaxHeaderValueLen = 4096
	MaxBodyBytes      = 10 << 20 // 10 MiB
)

var allowedMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodPatch:   {},
	http.MethodOptions: {},
	http.MethodHead:    {},
}

// Admission enforces the global request-shape limits: URL length, header
// count and sizes, body size, and the HTTP verb allow-list.
func Admission(production bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := RID(r.Context())

		if _, ok := allowedMethods[r.Method]; !ok {
			apierror.Write(w, apierror.New(apierror.MethodNotAllowed, "method not allowed").
				WithDetail("method", r.Method), rid, production)
			return
		}

		if len(r.URL.RequestURI()) > MaxURLLength {
			apierror.Write(w, apierror.New(apierror.URITooLong, "request URI too long").
				WithDetail("max_length", MaxURLLength), rid, production)
			return
		}

		count := 0
		for name, vals := range r.Header {
			if len(name) > MaxHeaderNameLen {
				apierror.Write(w, apierror.New(apierror.ValidationError, "header name too long"), rid, production)
				return
			}
			for _, v := range vals {
				count++
				if len(v) > MaxHeaderValueLen {
					apierror.Write(w, apierror.New(apierror.ValidationError, "header value too long").
						WithDetail("header", name), rid, production)
					return
				}
			}
		}
		if count > MaxHeaderCount {
			apierror.Write(w, apierror.New(apierror.ValidationError, "too many headers").
				WithDetail("max_headers", MaxHeaderCount), rid, production)
			return
		}

		if r.ContentLength > MaxBodyBytes {
			apierror.Write(w, apierror.New(apierror.PayloadTooLarge, "request body too large").
				WithDetail("max_bytes", MaxBodyBytes), rid, production)
			return
		}
		// Safety net for chunked bodies with no declared length.
		r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)

		next.ServeHTTP(w, r)
	})
}
