package mw

import (
	"crypto/subtle"
	"net/http"

	"github.com/quaylabs/breakwater/internal/apierror"
)

const AdminKeyHeader = "X-Admin-Key"

// RequireAdminKey guards the admin surface. With no key configured the
// endpoints do not exist at all.
func RequireAdminKey(adminKey string, production bool, next http.Handler) http.Handler {
	if adminKey == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apierror.Write(w,
				apierror.New(apierror.RouteNotFound, "not found"),
				RID(r.Context()), production)
		})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(AdminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(adminKey)) != 1 {
			apierror.Write(w,
				apierror.New(apierror.AuthFailed, "admin key required"),
				RID(r.Context()), production)
			return
		}
		next.ServeHTTP(w, r)
	})
}
