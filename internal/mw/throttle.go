package mw

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/quaylabs/breakwater/internal/apierror"
)

// Throttle is a server-wide token bucket in front of the pipeline. It guards
// the process as a whole; per-identity quotas are the limiter's job.
func Throttle(rps float64, burst int, production bool, next http.Handler) http.Handler {
	if rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = int(rps)
	}
	lim := rate.NewLimiter(rate.Limit(rps), burst)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !lim.Allow() {
			apierror.Write(w,
				apierror.New(apierror.TooManyInFlight, "server is over capacity"),
				RID(r.Context()), production)
			return
		}
		next.ServeHTTP(w, r)
	})
}
