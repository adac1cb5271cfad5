package mw

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/quaylabs/breakwater/internal/apierror"
)

// Recover converts handler panics into the standard 500 envelope and logs
// the stack.
func Recover(log *slog.Logger, production bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic recovered",
					slog.String("rid", RID(r.Context())),
					slog.String("panic", fmt.Sprint(rec)),
					slog.String("stack", string(debug.Stack())),
				)
				apierror.Write(w,
					apierror.New(apierror.InternalServerError, "internal server error"),
					RID(r.Context()), production)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
