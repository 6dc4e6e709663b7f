package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/sitegen/internal/log"
	"github.com/keithlinneman/sitegen/internal/xerrors"
)

// Recover converts handler panics into a 500 response instead of tearing
// down the connection. The panic value and stack are logged; onPanic, when
// non-nil, is called afterwards (metrics hook).
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					// The server uses this sentinel internally; let it through.
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = xerrors.Newf("panic: %v", rec)
				} else {
					err = xerrors.Wrap(err, "panic")
				}

				logger.With(
					"method", r.Method,
					"path", r.URL.Path,
				).Error(r.Context(), err, "httpserver panic recovered",
					"stack", string(debug.Stack()),
				)

				if onPanic != nil {
					onPanic()
				}

				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
