package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/observability"
)

// Recover turns a handler panic into a 500 response. The panic is logged with
// the request-scoped logger and counted as a request error.
func Recover(logger *zap.Logger, metrics observability.MetricsRegistry) func(http.Handler) http.Handler {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					LoggerFromRequest(r, logger).Error("handler panic",
						zap.Any("panic", v),
						zap.String("path", r.URL.Path),
						zap.String("method", r.Method))
					metrics.IncrementRequests("panic", r.Method, "500")
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
