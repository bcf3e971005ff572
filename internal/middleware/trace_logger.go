package middleware

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// loggerKey is the context key for the logger
type loggerKey struct{}

// WithTraceLogger returns middleware that stores a request-scoped logger in
// the context. The logger carries the trace and span IDs when a span is
// active and the exchange name for exchange routes.
func WithTraceLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fields := traceFields(r.Context())
			if name, ok := mux.Vars(r)["exchange"]; ok {
				fields = append(fields, zap.String("exchange", name))
			}
			if len(fields) > 0 {
				ctx := context.WithValue(r.Context(), loggerKey{}, logger.With(fields...))
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// LoggerFromContext retrieves the logger from context
// If no logger is found, returns the provided fallback logger
func LoggerFromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return logger
	}
	if fields := traceFields(ctx); fields != nil {
		return fallback.With(fields...)
	}
	return fallback
}

// LoggerFromRequest is a convenience function to get logger from HTTP request
func LoggerFromRequest(r *http.Request, fallback *zap.Logger) *zap.Logger {
	return LoggerFromContext(r.Context(), fallback)
}
