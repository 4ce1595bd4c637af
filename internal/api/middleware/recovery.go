package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery creates a middleware that converts panics in downstream handlers
// into 500 problem+json responses instead of dropped connections.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if recovered := recover(); recovered != nil {
					correlationID := GetCorrelationID(r.Context())

					logger.Error("request panic recovered",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("correlation_id", correlationID),
						slog.Any("panic", recovered),
						slog.String("stack_trace", string(debug.Stack())),
					)

					detail := "An unexpected error occurred while processing the request"
					if err := writeProblem(w, r, http.StatusInternalServerError, detail, correlationID); err != nil {
						logger.Error("failed to write panic error response",
							slog.String("correlation_id", correlationID),
							slog.String("error", err.Error()),
						)
					}
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
