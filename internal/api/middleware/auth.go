// Package middleware provides HTTP middleware components for the Cargohold API.
package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// publicEndpoints lists paths that bypass authentication and rate limiting.
// Only health probes belong here; business endpoints must never be added.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint registers an endpoint that bypasses authentication.
// Called during route setup only.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

// IsPublicEndpoint reports whether a path bypasses authentication.
func IsPublicEndpoint(path string) bool {
	return publicEndpoints[path]
}

// Authentication error types.
var (
	// ErrMissingToken is returned when no bearer token is provided.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned for a token that does not match the
	// configured admin token. Generic so callers cannot probe for partial
	// matches.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// adminContextKey is the context key marking an authenticated admin request.
type adminContextKey struct{}

// IsAdminRequest reports whether the request context passed admin
// authentication.
func IsAdminRequest(ctx context.Context) bool {
	authed, ok := ctx.Value(adminContextKey{}).(bool)

	return ok && authed
}

// extractBearerToken pulls the token from an Authorization: Bearer header.
//
// Tokens containing CR or LF are rejected outright to block header
// injection; surrounding whitespace is trimmed.
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	if strings.ContainsAny(token, "\r\n") {
		return "", false
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}

	return token, true
}

// tokenMatches compares a presented token against the configured admin
// credential.
//
// A configured value with bcrypt's "$2" prefix is treated as a hash so the
// plaintext token never has to live in the environment. Plain configured
// values use a constant-time comparison.
func tokenMatches(configured, presented string) bool {
	if strings.HasPrefix(configured, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}

	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// AdminAuth creates a middleware that authenticates requests against the
// configured admin token. Public endpoints bypass the check entirely.
func AdminAuth(adminToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			correlationID := GetCorrelationID(r.Context())

			token, ok := extractBearerToken(r)
			if !ok {
				logger.Warn("request rejected, no bearer token",
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
				)

				writeAuthFailure(w, r, logger, ErrMissingToken.Error())

				return
			}

			if !tokenMatches(adminToken, token) {
				logger.Warn("request rejected, bearer token mismatch",
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
				)

				writeAuthFailure(w, r, logger, ErrInvalidToken.Error())

				return
			}

			ctx := context.WithValue(r.Context(), adminContextKey{}, true)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthFailure(w http.ResponseWriter, r *http.Request, logger *slog.Logger, detail string) {
	correlationID := GetCorrelationID(r.Context())

	if err := writeProblem(w, r, http.StatusUnauthorized, detail, correlationID); err != nil {
		logger.Error("failed to write authentication error response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		http.Error(w, detail, http.StatusUnauthorized)
	}
}
