package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cargohold-io/cargohold/internal/api/middleware"
)

const (
	healthCheckTimeout     = 2 * time.Second
	expectedURLParts       = 2
	serviceVersion         = "v1.0.0"
	contentTypeProblemJSON = "application/problem+json"
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route represents an HTTP route with a path pattern and handler.
	Route struct {
		Path    string
		Handler http.HandlerFunc
	}
)

// setupRoutes registers all HTTP routes for the ingress.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public health endpoints bypass auth and rate limiting.
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},
		Route{"GET /ready", s.handleReady},
		Route{"GET /health", s.handleHealth},
		Route{"/", s.handleNotFound},
	)

	// Staging ingress, admin token required.
	mux.HandleFunc("POST /migrate", s.handleMigrate)
}

// registerPublicRoutes registers routes and marks their paths as public so
// the auth and rate limit middleware skip them. Only health probes belong
// here.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Go 1.22 route patterns carry a method prefix ("GET /ping") but
		// r.URL.Path at request time is just "/ping".
		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("malformed route path, ignoring route", slog.String("path", route.Path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to liveness probes.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("failed to write ping response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to readiness probes by verifying the destination
// store is reachable. Returns 503 when the store is down so traffic is
// routed away until it recovers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.store == nil {
		s.logger.Warn("readiness check with no destination store configured",
			slog.String("correlation_id", correlationID),
		)

		s.writePlain(w, correlationID, http.StatusServiceUnavailable, "store not configured")

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Error("destination store health check failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		s.writePlain(w, correlationID, http.StatusServiceUnavailable, "store unavailable")

		return
	}

	s.writePlain(w, correlationID, http.StatusOK, "ready")
}

// handleHealth returns service status and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	health := HealthStatus{
		Status:      "healthy",
		ServiceName: "cargohold",
		Version:     serviceVersion,
		Uptime:      uptime,
	}

	data, err := json.Marshal(health)
	if err != nil {
		s.logger.Error("failed to encode health response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode health response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("failed to write health response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown
// endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

func (s *Server) writePlain(w http.ResponseWriter, correlationID string, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)

	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Error("failed to write response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// hasJSONContentType checks if Content-Type starts with "application/json",
// allowing charset parameters.
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}
