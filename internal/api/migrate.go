package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/cargohold-io/cargohold/internal/api/middleware"
	"github.com/cargohold-io/cargohold/internal/staging"
)

type (
	// MigrationRequest is the POST /migrate body: free-form request
	// metadata plus a map of collection key to raw payload. Payloads are
	// staged exactly as submitted, including null and primitives.
	MigrationRequest struct {
		Metadata    json.RawMessage            `json:"metadata,omitempty"`
		Collections map[string]json.RawMessage `json:"collections"`
	}

	// CollectionResult reports the staging outcome for one collection.
	CollectionResult struct {
		Collection string `json:"collection"`
		Success    bool   `json:"success"`
		Message    string `json:"message"`
		Details    string `json:"details,omitempty"`
	}

	// MigrationResponse is the POST /migrate response. OK is true only
	// when every collection staged successfully; individual failures are
	// reported per collection without aborting the rest.
	MigrationResponse struct {
		OK            bool               `json:"ok"`
		Results       []CollectionResult `json:"results"`
		CorrelationID string             `json:"correlationId,omitempty"`
		Timestamp     string             `json:"timestamp"`
	}
)

// handleMigrate stages every submitted collection for later import.
// POST /migrate
//
// Request validation (4xx):
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Content Too Large: body exceeds MaxRequestSize
//   - 400 Bad Request: empty body, invalid JSON, or empty collections map
//
// 500 is returned when the destination store is not configured.
//
// Collections are processed sequentially in sorted key order; a failing
// collection is reported in its result and does not abort the others.
func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.store == nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Destination store is not configured"))

		return
	}

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	request, problem := s.parseMigrationRequest(w, r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	// Deterministic processing order for stable results and logs.
	keys := make([]string, 0, len(request.Collections))
	for key := range request.Collections {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	response := MigrationResponse{
		OK:            true,
		Results:       make([]CollectionResult, 0, len(keys)),
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	for _, key := range keys {
		result := s.stageCollection(r, key, request.Collections[key], request.Metadata)
		if !result.Success {
			response.OK = false
		}

		response.Results = append(response.Results, result)
	}

	s.writeMigrationResponse(w, r, response)

	s.logger.Info("migration request processed",
		slog.String("correlation_id", correlationID),
		slog.Int("collections", len(keys)),
		slog.Bool("ok", response.OK),
		slog.Duration("duration", time.Since(startTime)),
	)
}

// parseMigrationRequest reads and validates the request body. Returns a
// problem detail on any validation failure.
func (s *Server) parseMigrationRequest(w http.ResponseWriter, r *http.Request) (*MigrationRequest, *ProblemDetail) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, PayloadTooLarge(
				fmt.Sprintf("Request body exceeds %d bytes", s.config.MaxRequestSize),
			)
		}

		return nil, BadRequest("Failed to read request body")
	}

	if len(body) == 0 {
		return nil, BadRequest("Request body cannot be empty")
	}

	var request MigrationRequest
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, BadRequest("Request body is not valid JSON")
	}

	if len(request.Collections) == 0 {
		return nil, BadRequest("Request must include at least one collection")
	}

	return &request, nil
}

// stageCollection stages one collection and reports the outcome. The
// payload's classification is included in the details so operators can spot
// surprising shapes before running the import.
func (s *Server) stageCollection(
	r *http.Request,
	key string,
	data, metadata json.RawMessage,
) CollectionResult {
	correlationID := middleware.GetCorrelationID(r.Context())

	staged, err := s.store.Stage(r.Context(), key, key, data, metadata)
	if err != nil {
		s.logger.Error("failed to stage collection",
			slog.String("correlation_id", correlationID),
			slog.String("collection_key", key),
			slog.String("error", err.Error()),
		)

		message := "staging failed"
		if errors.Is(err, staging.ErrEmptyCollectionKey) {
			message = "collection key cannot be empty"
		}

		return CollectionResult{
			Collection: key,
			Success:    false,
			Message:    message,
			Details:    err.Error(),
		}
	}

	s.publisher.CollectionStaged(r.Context(), staged.ID, staged.CollectionKey)

	payload := staging.Classify(data)

	s.logger.Info("collection staged",
		slog.String("correlation_id", correlationID),
		slog.String("collection_id", staged.ID),
		slog.String("collection_key", key),
		slog.String("payload_kind", payload.Kind.String()),
	)

	return CollectionResult{
		Collection: key,
		Success:    true,
		Message:    "staged",
		Details:    fmt.Sprintf("id=%s kind=%s", staged.ID, payload.Kind),
	}
}

func (s *Server) writeMigrationResponse(w http.ResponseWriter, r *http.Request, response MigrationResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode migration response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("failed to write migration response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}
