package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargohold-io/cargohold/internal/staging"
)

const testAdminToken = "haul-master-key"

type fakeStagingWriter struct {
	staged    []stagedCall
	failKeys  map[string]error
	healthErr error
	nextID    int
}

type stagedCall struct {
	collectionKey  string
	collectionName string
	data           json.RawMessage
	metadata       json.RawMessage
}

func (f *fakeStagingWriter) Stage(
	_ context.Context,
	collectionKey, collectionName string,
	data, metadata json.RawMessage,
) (*staging.StagedCollection, error) {
	if collectionKey == "" {
		return nil, staging.ErrEmptyCollectionKey
	}

	if err := f.failKeys[collectionKey]; err != nil {
		return nil, err
	}

	f.nextID++
	f.staged = append(f.staged, stagedCall{
		collectionKey:  collectionKey,
		collectionName: collectionName,
		data:           data,
		metadata:       metadata,
	})

	return &staging.StagedCollection{
		ID:             fmt.Sprintf("col-%d", f.nextID),
		CollectionKey:  collectionKey,
		CollectionName: collectionName,
		Data:           data,
		Metadata:       metadata,
		Status:         staging.StatusStaged,
		MigratedAt:     time.Now(),
	}, nil
}

func (f *fakeStagingWriter) HealthCheck(context.Context) error {
	return f.healthErr
}

func newTestServer(t *testing.T, store StagingWriter) *Server {
	t.Helper()

	cfg := &ServerConfig{
		Port:               8080,
		Host:               "127.0.0.1",
		ReadTimeout:        time.Second,
		WriteTimeout:       time.Second,
		ShutdownTimeout:    time.Second,
		LogLevel:           slog.LevelError,
		MaxRequestSize:     1 << 20,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization"},
		CORSMaxAge:         3600,
		adminToken:         testAdminToken,
	}

	return NewServer(cfg, store, nil, nil)
}

func doRequest(server *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}

	if authed {
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
	}

	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)

	return rec
}

func TestHandleMigrate_StagesAllCollections(t *testing.T) {
	store := &fakeStagingWriter{}
	server := newTestServer(t, store)

	body := `{
		"metadata": {"requested_by": "dispatch@haulsim.test"},
		"collections": {
			"users": [{"email":"a@x.com"}],
			"companies": {"name": "Haul-It"},
			"active": true
		}
	}`

	rec := doRequest(server, http.MethodPost, "/migrate", body, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var response MigrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	assert.True(t, response.OK)
	require.Len(t, response.Results, 3)

	// Deterministic sorted-key order.
	assert.Equal(t, "active", response.Results[0].Collection)
	assert.Equal(t, "companies", response.Results[1].Collection)
	assert.Equal(t, "users", response.Results[2].Collection)

	for _, result := range response.Results {
		assert.True(t, result.Success)
		assert.Equal(t, "staged", result.Message)
	}

	require.Len(t, store.staged, 3)
	assert.JSONEq(t, `{"requested_by": "dispatch@haulsim.test"}`, string(store.staged[0].metadata))
}

func TestHandleMigrate_PartialFailure(t *testing.T) {
	store := &fakeStagingWriter{
		failKeys: map[string]error{"companies": errors.New("insert failed")},
	}
	server := newTestServer(t, store)

	body := `{"collections": {"users": [], "companies": []}}`

	rec := doRequest(server, http.MethodPost, "/migrate", body, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var response MigrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	assert.False(t, response.OK)
	require.Len(t, response.Results, 2)
	assert.False(t, response.Results[0].Success) // companies
	assert.True(t, response.Results[1].Success)  // users
}

func TestHandleMigrate_Validation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "empty body", body: "", wantStatus: http.StatusBadRequest},
		{name: "invalid json", body: `{broken`, wantStatus: http.StatusBadRequest},
		{name: "no collections", body: `{"metadata": {}}`, wantStatus: http.StatusBadRequest},
		{name: "empty collections", body: `{"collections": {}}`, wantStatus: http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestServer(t, &fakeStagingWriter{})

			req := httptest.NewRequest(http.MethodPost, "/migrate", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+testAdminToken)

			rec := httptest.NewRecorder()
			server.httpServer.Handler.ServeHTTP(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, contentTypeProblemJSON, rec.Header().Get("Content-Type"))
		})
	}
}

func TestHandleMigrate_RequiresJSONContentType(t *testing.T) {
	server := newTestServer(t, &fakeStagingWriter{})

	req := httptest.NewRequest(http.MethodPost, "/migrate", strings.NewReader(`{"collections":{"a":1}}`))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+testAdminToken)

	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestHandleMigrate_RequiresAuth(t *testing.T) {
	server := newTestServer(t, &fakeStagingWriter{})

	rec := doRequest(server, http.MethodPost, "/migrate", `{"collections":{"a":1}}`, false)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, contentTypeProblemJSON, rec.Header().Get("Content-Type"))
}

func TestHandleMigrate_UnconfiguredStoreIs500(t *testing.T) {
	server := newTestServer(t, nil)

	rec := doRequest(server, http.MethodPost, "/migrate", `{"collections":{"a":1}}`, true)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleMigrate_PreflightBypassesAuth(t *testing.T) {
	server := newTestServer(t, &fakeStagingWriter{})

	req := httptest.NewRequest(http.MethodOptions, "/migrate", nil)
	req.Header.Set("Origin", "https://game.haulsim.test")

	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthEndpoints(t *testing.T) {
	store := &fakeStagingWriter{}
	server := newTestServer(t, store)

	rec := doRequest(server, http.MethodGet, "/ping", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())

	rec = doRequest(server, http.MethodGet, "/ready", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(server, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "cargohold", health.ServiceName)
}

func TestHandleReady_StoreDown(t *testing.T) {
	store := &fakeStagingWriter{healthErr: errors.New("connection refused")}
	server := newTestServer(t, store)

	rec := doRequest(server, http.MethodGet, "/ready", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleNotFound(t *testing.T) {
	server := newTestServer(t, &fakeStagingWriter{})

	rec := doRequest(server, http.MethodGet, "/nope", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, contentTypeProblemJSON, rec.Header().Get("Content-Type"))
}

func TestServerConfig_Validate(t *testing.T) {
	valid := func() *ServerConfig {
		return &ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     time.Second,
			WriteTimeout:    time.Second,
			ShutdownTimeout: time.Second,
			MaxRequestSize:  1024,
			adminToken:      "secret",
		}
	}

	assert.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Port = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidPort)

	cfg = valid()
	cfg.Host = ""
	assert.ErrorIs(t, cfg.Validate(), ErrEmptyHost)

	cfg = valid()
	cfg.adminToken = ""
	assert.ErrorIs(t, cfg.Validate(), ErrMissingAdminToken)

	cfg = valid()
	cfg.MaxRequestSize = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidMaxRequestSize)
}
