package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// writeProblem writes an RFC 7807 problem+json response from inside the
// middleware chain, where the api package's richer error surface is not
// importable without a cycle.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, detail, correlationID string) error {
	problem := struct {
		Type          string `json:"type"`
		Title         string `json:"title"`
		Status        int    `json:"status"`
		Detail        string `json:"detail"`
		Instance      string `json:"instance"`
		CorrelationID string `json:"correlationId,omitempty"`
	}{
		Type:          fmt.Sprintf("https://cargohold.io/problems/%d", status),
		Title:         http.StatusText(status),
		Status:        status,
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		return fmt.Errorf("failed to encode problem response: %w", err)
	}

	return nil
}
