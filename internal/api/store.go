// Package api provides the HTTP ingress for the Cargohold migration service.
package api

import (
	"context"
	"encoding/json"

	"github.com/cargohold-io/cargohold/internal/staging"
)

// StagingWriter is the staging surface the ingress needs from the
// destination store. Implemented by storage.StagingStore.
type StagingWriter interface {
	// Stage durably records one submitted collection payload. Empty
	// collectionKey is rejected; collectionName falls back to the key.
	Stage(
		ctx context.Context,
		collectionKey, collectionName string,
		data, metadata json.RawMessage,
	) (*staging.StagedCollection, error)

	// HealthCheck verifies the destination store is reachable.
	HealthCheck(ctx context.Context) error
}
