// Package staging provides domain models for the staged migration pipeline.
//
// A migration submission stages one row per named collection. The raw payload
// is held verbatim until the batch importer normalizes it into individual
// item rows, after which the staged row transitions to imported. The cached
// items count on each staged row is maintained transactionally with every
// item mutation and must always equal the live item count.
package staging

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for staging domain validation.
var (
	// ErrEmptyCollectionKey indicates a stage request without a collection key.
	ErrEmptyCollectionKey = errors.New("collection key cannot be empty")

	// ErrAlreadyImported indicates an attempt to re-mark an imported row.
	ErrAlreadyImported = errors.New("staged collection already imported")

	// ErrCollectionNotFound indicates the staged collection does not exist.
	ErrCollectionNotFound = errors.New("staged collection not found")
)

type (
	// Status represents the lifecycle state of a staged collection.
	// The only valid transition is staged → imported; it is never reversed
	// automatically.
	Status string

	// StagedCollection is one row per migration submission per named
	// collection - Domain Model.
	//
	// Data is held exactly as submitted (array, object, or primitive) and is
	// opaque to the staging store. ItemsCount is a cached, maintained count
	// of associated item rows: the item table is the source of truth and the
	// cache must never drift.
	StagedCollection struct {
		// ID is the store-assigned identifier. Immutable once created.
		ID string

		// CollectionKey is the caller-supplied name identifying the source
		// collection (e.g. "users"). Never empty.
		CollectionKey string

		// CollectionName is the display/grouping name. Equals CollectionKey
		// unless explicitly overridden; kept as a separate field only for
		// backward compatibility with older producers. A compatibility-sync
		// remediation backfills rows where older producers left it empty.
		CollectionName string

		// Data is the raw JSON payload exactly as submitted. Never mutated
		// by the staging store.
		Data json.RawMessage

		// Metadata is caller-supplied free-form JSON describing who/when
		// requested the migration.
		Metadata json.RawMessage

		// Status is staged until every chunk of the normalized payload has
		// been written, then imported.
		Status Status

		// ItemsCount caches count(items where migrated_collection_id = ID).
		// Always >= 0, 0 when no items were ever written, never null.
		ItemsCount int

		// ImportCursor is the number of normalized items durably committed
		// for this row. Retries resume from here instead of restarting, so a
		// partial failure never duplicates earlier chunks.
		ImportCursor int

		// MigratedAt is the creation timestamp. Immutable.
		MigratedAt time.Time

		// ImportedAt is set exactly once, when all items for this row have
		// been written.
		ImportedAt *time.Time
	}

	// Item is one row per normalized unit of data extracted from a staged
	// collection's payload - Domain Model.
	Item struct {
		// ID is the store-assigned identifier.
		ID string

		// CollectionName is copied from the parent staged collection at
		// normalization time (denormalized for query convenience).
		CollectionName string

		// MigratedCollectionID references the parent staged collection.
		// Nil represents an orphaned item whose parent was deleted or never
		// existed - a recognized, tolerated state, not an error state.
		MigratedCollectionID *string

		// Item is the normalized JSON value. Never a bare primitive:
		// primitives are wrapped as {value, type} by the normalizer.
		Item json.RawMessage

		// ItemIndex is the item's position in the normalized sequence.
		// Together with MigratedCollectionID it forms the natural key that
		// makes retried chunk inserts idempotent.
		ItemIndex int

		// ImportedAt is the creation timestamp.
		ImportedAt time.Time
	}

	// AuditSnapshot is one append-only row per reconciliation audit run.
	// Snapshots are never mutated after insertion.
	AuditSnapshot struct {
		ID           string
		CheckedAt    time.Time
		TotalRows    int
		MissingCount int

		// MissingSample holds up to 10 most-recent rows with a null/invalid
		// collection name.
		MissingSample []MissingRow

		Notes string
	}

	// MissingRow is a sampled staged collection with a missing name.
	MissingRow struct {
		ID            string    `json:"id"`
		CollectionKey string    `json:"collectionKey"`
		MigratedAt    time.Time `json:"migratedAt"`
	}

	// Mismatch reports drift between a staged collection's cached items
	// count and the live count of its items.
	Mismatch struct {
		CollectionID  string
		CollectionKey string
		CachedCount   int
		LiveCount     int
	}
)

// Staged collection lifecycle states.
const (
	// StatusStaged marks a row awaiting import.
	StatusStaged Status = "staged"

	// StatusImported marks a row whose every chunk has been written.
	StatusImported Status = "imported"
)

// Diff returns cached minus live count. Zero means no drift.
func (m Mismatch) Diff() int {
	return m.CachedCount - m.LiveCount
}

// AbsDiff returns the magnitude of the drift, used for severity ordering.
func (m Mismatch) AbsDiff() int {
	diff := m.Diff()
	if diff < 0 {
		return -diff
	}

	return diff
}

// Imported reports whether the row has completed import.
func (c *StagedCollection) Imported() bool {
	return c.Status == StatusImported
}
