// Package importer drives the staged → imported batch pipeline: it reads
// pending staged collections, normalizes their payloads, writes item rows in
// size-bounded chunks, and marks each row imported only after every chunk
// has been committed.
package importer

import (
	"time"

	"github.com/cargohold-io/cargohold/internal/staging"
)

type (
	// RowStatus is the per-row outcome of one importer run.
	RowStatus string

	// RowResult reports how one staged collection fared.
	//
	// On partial failure, ChunksCommitted surfaces how many chunks were
	// durably written before the failure; those items are retained (no
	// compensating delete) and a re-run resumes from the import cursor.
	RowResult struct {
		CollectionID    string
		CollectionKey   string
		PayloadKind     staging.PayloadKind
		Status          RowStatus
		Items           int
		Chunks          int
		ChunksCommitted int

		// Resumed is true when the run continued from a non-zero import
		// cursor left behind by an earlier partial failure.
		Resumed bool

		// Err holds the row-scoped failure, nil otherwise. Row errors never
		// abort the batch as a whole.
		Err error
	}

	// Report summarizes one importer run across all selected rows.
	Report struct {
		StartedAt  time.Time
		FinishedAt time.Time
		DryRun     bool
		Rows       []RowResult
	}
)

// Per-row outcomes.
const (
	// RowImported: every chunk committed and the row was marked imported.
	RowImported RowStatus = "imported"

	// RowSkipped: the normalized sequence was empty (null or unsupported
	// payload); the row stays staged. Not an error.
	RowSkipped RowStatus = "skipped"

	// RowPlanned: dry-run only; normalization and chunk planning ran, no
	// writes were performed.
	RowPlanned RowStatus = "planned"

	// RowFailed: a chunk insert or the final status update failed; the row
	// stays staged and earlier chunks are retained for a resumed retry.
	RowFailed RowStatus = "failed"
)

// Imported returns the number of rows fully imported by this run.
func (r *Report) Imported() int { return r.count(RowImported) }

// Skipped returns the number of rows skipped as empty.
func (r *Report) Skipped() int { return r.count(RowSkipped) }

// Failed returns the number of rows left staged by a row-scoped failure.
func (r *Report) Failed() int { return r.count(RowFailed) }

func (r *Report) count(status RowStatus) int {
	n := 0

	for i := range r.Rows {
		if r.Rows[i].Status == status {
			n++
		}
	}

	return n
}

// Duration returns the wall-clock time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
