// Package reconcile implements the post-migration audit and consistency
// engine: detection of missing collection names, cached-count drift, and
// orphaned items, plus the explicit remediation operations for each.
//
// Detection and remediation are strictly separated. Every Run* method is a
// side-effect-free read (the audit additionally persists its own snapshot);
// nothing is corrected unless an operator invokes a remediation method.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cargohold-io/cargohold/internal/config"
	"github.com/cargohold-io/cargohold/internal/staging"
)

// OrphanMode selects the remediation applied to orphaned items.
type OrphanMode string

const (
	// OrphanNullify keeps the items but nulls the dangling parent reference.
	OrphanNullify OrphanMode = "nullify"

	// OrphanRelabel moves the items under an "orphaned:<parent-id>" pseudo
	// collection name and nulls the reference, preserving provenance.
	OrphanRelabel OrphanMode = "relabel"

	// OrphanDelete removes the orphaned items entirely.
	OrphanDelete OrphanMode = "delete"
)

// Sentinel errors for reconciliation operations.
var (
	// ErrNilStore is returned when the engine is constructed without a store.
	ErrNilStore = errors.New("reconcile store cannot be nil")

	// ErrUnknownOrphanMode is returned for an orphan cleanup mode outside
	// nullify, relabel, delete.
	ErrUnknownOrphanMode = errors.New("unknown orphan cleanup mode")
)

// ParseOrphanMode validates an operator-supplied mode string.
func ParseOrphanMode(raw string) (OrphanMode, error) {
	switch mode := OrphanMode(raw); mode {
	case OrphanNullify, OrphanRelabel, OrphanDelete:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOrphanMode, raw)
	}
}

type (
	// Store is the reconciliation surface of the staging store.
	// Implemented by storage.StagingStore.
	Store interface {
		// AuditScan returns the total staged row count, the count of rows
		// with a null or empty collection name, and a bounded sample of the
		// most recently migrated offenders.
		AuditScan(ctx context.Context) (int, int, []staging.MissingRow, error)

		// SaveAuditSnapshot appends one audit snapshot, filling in the
		// store-assigned id and timestamp.
		SaveAuditSnapshot(ctx context.Context, snapshot *staging.AuditSnapshot) error

		// ConsistencyMismatches returns every staged collection whose cached
		// items count differs from the live item count, worst drift first.
		ConsistencyMismatches(ctx context.Context) ([]staging.Mismatch, error)

		// FindOrphans returns items referencing a staged collection that no
		// longer exists.
		FindOrphans(ctx context.Context) ([]*staging.Item, error)

		// RenormalizeCounts rewrites drifted cached counts from the live
		// item counts and reports how many rows changed.
		RenormalizeCounts(ctx context.Context) (int, error)

		// SyncCollectionNames backfills missing collection names from the
		// collection key and reports how many rows changed.
		SyncCollectionNames(ctx context.Context) (int, error)

		// CleanupOrphans applies one remediation mode to every orphaned
		// item and reports how many rows were affected.
		CleanupOrphans(ctx context.Context, mode OrphanMode) (int, error)
	}

	// Engine drives audits, consistency checks, and remediation against a
	// staging store.
	Engine struct {
		store  Store
		logger *slog.Logger
	}
)

// NewEngine creates a reconciliation engine.
func NewEngine(store Store) (*Engine, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	return &Engine{
		store: store,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// RunAudit scans for staged collections missing a collection name and
// persists an audit snapshot of the result. A snapshot is written on every
// run, including fully clean ones, so the snapshot history doubles as proof
// the audit ran.
func (e *Engine) RunAudit(ctx context.Context) (*staging.AuditSnapshot, error) {
	total, missing, sample, err := e.store.AuditScan(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit failed: %w", err)
	}

	snapshot := &staging.AuditSnapshot{
		TotalRows:     total,
		MissingCount:  missing,
		MissingSample: sample,
		Notes:         "OK",
	}

	if missing > 0 {
		snapshot.Notes = fmt.Sprintf("%d of %d staged collections missing a collection name", missing, total)
	}

	if err := e.store.SaveAuditSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("audit failed: %w", err)
	}

	e.logger.Info("audit complete",
		slog.String("snapshot_id", snapshot.ID),
		slog.Int("total_rows", total),
		slog.Int("missing_count", missing),
		slog.Int("sample_size", len(sample)),
	)

	return snapshot, nil
}

// RunConsistencyCheck reports every collection whose cached items count has
// drifted from the live count. Detection only.
func (e *Engine) RunConsistencyCheck(ctx context.Context) ([]staging.Mismatch, error) {
	mismatches, err := e.store.ConsistencyMismatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("consistency check failed: %w", err)
	}

	if len(mismatches) == 0 {
		e.logger.Info("consistency check complete, no drift")

		return mismatches, nil
	}

	e.logger.Warn("consistency check found drifted counts",
		slog.Int("mismatches", len(mismatches)),
		slog.String("worst_collection", mismatches[0].CollectionKey),
		slog.Int("worst_drift", mismatches[0].AbsDiff()),
	)

	return mismatches, nil
}

// FindOrphans reports items whose parent staged collection no longer
// exists. Detection only.
func (e *Engine) FindOrphans(ctx context.Context) ([]*staging.Item, error) {
	orphans, err := e.store.FindOrphans(ctx)
	if err != nil {
		return nil, fmt.Errorf("orphan scan failed: %w", err)
	}

	if len(orphans) > 0 {
		e.logger.Warn("orphaned items found", slog.Int("orphans", len(orphans)))
	}

	return orphans, nil
}

// RenormalizeCounts rewrites every drifted cached count from the live item
// count.
func (e *Engine) RenormalizeCounts(ctx context.Context) (int, error) {
	affected, err := e.store.RenormalizeCounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("count renormalization failed: %w", err)
	}

	e.logger.Info("counts renormalized", slog.Int("rows_updated", affected))

	return affected, nil
}

// SyncCollectionNames backfills missing collection names from the
// collection key.
func (e *Engine) SyncCollectionNames(ctx context.Context) (int, error) {
	affected, err := e.store.SyncCollectionNames(ctx)
	if err != nil {
		return 0, fmt.Errorf("collection name sync failed: %w", err)
	}

	e.logger.Info("collection names synced", slog.Int("rows_updated", affected))

	return affected, nil
}

// CleanupOrphans applies one remediation mode to every orphaned item.
func (e *Engine) CleanupOrphans(ctx context.Context, mode OrphanMode) (int, error) {
	if _, err := ParseOrphanMode(string(mode)); err != nil {
		return 0, err
	}

	affected, err := e.store.CleanupOrphans(ctx, mode)
	if err != nil {
		return 0, fmt.Errorf("orphan cleanup failed: %w", err)
	}

	e.logger.Info("orphan cleanup complete",
		slog.String("mode", string(mode)),
		slog.Int("rows_affected", affected),
	)

	return affected, nil
}
