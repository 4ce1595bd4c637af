package storage

// Reconciliation query surface of the StagingStore. Everything here except
// SaveAuditSnapshot and the remediation statements is a side-effect-free
// read: detection never corrects, remediation is an explicit operator
// choice.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cargohold-io/cargohold/internal/reconcile"
	"github.com/cargohold-io/cargohold/internal/staging"
)

const missingSampleLimit = 10

// ErrAuditWriteFailed is returned when persisting an audit snapshot fails.
var ErrAuditWriteFailed = errors.New("audit snapshot write failed")

// AuditScan counts staged collection rows and samples the most recent rows
// whose collection name is null or empty. Idempotent: unchanged state yields
// identical counts across consecutive calls.
func (s *StagingStore) AuditScan(ctx context.Context) (int, int, []staging.MissingRow, error) {
	var totalRows, missingCount int

	err := s.conn.QueryRowContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE collection_name IS NULL OR collection_name = '')
		FROM staged_collections
	`).Scan(&totalRows, &missingCount)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("audit scan failed: %w", err)
	}

	if missingCount == 0 {
		return totalRows, 0, nil, nil
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, collection_key, migrated_at
		FROM staged_collections
		WHERE collection_name IS NULL OR collection_name = ''
		ORDER BY migrated_at DESC
		LIMIT $1
	`, missingSampleLimit)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("audit sample failed: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var sample []staging.MissingRow

	for rows.Next() {
		var row staging.MissingRow

		if err := rows.Scan(&row.ID, &row.CollectionKey, &row.MigratedAt); err != nil {
			return 0, 0, nil, fmt.Errorf("audit sample scan failed: %w", err)
		}

		sample = append(sample, row)
	}

	if err := rows.Err(); err != nil {
		return 0, 0, nil, fmt.Errorf("audit sample iteration failed: %w", err)
	}

	return totalRows, missingCount, sample, nil
}

// SaveAuditSnapshot persists one append-only audit snapshot row and fills in
// the store-assigned id and timestamp.
func (s *StagingStore) SaveAuditSnapshot(ctx context.Context, snapshot *staging.AuditSnapshot) error {
	sampleJSON, err := json.Marshal(snapshot.MissingSample)
	if err != nil {
		return fmt.Errorf("%w: sample encoding: %w", ErrAuditWriteFailed, err)
	}

	err = s.conn.QueryRowContext(ctx, `
		INSERT INTO audit_snapshots (total_rows, missing_count, missing_sample, notes)
		VALUES ($1, $2, $3, $4)
		RETURNING id, checked_at
	`, snapshot.TotalRows, snapshot.MissingCount, sampleJSON, snapshot.Notes).
		Scan(&snapshot.ID, &snapshot.CheckedAt)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuditWriteFailed, err)
	}

	s.logger.Info("audit snapshot recorded",
		slog.String("snapshot_id", snapshot.ID),
		slog.Int("total_rows", snapshot.TotalRows),
		slog.Int("missing_count", snapshot.MissingCount),
	)

	return nil
}

// ConsistencyMismatches compares every staged collection's cached items
// count against the live count of its items and returns each row where they
// differ, worst drift first.
func (s *StagingStore) ConsistencyMismatches(ctx context.Context) ([]staging.Mismatch, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT s.id, s.collection_key, s.items_count, count(i.id)
		FROM staged_collections s
		LEFT JOIN items i ON i.migrated_collection_id = s.id
		GROUP BY s.id, s.collection_key, s.items_count
		HAVING s.items_count <> count(i.id)
		ORDER BY abs(s.items_count - count(i.id)) DESC, s.id
	`)
	if err != nil {
		return nil, fmt.Errorf("consistency check failed: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var mismatches []staging.Mismatch

	for rows.Next() {
		var m staging.Mismatch

		if err := rows.Scan(&m.CollectionID, &m.CollectionKey, &m.CachedCount, &m.LiveCount); err != nil {
			return nil, fmt.Errorf("consistency check scan failed: %w", err)
		}

		mismatches = append(mismatches, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("consistency check iteration failed: %w", err)
	}

	return mismatches, nil
}

// FindOrphans returns items whose migrated_collection_id references no
// existing staged collection. Orphans are reported, never auto-deleted.
func (s *StagingStore) FindOrphans(ctx context.Context) ([]*staging.Item, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT i.id, i.collection_name, i.migrated_collection_id, i.item, i.item_index, i.imported_at
		FROM items i
		WHERE i.migrated_collection_id IS NOT NULL
		  AND NOT EXISTS (
		      SELECT 1 FROM staged_collections s WHERE s.id = i.migrated_collection_id)
		ORDER BY i.imported_at, i.id
	`)
	if err != nil {
		return nil, fmt.Errorf("orphan scan failed: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var orphans []*staging.Item

	for rows.Next() {
		var (
			item     staging.Item
			parentID sql.NullString
			raw      []byte
		)

		err := rows.Scan(&item.ID, &item.CollectionName, &parentID, &raw, &item.ItemIndex, &item.ImportedAt)
		if err != nil {
			return nil, fmt.Errorf("orphan scan failed: %w", err)
		}

		if parentID.Valid {
			item.MigratedCollectionID = &parentID.String
		}

		item.Item = json.RawMessage(raw)
		orphans = append(orphans, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orphan iteration failed: %w", err)
	}

	return orphans, nil
}

// RenormalizeCounts rewrites every drifted cached count from the live item
// count. Remediation only - never run implicitly by the audit path.
func (s *StagingStore) RenormalizeCounts(ctx context.Context) (int, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE staged_collections s
		SET items_count = live.n
		FROM (
		    SELECT s2.id, count(i.id) AS n
		    FROM staged_collections s2
		    LEFT JOIN items i ON i.migrated_collection_id = s2.id
		    GROUP BY s2.id
		) live
		WHERE live.id = s.id AND s.items_count <> live.n
	`)
	if err != nil {
		return 0, fmt.Errorf("count renormalization failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count renormalization failed: %w", err)
	}

	return int(affected), nil
}

// SyncCollectionNames backfills collection_name from collection_key on rows
// where older producers left it null or empty.
func (s *StagingStore) SyncCollectionNames(ctx context.Context) (int, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE staged_collections
		SET collection_name = collection_key
		WHERE collection_name IS NULL OR collection_name = ''
	`)
	if err != nil {
		return 0, fmt.Errorf("collection name sync failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("collection name sync failed: %w", err)
	}

	return int(affected), nil
}

// CleanupOrphans applies one explicit remediation to every orphaned item.
//
// Modes:
//   - reconcile.OrphanNullify: null out the dangling reference
//   - reconcile.OrphanRelabel: move the item under an "orphaned:<id>" pseudo
//     collection name and null the reference
//   - reconcile.OrphanDelete: delete the rows
func (s *StagingStore) CleanupOrphans(ctx context.Context, mode reconcile.OrphanMode) (int, error) {
	const orphanCondition = `
		migrated_collection_id IS NOT NULL
		AND NOT EXISTS (
		    SELECT 1 FROM staged_collections s WHERE s.id = items.migrated_collection_id)`

	var query string

	switch mode {
	case reconcile.OrphanNullify:
		query = `UPDATE items SET migrated_collection_id = NULL WHERE ` + orphanCondition
	case reconcile.OrphanRelabel:
		query = `
			UPDATE items
			SET collection_name = 'orphaned:' || migrated_collection_id,
			    migrated_collection_id = NULL
			WHERE ` + orphanCondition
	case reconcile.OrphanDelete:
		query = `DELETE FROM items WHERE ` + orphanCondition
	default:
		return 0, fmt.Errorf("%w: %q", reconcile.ErrUnknownOrphanMode, mode)
	}

	result, err := s.conn.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("orphan cleanup (%s) failed: %w", mode, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("orphan cleanup (%s) failed: %w", mode, err)
	}

	return int(affected), nil
}
