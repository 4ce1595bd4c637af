package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/cargohold-io/cargohold/internal/api"
	"github.com/cargohold-io/cargohold/internal/config"
	"github.com/cargohold-io/cargohold/internal/importer"
	"github.com/cargohold-io/cargohold/internal/reconcile"
	"github.com/cargohold-io/cargohold/internal/staging"
)

// Sentinel errors for staging store operations.
var (
	// ErrStagingWriteFailed is returned when a staging row write fails.
	ErrStagingWriteFailed = errors.New("staging write failed")

	// ErrItemWriteFailed is returned when an item chunk insert fails.
	ErrItemWriteFailed = errors.New("item write failed")

	// ErrItemNotFound is returned when operating on a non-existent item.
	ErrItemNotFound = errors.New("item not found")

	// Compile-time interface assertions. Early compile errors if the
	// consumer-side contracts change.

	// StagingStore implements importer.Store (read/write surface of the batch importer).
	_ importer.Store = (*StagingStore)(nil)

	// StagingStore implements reconcile.Store (read + remediation surface of the audit engine).
	// Methods defined in reconcile_views.go (same package, same type).
	_ reconcile.Store = (*StagingStore)(nil)

	// StagingStore implements api.StagingWriter (the ingress staging surface).
	_ api.StagingWriter = (*StagingStore)(nil)
)

// StagingStore implements the staged-collection and item stores with a
// PostgreSQL backend.
//
// Count maintenance is owned here, in the application layer: every item
// mutation (chunk insert, delete, reassignment) adjusts the parent's cached
// items_count with an atomic conditional UPDATE inside the same transaction
// as the item change. The increment/decrement is commutative, so independent
// importer instances may touch distinct rows concurrently.
type StagingStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewStagingStore creates a PostgreSQL-backed staging store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewStagingStore(conn *Connection) (*StagingStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &StagingStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *StagingStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// Stage creates one staged collection row for a migration submission.
//
// Any JSON-serializable data is accepted, including null, scalars, arrays,
// and objects; no type validation happens at this layer. Concurrent calls
// for the same collection key create distinct rows - deduplication is an
// operator concern via key filtering at import time.
//
// collectionName falls back to collectionKey when empty, matching the
// compatibility contract that the display name is never null once written.
func (s *StagingStore) Stage(
	ctx context.Context,
	collectionKey, collectionName string,
	data, metadata json.RawMessage,
) (*staging.StagedCollection, error) {
	if strings.TrimSpace(collectionKey) == "" {
		return nil, staging.ErrEmptyCollectionKey
	}

	if collectionName == "" {
		collectionName = collectionKey
	}

	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	// jsonb columns reject SQL NULL via json.RawMessage(nil); store JSON null
	// to keep "absent payload" representable and round-trippable.
	if len(data) == 0 {
		data = json.RawMessage(`null`)
	}

	query := `
		INSERT INTO staged_collections (collection_key, collection_name, data, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, status, items_count, import_cursor, migrated_at
	`

	row := &staging.StagedCollection{
		CollectionKey:  collectionKey,
		CollectionName: collectionName,
		Data:           data,
		Metadata:       metadata,
	}

	err := s.conn.QueryRowContext(ctx, query, collectionKey, collectionName, []byte(data), []byte(metadata)).
		Scan(&row.ID, &row.Status, &row.ItemsCount, &row.ImportCursor, &row.MigratedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStagingWriteFailed, err)
	}

	s.logger.Info("collection staged",
		slog.String("collection_id", row.ID),
		slog.String("collection_key", row.CollectionKey),
		slog.Int("payload_bytes", len(data)),
	)

	return row, nil
}

// Get fetches one staged collection by id.
// Returns staging.ErrCollectionNotFound when the row does not exist.
func (s *StagingStore) Get(ctx context.Context, id string) (*staging.StagedCollection, error) {
	query := selectStagedColumns + ` WHERE id = $1`

	row, err := scanStagedCollection(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, staging.ErrCollectionNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch staged collection %s: %w", id, err)
	}

	return row, nil
}

// ListPending selects staged collection rows awaiting import, oldest first,
// optionally restricted to one collection key (exact match).
func (s *StagingStore) ListPending(ctx context.Context, onlyCollection string) ([]*staging.StagedCollection, error) {
	query := selectStagedColumns + ` WHERE status = $1`
	args := []any{staging.StatusStaged}

	if onlyCollection != "" {
		query += ` AND collection_key = $2`
		args = append(args, onlyCollection)
	}

	query += ` ORDER BY migrated_at, id`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending collections: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var pending []*staging.StagedCollection

	for rows.Next() {
		row, err := scanStagedCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staged collection: %w", err)
		}

		pending = append(pending, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending collections: %w", err)
	}

	return pending, nil
}

// InsertItemChunk writes one chunk of normalized items for a staged
// collection and maintains the cached count, all in a single transaction.
//
// startIndex is the position of the chunk's first item in the normalized
// sequence; together with the parent id it forms the natural key, so a
// retried chunk (after a mark-as-imported failure, or an importer crash
// between commit and cursor bookkeeping) inserts nothing twice. The parent's
// items_count is incremented only by the rows actually inserted, and the
// import cursor advances to the end of the chunk.
//
// With upsert enabled, conflicting rows are merged instead of skipped; merged
// rows do not increment the count.
func (s *StagingStore) InsertItemChunk(
	ctx context.Context,
	collection *staging.StagedCollection,
	chunk []json.RawMessage,
	startIndex int,
	upsert bool,
) (int, error) {
	if len(chunk) == 0 {
		return 0, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to begin transaction: %w", ErrItemWriteFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	inserted := 0

	for i, item := range chunk {
		freshlyInserted, err := insertItem(ctx, tx, collection, item, startIndex+i, upsert)
		if err != nil {
			return 0, fmt.Errorf("%w: item %d: %w", ErrItemWriteFailed, startIndex+i, err)
		}

		if freshlyInserted {
			inserted++
		}
	}

	// Count maintenance: atomic read-modify-write on the cached count, in
	// the same transaction as the item inserts. The cursor never regresses.
	update := `
		UPDATE staged_collections
		SET items_count = items_count + $2,
		    import_cursor = GREATEST(import_cursor, $3)
		WHERE id = $1
	`

	if _, err := tx.ExecContext(ctx, update, collection.ID, inserted, startIndex+len(chunk)); err != nil {
		return 0, fmt.Errorf("%w: count maintenance: %w", ErrItemWriteFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %w", ErrItemWriteFailed, err)
	}

	collection.ItemsCount += inserted
	collection.ImportCursor = max(collection.ImportCursor, startIndex+len(chunk))

	return inserted, nil
}

// insertItem writes a single item row inside tx. The bool result reports
// whether a new row was created (false means the natural key already existed
// and was skipped, or merged when upsert is set).
func insertItem(
	ctx context.Context,
	tx *sql.Tx,
	collection *staging.StagedCollection,
	item json.RawMessage,
	index int,
	upsert bool,
) (bool, error) {
	if upsert {
		// xmax = 0 distinguishes a fresh insert from a conflict merge, so
		// merged rows never inflate the cached count.
		query := `
			INSERT INTO items (collection_name, migrated_collection_id, item, item_index)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (migrated_collection_id, item_index) WHERE migrated_collection_id IS NOT NULL
			DO UPDATE SET item = EXCLUDED.item, collection_name = EXCLUDED.collection_name
			RETURNING (xmax = 0)
		`

		var freshlyInserted bool
		if err := tx.QueryRowContext(ctx, query, collection.CollectionName, collection.ID, []byte(item), index).
			Scan(&freshlyInserted); err != nil {
			return false, err
		}

		return freshlyInserted, nil
	}

	query := `
		INSERT INTO items (collection_name, migrated_collection_id, item, item_index)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (migrated_collection_id, item_index) WHERE migrated_collection_id IS NOT NULL
		DO NOTHING
	`

	result, err := tx.ExecContext(ctx, query, collection.CollectionName, collection.ID, []byte(item), index)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected == 1, nil
}

// MarkImported transitions a staged row to imported and stamps importedAt.
//
// The transition is monotonic: rows already imported return
// staging.ErrAlreadyImported and are never re-stamped.
func (s *StagingStore) MarkImported(ctx context.Context, id string) (time.Time, error) {
	query := `
		UPDATE staged_collections
		SET status = $2, imported_at = now()
		WHERE id = $1 AND status = $3
		RETURNING imported_at
	`

	var importedAt time.Time

	err := s.conn.QueryRowContext(ctx, query, id, staging.StatusImported, staging.StatusStaged).Scan(&importedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish "gone" from "already imported".
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return time.Time{}, getErr
		}

		return time.Time{}, staging.ErrAlreadyImported
	}

	if err != nil {
		return time.Time{}, fmt.Errorf("%w: mark imported: %w", ErrStagingWriteFailed, err)
	}

	return importedAt, nil
}

// DeleteItem removes one item and decrements its parent's cached count in
// the same transaction, floored at zero. When the parent no longer exists
// the decrement is a no-op.
func (s *StagingStore) DeleteItem(ctx context.Context, itemID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrItemWriteFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var parentID sql.NullString

	err = tx.QueryRowContext(ctx,
		`DELETE FROM items WHERE id = $1 RETURNING migrated_collection_id`, itemID,
	).Scan(&parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrItemNotFound
	}

	if err != nil {
		return fmt.Errorf("%w: delete item: %w", ErrItemWriteFailed, err)
	}

	if parentID.Valid {
		// Floor at zero: miscounted inputs must never drive the cache negative.
		_, err = tx.ExecContext(ctx,
			`UPDATE staged_collections SET items_count = GREATEST(items_count - 1, 0) WHERE id = $1`,
			parentID.String,
		)
		if err != nil {
			return fmt.Errorf("%w: count maintenance: %w", ErrItemWriteFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrItemWriteFailed, err)
	}

	return nil
}

// ReassignItem moves an item to a different parent collection (or to none,
// with nil), adjusting both cached counts in one transaction.
//
// The item receives the next free index under its new parent so the natural
// key cannot collide with items imported there.
func (s *StagingStore) ReassignItem(ctx context.Context, itemID string, newParentID *string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrItemWriteFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var oldParentID sql.NullString

	err = tx.QueryRowContext(ctx,
		`SELECT migrated_collection_id FROM items WHERE id = $1 FOR UPDATE`, itemID,
	).Scan(&oldParentID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrItemNotFound
	}

	if err != nil {
		return fmt.Errorf("%w: lock item: %w", ErrItemWriteFailed, err)
	}

	var newParent sql.NullString
	if newParentID != nil {
		newParent = sql.NullString{String: *newParentID, Valid: true}
	}

	if oldParentID == newParent {
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE items
		SET migrated_collection_id = $2,
		    item_index = COALESCE(
		        (SELECT MAX(item_index) + 1 FROM items WHERE migrated_collection_id = $2), 0)
		WHERE id = $1
	`, itemID, newParent)
	if err != nil {
		return fmt.Errorf("%w: reassign item: %w", ErrItemWriteFailed, err)
	}

	if oldParentID.Valid {
		_, err = tx.ExecContext(ctx,
			`UPDATE staged_collections SET items_count = GREATEST(items_count - 1, 0) WHERE id = $1`,
			oldParentID.String,
		)
		if err != nil {
			return fmt.Errorf("%w: count maintenance (old parent): %w", ErrItemWriteFailed, err)
		}
	}

	if newParent.Valid {
		_, err = tx.ExecContext(ctx,
			`UPDATE staged_collections SET items_count = items_count + 1 WHERE id = $1`,
			newParent.String,
		)
		if err != nil {
			return fmt.Errorf("%w: count maintenance (new parent): %w", ErrItemWriteFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrItemWriteFailed, err)
	}

	return nil
}

// CountItems returns the live item count for one staged collection - the
// source of truth the cached count must agree with.
func (s *StagingStore) CountItems(ctx context.Context, collectionID string) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM items WHERE migrated_collection_id = $1`, collectionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count items for %s: %w", collectionID, err)
	}

	return count, nil
}

const selectStagedColumns = `
	SELECT id, collection_key, collection_name, data, metadata,
	       status, items_count, import_cursor, migrated_at, imported_at
	FROM staged_collections`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanStagedCollection(scanner rowScanner) (*staging.StagedCollection, error) {
	var (
		row            staging.StagedCollection
		collectionName sql.NullString
		data, metadata []byte
		importedAt     sql.NullTime
	)

	err := scanner.Scan(
		&row.ID,
		&row.CollectionKey,
		&collectionName,
		&data,
		&metadata,
		&row.Status,
		&row.ItemsCount,
		&row.ImportCursor,
		&row.MigratedAt,
		&importedAt,
	)
	if err != nil {
		return nil, err
	}

	row.CollectionName = collectionName.String
	row.Data = json.RawMessage(data)
	row.Metadata = json.RawMessage(metadata)

	if importedAt.Valid {
		row.ImportedAt = &importedAt.Time
	}

	return &row, nil
}

// IsTransientWriteError reports whether an error looks like a transient
// store failure worth retrying: connection loss (PostgreSQL Class 08),
// resource exhaustion (Class 53), serialization failure (40001), or the
// standard database/sql connection errors.
func IsTransientWriteError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)

		return strings.HasPrefix(code, "08") ||
			strings.HasPrefix(code, "53") ||
			code == "40001"
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
