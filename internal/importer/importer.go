package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cargohold-io/cargohold/internal/config"
	"github.com/cargohold-io/cargohold/internal/staging"
)

const (
	// DefaultBatchSize is the default chunk size, matching the observed
	// batch limits of the destination store.
	DefaultBatchSize = 200

	// defaultRetryInitialInterval seeds the exponential backoff between
	// attempts of a failed chunk insert.
	defaultRetryInitialInterval = 250 * time.Millisecond
)

// Sentinel errors for importer operations.
var (
	// ErrNilStore is returned when the importer is constructed without a store.
	ErrNilStore = errors.New("importer store cannot be nil")

	// ErrInvalidBatchSize is returned for a batch size below 1.
	ErrInvalidBatchSize = errors.New("batch size must be at least 1")

	// ErrMarkImportedFailed wraps a failure of the final status update. The
	// row's items are fully written but the row remains staged; a retry
	// tolerates this window because chunk inserts are idempotent on the
	// natural key.
	ErrMarkImportedFailed = errors.New("failed to mark collection imported")
)

type (
	// Store is the destination-store surface the importer needs.
	// Implemented by storage.StagingStore.
	Store interface {
		// ListPending selects staged rows, optionally restricted to one
		// collection key (exact match).
		ListPending(ctx context.Context, onlyCollection string) ([]*staging.StagedCollection, error)

		// InsertItemChunk writes one chunk transactionally, maintaining the
		// parent's cached count and import cursor. Returns the number of
		// rows actually inserted.
		InsertItemChunk(
			ctx context.Context,
			collection *staging.StagedCollection,
			chunk []json.RawMessage,
			startIndex int,
			upsert bool,
		) (int, error)

		// MarkImported transitions a row staged → imported exactly once.
		MarkImported(ctx context.Context, id string) (time.Time, error)
	}

	// Mirror receives successfully committed items for replication into a
	// secondary document store. Mirror failures are courtesy-only: they are
	// logged and never fail the import.
	Mirror interface {
		MirrorItems(ctx context.Context, collectionName string, items []json.RawMessage, startIndex int) error
	}

	// Events is notified after a row completes its staged → imported
	// transition. Implemented by events.Publisher; publishing failures are
	// the publisher's concern and never reach the importer.
	Events interface {
		CollectionImported(ctx context.Context, collectionID, collectionKey string, itemsCount int)
	}

	// Options tune one importer run.
	Options struct {
		// BatchSize is the chunk size (min 1, default 200).
		BatchSize int

		// OnlyCollection restricts the run to one collection key. Empty
		// imports every pending row.
		OnlyCollection string

		// DryRun performs normalization and chunk planning, logs a preview,
		// performs no writes, and never marks any row imported.
		DryRun bool

		// Upsert instructs the store to merge on the natural key instead of
		// strictly inserting.
		Upsert bool

		// ChunkRetries is the number of additional attempts for a failed
		// chunk insert before the row is declared failed. Only errors
		// recognized by Retryable are retried.
		ChunkRetries uint64

		// Retryable classifies row-scoped errors as transient. Nil disables
		// retries. Wired to storage.IsTransientWriteError in production.
		Retryable func(error) bool

		// Events, when set, is notified once per fully imported row.
		Events Events
	}

	// Importer runs the batch import state machine.
	//
	// Rows are processed sequentially and, within a row, chunks
	// sequentially - a deliberate simplicity/auditability tradeoff. Distinct
	// rows may be imported concurrently by independent importer instances;
	// the store's count maintenance is atomic, so that remains correct.
	Importer struct {
		store  Store
		mirror Mirror // optional
		opts   Options
		logger *slog.Logger
	}
)

// New creates an Importer. mirror may be nil.
func New(store Store, mirror Mirror, opts Options) (*Importer, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}

	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, opts.BatchSize)
	}

	return &Importer{
		store:  store,
		mirror: mirror,
		opts:   opts,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Run imports every pending staged collection and returns a per-row report.
//
// Row-scoped failures (a chunk insert or status update) are recorded in the
// report and do not stop the batch; only listing the pending rows is fatal
// to the run.
func (imp *Importer) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now(), DryRun: imp.opts.DryRun}

	pending, err := imp.store.ListPending(ctx, imp.opts.OnlyCollection)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending collections: %w", err)
	}

	imp.logger.Info("import run starting",
		slog.Int("pending_rows", len(pending)),
		slog.Int("batch_size", imp.opts.BatchSize),
		slog.String("only_collection", imp.opts.OnlyCollection),
		slog.Bool("dry_run", imp.opts.DryRun),
		slog.Bool("upsert", imp.opts.Upsert),
	)

	for _, row := range pending {
		if ctx.Err() != nil {
			return report, fmt.Errorf("import run cancelled: %w", ctx.Err())
		}

		report.Rows = append(report.Rows, imp.importRow(ctx, row))
	}

	report.FinishedAt = time.Now()

	imp.logger.Info("import run finished",
		slog.Int("imported", report.Imported()),
		slog.Int("skipped", report.Skipped()),
		slog.Int("failed", report.Failed()),
		slog.Duration("duration", report.Duration()),
	)

	return report, nil
}

// importRow drives one staged collection through
// staged → normalizing → chunked insert → imported.
func (imp *Importer) importRow(ctx context.Context, row *staging.StagedCollection) RowResult {
	result := RowResult{
		CollectionID:  row.ID,
		CollectionKey: row.CollectionKey,
	}

	items, payload, err := staging.NormalizeRaw(row.Data)
	if err != nil {
		result.Status = RowFailed
		result.Err = err

		return result
	}

	result.PayloadKind = payload.Kind

	if payload.Kind == staging.KindUnsupported {
		// DataShapeWarning: not an error, zero items for this row.
		imp.logger.Warn("unsupported payload type, skipping collection",
			slog.String("collection_id", row.ID),
			slog.String("collection_key", row.CollectionKey),
			slog.String("payload_type", payload.GoType),
		)
	}

	if len(items) == 0 {
		result.Status = RowSkipped

		return result
	}

	result.Items = len(items)
	result.Chunks = (len(items) + imp.opts.BatchSize - 1) / imp.opts.BatchSize

	cursor := row.ImportCursor
	if cursor > len(items) {
		// A cursor beyond the sequence means the payload shrank between
		// runs; data is never mutated by the pipeline, so treat everything
		// as committed rather than inventing items.
		cursor = len(items)
	}

	result.Resumed = cursor > 0
	result.ChunksCommitted = cursor / imp.opts.BatchSize

	if imp.opts.DryRun {
		return imp.planRow(row, items, cursor, result)
	}

	if result.Resumed {
		imp.logger.Info("resuming from import cursor",
			slog.String("collection_id", row.ID),
			slog.Int("cursor", cursor),
			slog.Int("items", len(items)),
		)
	}

	for start := cursor; start < len(items); start += imp.opts.BatchSize {
		end := min(start+imp.opts.BatchSize, len(items))
		chunk := items[start:end]

		if err := imp.insertChunkWithRetry(ctx, row, chunk, start); err != nil {
			// Partial-failure policy: stop this row immediately, retain the
			// chunks already written, leave the row staged for a resumed
			// retry. Other rows continue.
			imp.logger.Error("chunk insert failed, leaving collection staged",
				slog.String("collection_id", row.ID),
				slog.String("collection_key", row.CollectionKey),
				slog.Int("chunk_start", start),
				slog.Int("chunks_committed", result.ChunksCommitted),
				slog.String("error", err.Error()),
			)

			result.Status = RowFailed
			result.Err = err

			return result
		}

		result.ChunksCommitted++

		imp.mirrorChunk(ctx, row, chunk, start)
	}

	importedAt, err := imp.store.MarkImported(ctx, row.ID)
	if err != nil {
		// Best-effort marking: the items are fully written but the row
		// stays staged. The retry re-runs the chunks idempotently.
		result.Status = RowFailed
		result.Err = fmt.Errorf("%w: %w", ErrMarkImportedFailed, err)

		return result
	}

	imp.logger.Info("collection imported",
		slog.String("collection_id", row.ID),
		slog.String("collection_key", row.CollectionKey),
		slog.Int("items", result.Items),
		slog.Int("chunks", result.Chunks),
		slog.Time("imported_at", importedAt),
	)

	if imp.opts.Events != nil {
		imp.opts.Events.CollectionImported(ctx, row.ID, row.CollectionKey, result.Items)
	}

	result.Status = RowImported

	return result
}

// planRow logs the dry-run preview: row counts and the first item of the
// first pending chunk.
func (imp *Importer) planRow(
	row *staging.StagedCollection,
	items []json.RawMessage,
	cursor int,
	result RowResult,
) RowResult {
	preview := ""
	if cursor < len(items) {
		preview = string(items[cursor])
	}

	imp.logger.Info("dry run: import plan",
		slog.String("collection_id", row.ID),
		slog.String("collection_key", row.CollectionKey),
		slog.Int("items", len(items)),
		slog.Int("chunks", result.Chunks),
		slog.Int("cursor", cursor),
		slog.String("first_pending_item", preview),
	)

	result.Status = RowPlanned

	return result
}

// insertChunkWithRetry inserts one chunk, retrying transient store errors
// with exponential backoff. Non-transient errors fail immediately.
func (imp *Importer) insertChunkWithRetry(
	ctx context.Context,
	row *staging.StagedCollection,
	chunk []json.RawMessage,
	startIndex int,
) error {
	operation := func() error {
		_, err := imp.store.InsertItemChunk(ctx, row, chunk, startIndex, imp.opts.Upsert)
		if err == nil {
			return nil
		}

		if imp.opts.Retryable == nil || !imp.opts.Retryable(err) {
			return backoff.Permanent(err)
		}

		imp.logger.Warn("transient chunk insert failure, retrying",
			slog.String("collection_id", row.ID),
			slog.Int("chunk_start", startIndex),
			slog.String("error", err.Error()),
		)

		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = defaultRetryInitialInterval

	return backoff.Retry(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, imp.opts.ChunkRetries), ctx),
	)
}

// mirrorChunk replicates a committed chunk into the secondary document
// store, when configured. Failures are logged and swallowed.
func (imp *Importer) mirrorChunk(
	ctx context.Context,
	row *staging.StagedCollection,
	chunk []json.RawMessage,
	startIndex int,
) {
	if imp.mirror == nil {
		return
	}

	if err := imp.mirror.MirrorItems(ctx, row.CollectionName, chunk, startIndex); err != nil {
		imp.logger.Warn("document mirror failed, continuing",
			slog.String("collection_id", row.ID),
			slog.String("collection_key", row.CollectionKey),
			slog.Int("chunk_start", startIndex),
			slog.String("error", err.Error()),
		)
	}
}
