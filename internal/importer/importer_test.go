package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargohold-io/cargohold/internal/staging"
)

// fakeStore is an in-memory importer.Store that records every write and can
// inject failures at a chosen chunk.
type fakeStore struct {
	rows  []*staging.StagedCollection
	items map[string]map[int]json.RawMessage // collection id → item index → item

	failAtIndex  int // chunk start index that fails, -1 disables
	failures     int // how many times the failing chunk errors before succeeding
	failWith     error
	markErr      error
	insertCalls  int
	markedIDs    []string
	listErr      error
	upsertSeen   bool
	lastListOnly string
}

func newFakeStore(rows ...*staging.StagedCollection) *fakeStore {
	return &fakeStore{
		rows:        rows,
		items:       make(map[string]map[int]json.RawMessage),
		failAtIndex: -1,
	}
}

func (f *fakeStore) ListPending(_ context.Context, onlyCollection string) ([]*staging.StagedCollection, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}

	f.lastListOnly = onlyCollection

	var pending []*staging.StagedCollection

	for _, row := range f.rows {
		if row.Status != staging.StatusStaged {
			continue
		}

		if onlyCollection != "" && row.CollectionKey != onlyCollection {
			continue
		}

		pending = append(pending, row)
	}

	return pending, nil
}

func (f *fakeStore) InsertItemChunk(
	_ context.Context,
	collection *staging.StagedCollection,
	chunk []json.RawMessage,
	startIndex int,
	upsert bool,
) (int, error) {
	f.insertCalls++
	f.upsertSeen = f.upsertSeen || upsert

	if startIndex == f.failAtIndex && f.failures > 0 {
		f.failures--

		err := f.failWith
		if err == nil {
			err = errors.New("injected chunk failure")
		}

		return 0, err
	}

	if f.items[collection.ID] == nil {
		f.items[collection.ID] = make(map[int]json.RawMessage)
	}

	inserted := 0

	for i, item := range chunk {
		index := startIndex + i
		if _, exists := f.items[collection.ID][index]; !exists {
			f.items[collection.ID][index] = item
			inserted++
		}
	}

	collection.ItemsCount += inserted
	if cursor := startIndex + len(chunk); cursor > collection.ImportCursor {
		collection.ImportCursor = cursor
	}

	return inserted, nil
}

func (f *fakeStore) MarkImported(_ context.Context, id string) (time.Time, error) {
	if f.markErr != nil {
		return time.Time{}, f.markErr
	}

	for _, row := range f.rows {
		if row.ID == id {
			if row.Status == staging.StatusImported {
				return time.Time{}, staging.ErrAlreadyImported
			}

			now := time.Now()
			row.Status = staging.StatusImported
			row.ImportedAt = &now
			f.markedIDs = append(f.markedIDs, id)

			return now, nil
		}
	}

	return time.Time{}, staging.ErrCollectionNotFound
}

func stagedRow(id, key string, data string) *staging.StagedCollection {
	return &staging.StagedCollection{
		ID:             id,
		CollectionKey:  key,
		CollectionName: key,
		Data:           json.RawMessage(data),
		Status:         staging.StatusStaged,
		MigratedAt:     time.Now(),
	}
}

func TestImporter_ImportsArrayWithBatchSizeOne(t *testing.T) {
	row := stagedRow("col-1", "users", `[{"email":"a@x.com"},{"email":"b@x.com"}]`)
	store := newFakeStore(row)

	imp, err := New(store, nil, Options{BatchSize: 1})
	require.NoError(t, err)

	report, err := imp.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Rows, 1)
	result := report.Rows[0]
	assert.Equal(t, RowImported, result.Status)
	assert.Equal(t, 2, result.Items)
	assert.Equal(t, 2, result.Chunks)
	assert.Equal(t, 2, result.ChunksCommitted)

	assert.Len(t, store.items["col-1"], 2)
	assert.Equal(t, 2, row.ItemsCount)
	assert.Equal(t, staging.StatusImported, row.Status)
	assert.NotNil(t, row.ImportedAt)
}

func TestImporter_ScalarPayloadImportsAsWrappedItem(t *testing.T) {
	row := stagedRow("col-flag", "flag", `true`)
	store := newFakeStore(row)

	imp, err := New(store, nil, Options{})
	require.NoError(t, err)

	report, err := imp.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, report.Imported())
	require.Len(t, store.items["col-flag"], 1)
	assert.JSONEq(t, `{"value":true,"type":"boolean"}`, string(store.items["col-flag"][0]))
	assert.Equal(t, 1, row.ItemsCount)
}

func TestImporter_NullPayloadIsSkippedAndStaysStaged(t *testing.T) {
	row := stagedRow("col-empty", "empty", `null`)
	store := newFakeStore(row)

	imp, err := New(store, nil, Options{})
	require.NoError(t, err)

	report, err := imp.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Rows, 1)
	assert.Equal(t, RowSkipped, report.Rows[0].Status)
	assert.Equal(t, staging.StatusStaged, row.Status)
	assert.Equal(t, 0, row.ItemsCount)
	assert.Empty(t, store.items)
	assert.Empty(t, store.markedIDs)
}

func TestImporter_UnsupportedPayloadIsSkipped(t *testing.T) {
	row := stagedRow("col-bad", "bad", `undefined`)
	store := newFakeStore(row)

	imp, err := New(store, nil, Options{})
	require.NoError(t, err)

	report, err := imp.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Rows, 1)
	assert.Equal(t, RowSkipped, report.Rows[0].Status)
	assert.Equal(t, staging.KindUnsupported, report.Rows[0].PayloadKind)
	assert.Equal(t, staging.StatusStaged, row.Status)
}

func TestImporter_PartialFailureRetainsEarlierChunks(t *testing.T) {
	// 6 items, batch size 2 → 3 chunks; the last chunk (start index 4) fails.
	row := stagedRow("col-p", "drivers", `[{"n":1},{"n":2},{"n":3},{"n":4},{"n":5},{"n":6}]`)
	store := newFakeStore(row)
	store.failAtIndex = 4
	store.failures = 1000 // never recovers within this run

	imp, err := New(store, nil, Options{BatchSize: 2})
	require.NoError(t, err)

	report, err := imp.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Rows, 1)
	result := report.Rows[0]
	assert.Equal(t, RowFailed, result.Status)
	require.Error(t, result.Err)
	assert.Equal(t, 3, result.Chunks)
	assert.Equal(t, 2, result.ChunksCommitted)

	// Exactly 2 chunks' worth of items present, row left staged.
	assert.Len(t, store.items["col-p"], 4)
	assert.Equal(t, 4, row.ItemsCount)
	assert.Equal(t, staging.StatusStaged, row.Status)
	assert.Empty(t, store.markedIDs)
}

func TestImporter_ResumesFromCursorWithoutDuplicates(t *testing.T) {
	row := stagedRow("col-p", "drivers", `[{"n":1},{"n":2},{"n":3},{"n":4},{"n":5},{"n":6}]`)
	store := newFakeStore(row)
	store.failAtIndex = 4
	store.failures = 1

	imp, err := New(store, nil, Options{BatchSize: 2})
	require.NoError(t, err)

	// First run fails on the last chunk.
	report, err := imp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed())
	require.Equal(t, 4, row.ImportCursor)

	callsAfterFirstRun := store.insertCalls

	// Second run resumes from the cursor: only the failed chunk is retried.
	report, err = imp.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Rows, 1)
	result := report.Rows[0]
	assert.Equal(t, RowImported, result.Status)
	assert.True(t, result.Resumed)
	assert.Equal(t, 1, store.insertCalls-callsAfterFirstRun)

	assert.Len(t, store.items["col-p"], 6)
	assert.Equal(t, 6, row.ItemsCount)
	assert.Equal(t, staging.StatusImported, row.Status)
}

func TestImporter_DryRunPerformsNoWrites(t *testing.T) {
	row := stagedRow("col-1", "users", `[{"email":"a@x.com"},{"email":"b@x.com"}]`)
	store := newFakeStore(row)

	imp, err := New(store, nil, Options{BatchSize: 1, DryRun: true})
	require.NoError(t, err)

	report, err := imp.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Rows, 1)
	assert.Equal(t, RowPlanned, report.Rows[0].Status)
	assert.Equal(t, 2, report.Rows[0].Chunks)
	assert.Zero(t, store.insertCalls)
	assert.Empty(t, store.markedIDs)
	assert.Equal(t, staging.StatusStaged, row.Status)
}

func TestImporter_MarkImportedFailureLeavesRowStaged(t *testing.T) {
	row := stagedRow("col-1", "users", `[{"email":"a@x.com"}]`)
	store := newFakeStore(row)
	store.markErr = errors.New("network blip")

	imp, err := New(store, nil, Options{})
	require.NoError(t, err)

	report, err := imp.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Rows, 1)
	result := report.Rows[0]
	assert.Equal(t, RowFailed, result.Status)
	assert.ErrorIs(t, result.Err, ErrMarkImportedFailed)

	// Items are fully written; only the status flip failed.
	assert.Len(t, store.items["col-1"], 1)
	assert.Equal(t, staging.StatusStaged, row.Status)
}

func TestImporter_RowFailureDoesNotAbortOtherRows(t *testing.T) {
	bad := stagedRow("col-bad", "companies", `[{"n":1},{"n":2}]`)
	good := stagedRow("col-good", "users", `[{"email":"a@x.com"}]`)
	store := newFakeStore(bad, good)
	store.failAtIndex = 0
	store.failures = 1 // fails col-bad's only chunk, then recovers for col-good

	imp, err := New(store, nil, Options{})
	require.NoError(t, err)

	report, err := imp.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Rows, 2)
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 1, report.Imported())
	assert.Equal(t, staging.StatusImported, good.Status)
	assert.Equal(t, staging.StatusStaged, bad.Status)
}

func TestImporter_TransientErrorsAreRetried(t *testing.T) {
	row := stagedRow("col-1", "users", `[{"email":"a@x.com"}]`)
	store := newFakeStore(row)
	store.failAtIndex = 0
	store.failures = 2
	store.failWith = fmt.Errorf("connection reset: %w", errors.New("transient"))

	imp, err := New(store, nil, Options{
		ChunkRetries: 3,
		Retryable:    func(error) bool { return true },
	})
	require.NoError(t, err)

	report, err := imp.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Imported())
	assert.Equal(t, 3, store.insertCalls) // 2 failures + 1 success
}

func TestImporter_NonRetryableErrorFailsImmediately(t *testing.T) {
	row := stagedRow("col-1", "users", `[{"email":"a@x.com"}]`)
	store := newFakeStore(row)
	store.failAtIndex = 0
	store.failures = 1000

	imp, err := New(store, nil, Options{
		ChunkRetries: 5,
		Retryable:    func(error) bool { return false },
	})
	require.NoError(t, err)

	report, err := imp.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 1, store.insertCalls)
}

func TestImporter_OnlyCollectionFilterIsForwarded(t *testing.T) {
	users := stagedRow("col-1", "users", `[{"email":"a@x.com"}]`)
	companies := stagedRow("col-2", "companies", `[{"name":"Haul-It"}]`)
	store := newFakeStore(users, companies)

	imp, err := New(store, nil, Options{OnlyCollection: "users"})
	require.NoError(t, err)

	report, err := imp.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "users", store.lastListOnly)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, "users", report.Rows[0].CollectionKey)
	assert.Equal(t, staging.StatusStaged, companies.Status)
}

func TestImporter_UpsertModeIsForwardedToStore(t *testing.T) {
	row := stagedRow("col-1", "users", `[{"email":"a@x.com"}]`)
	store := newFakeStore(row)

	imp, err := New(store, nil, Options{Upsert: true})
	require.NoError(t, err)

	_, err = imp.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, store.upsertSeen)
}

func TestImporter_ListFailureIsFatal(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("database gone")

	imp, err := New(store, nil, Options{})
	require.NoError(t, err)

	_, err = imp.Run(context.Background())
	require.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, Options{})
	assert.ErrorIs(t, err, ErrNilStore)

	_, err = New(newFakeStore(), nil, Options{BatchSize: -1})
	assert.ErrorIs(t, err, ErrInvalidBatchSize)

	imp, err := New(newFakeStore(), nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, imp.opts.BatchSize)
}

// fakeEvents records import-completion notifications.
type fakeEvents struct {
	imported []importedEvent
}

type importedEvent struct {
	collectionID  string
	collectionKey string
	itemsCount    int
}

func (f *fakeEvents) CollectionImported(_ context.Context, collectionID, collectionKey string, itemsCount int) {
	f.imported = append(f.imported, importedEvent{collectionID, collectionKey, itemsCount})
}

func TestImporter_NotifiesEventsAfterSuccessfulImport(t *testing.T) {
	row := stagedRow("col-1", "users", `[{"email":"a@x.com"},{"email":"b@x.com"}]`)
	store := newFakeStore(row)
	sink := &fakeEvents{}

	imp, err := New(store, nil, Options{BatchSize: 1, Events: sink})
	require.NoError(t, err)

	_, err = imp.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, sink.imported, 1)
	assert.Equal(t, importedEvent{"col-1", "users", 2}, sink.imported[0])
	// Notification only after the row is marked imported.
	assert.Equal(t, []string{"col-1"}, store.markedIDs)
}

func TestImporter_NoEventForFailedOrSkippedRows(t *testing.T) {
	failing := stagedRow("col-f", "drivers", `[{"n":1},{"n":2}]`)
	skipped := stagedRow("col-s", "empty", `null`)
	store := newFakeStore(failing, skipped)
	store.failAtIndex = 0
	store.failures = 1000
	sink := &fakeEvents{}

	imp, err := New(store, nil, Options{Events: sink})
	require.NoError(t, err)

	report, err := imp.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 1, report.Skipped())
	assert.Empty(t, sink.imported)
}

func TestImporter_DryRunPublishesNothing(t *testing.T) {
	row := stagedRow("col-1", "users", `[{"email":"a@x.com"}]`)
	store := newFakeStore(row)
	sink := &fakeEvents{}

	imp, err := New(store, nil, Options{DryRun: true, Events: sink})
	require.NoError(t, err)

	report, err := imp.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Rows, 1)
	assert.Equal(t, RowPlanned, report.Rows[0].Status)
	assert.Empty(t, sink.imported)
}
