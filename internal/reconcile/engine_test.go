package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargohold-io/cargohold/internal/staging"
)

type fakeReconcileStore struct {
	total   int
	missing int
	sample  []staging.MissingRow
	scanErr error

	snapshots []*staging.AuditSnapshot
	saveErr   error

	mismatches []staging.Mismatch
	orphans    []*staging.Item

	renormalized int
	synced       int
	cleaned      int
	cleanupMode  OrphanMode
}

func (f *fakeReconcileStore) AuditScan(context.Context) (int, int, []staging.MissingRow, error) {
	return f.total, f.missing, f.sample, f.scanErr
}

func (f *fakeReconcileStore) SaveAuditSnapshot(_ context.Context, snapshot *staging.AuditSnapshot) error {
	if f.saveErr != nil {
		return f.saveErr
	}

	snapshot.ID = "snap-1"
	snapshot.CheckedAt = time.Now()
	f.snapshots = append(f.snapshots, snapshot)

	return nil
}

func (f *fakeReconcileStore) ConsistencyMismatches(context.Context) ([]staging.Mismatch, error) {
	return f.mismatches, nil
}

func (f *fakeReconcileStore) FindOrphans(context.Context) ([]*staging.Item, error) {
	return f.orphans, nil
}

func (f *fakeReconcileStore) RenormalizeCounts(context.Context) (int, error) {
	return f.renormalized, nil
}

func (f *fakeReconcileStore) SyncCollectionNames(context.Context) (int, error) {
	return f.synced, nil
}

func (f *fakeReconcileStore) CleanupOrphans(_ context.Context, mode OrphanMode) (int, error) {
	f.cleanupMode = mode

	return f.cleaned, nil
}

func TestEngine_RunAudit_CleanState(t *testing.T) {
	store := &fakeReconcileStore{total: 42}
	engine, err := NewEngine(store)
	require.NoError(t, err)

	snapshot, err := engine.RunAudit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "snap-1", snapshot.ID)
	assert.Equal(t, 42, snapshot.TotalRows)
	assert.Zero(t, snapshot.MissingCount)
	assert.Empty(t, snapshot.MissingSample)
	assert.Equal(t, "OK", snapshot.Notes)

	// A snapshot is persisted even when nothing is missing.
	require.Len(t, store.snapshots, 1)
}

func TestEngine_RunAudit_MissingNames(t *testing.T) {
	store := &fakeReconcileStore{
		total:   10,
		missing: 3,
		sample: []staging.MissingRow{
			{ID: "a", CollectionKey: "users", MigratedAt: time.Now()},
			{ID: "b", CollectionKey: "trucks", MigratedAt: time.Now()},
		},
	}
	engine, err := NewEngine(store)
	require.NoError(t, err)

	snapshot, err := engine.RunAudit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, snapshot.MissingCount)
	assert.Len(t, snapshot.MissingSample, 2)
	assert.Contains(t, snapshot.Notes, "3 of 10")
}

func TestEngine_RunAudit_Errors(t *testing.T) {
	engine, err := NewEngine(&fakeReconcileStore{scanErr: errors.New("scan broke")})
	require.NoError(t, err)

	_, err = engine.RunAudit(context.Background())
	assert.ErrorContains(t, err, "scan broke")

	engine, err = NewEngine(&fakeReconcileStore{saveErr: errors.New("save broke")})
	require.NoError(t, err)

	_, err = engine.RunAudit(context.Background())
	assert.ErrorContains(t, err, "save broke")
}

func TestEngine_RunConsistencyCheck(t *testing.T) {
	store := &fakeReconcileStore{
		mismatches: []staging.Mismatch{
			{CollectionID: "c1", CollectionKey: "users", CachedCount: 10, LiveCount: 7},
			{CollectionID: "c2", CollectionKey: "trucks", CachedCount: 5, LiveCount: 6},
		},
	}
	engine, err := NewEngine(store)
	require.NoError(t, err)

	mismatches, err := engine.RunConsistencyCheck(context.Background())
	require.NoError(t, err)

	require.Len(t, mismatches, 2)
	assert.Equal(t, 3, mismatches[0].AbsDiff())
	assert.Equal(t, 3, mismatches[0].Diff())
}

func TestEngine_CleanupOrphans_ValidatesMode(t *testing.T) {
	store := &fakeReconcileStore{cleaned: 4}
	engine, err := NewEngine(store)
	require.NoError(t, err)

	_, err = engine.CleanupOrphans(context.Background(), OrphanMode("purge"))
	assert.ErrorIs(t, err, ErrUnknownOrphanMode)
	assert.Empty(t, store.cleanupMode)

	affected, err := engine.CleanupOrphans(context.Background(), OrphanRelabel)
	require.NoError(t, err)
	assert.Equal(t, 4, affected)
	assert.Equal(t, OrphanRelabel, store.cleanupMode)
}

func TestParseOrphanMode(t *testing.T) {
	tests := []struct {
		raw     string
		want    OrphanMode
		wantErr bool
	}{
		{raw: "nullify", want: OrphanNullify},
		{raw: "relabel", want: OrphanRelabel},
		{raw: "delete", want: OrphanDelete},
		{raw: "", wantErr: true},
		{raw: "DELETE", wantErr: true},
	}

	for _, tc := range tests {
		t.Run("mode "+tc.raw, func(t *testing.T) {
			mode, err := ParseOrphanMode(tc.raw)

			if tc.wantErr {
				assert.ErrorIs(t, err, ErrUnknownOrphanMode)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, mode)
		})
	}
}

func TestNewEngine_NilStore(t *testing.T) {
	_, err := NewEngine(nil)
	assert.ErrorIs(t, err, ErrNilStore)
}
