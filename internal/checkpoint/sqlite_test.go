package checkpoint

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	cp := newTestCheckpoint("sess-1")
	cp.Context.WorkflowEnv["FOO"] = "bar"

	require.NoError(t, store.Save(ctx, cp))
	assert.NotEmpty(t, cp.IntegrityHash)

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, cp.SessionID, loaded.SessionID)
	assert.Equal(t, cp.CompletedStepIndex, loaded.CompletedStepIndex)
	assert.Equal(t, "bar", loaded.Context.WorkflowEnv["FOO"])
	assert.Equal(t, cp.IntegrityHash, loaded.IntegrityHash)
}

func TestSQLiteStoreSaveUpsertsExistingSession(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	cp := newTestCheckpoint("sess-upsert")
	require.NoError(t, store.Save(ctx, cp))

	cp.CompletedStepIndex = 9
	require.NoError(t, store.Save(ctx, cp))

	loaded, err := store.Load(ctx, "sess-upsert")
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.CompletedStepIndex)
}

func TestSQLiteStoreLoadNonExistentIsSessionNotFound(t *testing.T) {
	store := newTestSQLiteStore(t)
	_, err := store.Load(context.Background(), "missing")
	require.Error(t, err)
	var de *core.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, core.CodeSessionNotFound, de.Code)
}

func TestSQLiteStoreCompressesLargeCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t, WithCompressionThreshold(64))
	cp := newTestCheckpoint("sess-big")
	cp.Context.WorkflowEnv["blob"] = strings.Repeat("x", 4096)

	require.NoError(t, store.Save(ctx, cp))
	require.NotNil(t, cp.Compression)
	assert.Equal(t, "gzip", cp.Compression.Algorithm)
	assert.Less(t, cp.Compression.CompressedSize, cp.Compression.OriginalSize)

	loaded, err := store.Load(ctx, "sess-big")
	require.NoError(t, err)
	assert.Equal(t, cp.Context.WorkflowEnv["blob"], loaded.Context.WorkflowEnv["blob"])
}

func TestSQLiteStoreRejectsOversizedCheckpoint(t *testing.T) {
	store := newTestSQLiteStore(t, WithMaxBytes(128))
	cp := newTestCheckpoint("sess-huge")
	cp.Context.WorkflowEnv["blob"] = strings.Repeat("x", 4096)

	err := store.Save(context.Background(), cp)
	require.Error(t, err)
	var de *core.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, core.CodeCheckpointTooLarge, de.Code)
}

func TestSQLiteStoreExistsAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	cp := newTestCheckpoint("sess-del")
	require.NoError(t, store.Save(ctx, cp))

	exists, err := store.Exists(ctx, "sess-del")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, "sess-del"))

	exists, err = store.Exists(ctx, "sess-del")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSQLiteStoreListOrdersByMostRecentlyUpdated(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	older := newTestCheckpoint("sess-older")
	require.NoError(t, store.Save(ctx, older))
	time.Sleep(5 * time.Millisecond)
	newer := newTestCheckpoint("sess-newer")
	require.NoError(t, store.Save(ctx, newer))

	summaries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "sess-newer", summaries[0].SessionID)
	assert.Equal(t, "sess-older", summaries[1].SessionID)
}

func TestSQLiteStoreSessionLockLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	require.NoError(t, store.AcquireSessionLock(ctx, "sess-lock"))
	err := store.AcquireSessionLock(ctx, "sess-lock")
	require.Error(t, err)
	var de *core.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, core.CodeLockHeld, de.Code)

	require.NoError(t, store.ReleaseSessionLock(ctx, "sess-lock"))
	require.NoError(t, store.AcquireSessionLock(ctx, "sess-lock"))
}

func TestSQLiteStoreReleaseSessionLockIdempotent(t *testing.T) {
	store := newTestSQLiteStore(t)
	require.NoError(t, store.ReleaseSessionLock(context.Background(), "never-locked"))
}

func TestSQLiteStoreStaleLockIsReclaimed(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t, WithLockTTL(time.Millisecond))

	_, err := store.db.ExecContext(ctx,
		`INSERT INTO session_locks (session_id, pid, hostname, acquired_at) VALUES (?, ?, ?, ?)`,
		"sess-stale", 999999999, "h", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	require.NoError(t, store.AcquireSessionLock(ctx, "sess-stale"))
}
