package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCheckpoint(sessionID string) *core.Checkpoint {
	return &core.Checkpoint{
		Version:            core.CurrentCheckpointVersion,
		SessionID:          sessionID,
		WorkflowHash:       "wf-hash-abc",
		Phase:              core.PhaseMap,
		CompletedStepIndex: 2,
		Context:            core.NewExecutionContext(),
		Status:             core.StatusRunning,
		CreatedAt:          time.Now(),
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t.TempDir())
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

func TestStoreLoadNonExistentIsSessionNotFound(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Load(context.Background(), "missing")
	require.Error(t, err)
	var de *core.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, core.CodeSessionNotFound, de.Code)
}

func TestStoreDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewStore(dir)
	cp := newTestCheckpoint("sess-corrupt")
	require.NoError(t, store.Save(ctx, cp))

	path := filepath.Join(dir, "sessions", "sess-corrupt.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var record fileRecord
	require.NoError(t, json.Unmarshal(data, &record))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(record.Body, &raw))
	raw["completed_step_index"] = 9999
	record.Body, err = json.Marshal(raw)
	require.NoError(t, err)

	corrupted, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, corrupted, 0o600))

	_, err = store.Load(ctx, "sess-corrupt")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInternal))
}

func TestStoreCompressesLargeCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t.TempDir(), WithCompressionThreshold(64))
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

func TestStoreRejectsOversizedCheckpoint(t *testing.T) {
	store := NewStore(t.TempDir(), WithMaxBytes(128))
	cp := newTestCheckpoint("sess-huge")
	cp.Context.WorkflowEnv["blob"] = strings.Repeat("x", 4096)

	err := store.Save(context.Background(), cp)
	require.Error(t, err)
	var de *core.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, core.CodeCheckpointTooLarge, de.Code)
}

func TestStoreExistsAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t.TempDir())
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

func TestStoreListOrdersByMostRecentlyUpdated(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t.TempDir())

	older := newTestCheckpoint("sess-older")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := newTestCheckpoint("sess-newer")
	newer.CreatedAt = time.Now()

	require.NoError(t, store.Save(ctx, older))
	require.NoError(t, store.Save(ctx, newer))

	summaries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "sess-newer", summaries[0].SessionID)
	assert.Equal(t, "sess-older", summaries[1].SessionID)
}

func TestStoreSessionLockLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t.TempDir())

	require.NoError(t, store.AcquireSessionLock(ctx, "sess-lock"))

	lockPath := filepath.Join(store.sessionsDir, "sess-lock.lock")
	_, err := os.Stat(lockPath)
	require.NoError(t, err)

	require.NoError(t, store.ReleaseSessionLock(ctx, "sess-lock"))
	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestStoreReleaseSessionLockIdempotent(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.ReleaseSessionLock(context.Background(), "never-locked"))
}

func TestStoreStaleLockIsReclaimed(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t.TempDir(), WithLockTTL(time.Millisecond))
	require.NoError(t, os.MkdirAll(store.sessionsDir, 0o750))

	stale := lockInfo{PID: 999999999, Hostname: "h", AcquiredAt: time.Now().Add(-time.Hour)}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.lockPath("sess-stale"), data, 0o600))

	require.NoError(t, store.AcquireSessionLock(ctx, "sess-stale"))
}
