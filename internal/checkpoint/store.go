// Package checkpoint implements the durable checkpoint store (§4.5, §9):
// atomic temp-file-then-rename writes, a sha256 integrity hash covering
// the serialized record with the hash field itself blanked, gzip
// compression above a size threshold, and PID-based session locking.
//
// Grounded on the donor's internal/adapters/state/json.go (envelope +
// checksum shape, atomicWriteFile, AcquireLock/ReleaseLock/processExists)
// and internal/adapters/state/factory.go (backend selection by string).
// google/renameio/v2 is reused verbatim for the atomic write; compression
// uses compress/gzip from the standard library, since neither the donor
// nor the rest of the retrieved pack imports a third-party compression
// library for this concern (documented in the top-level grounding
// ledger).
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/fsutil"
)

// DefaultCompressionThreshold is the serialized-body size above which
// Save compresses the checkpoint body (§4.5).
const DefaultCompressionThreshold = 64 * 1024

// DefaultMaxCheckpointBytes bounds the on-disk size of a single
// checkpoint; Save refuses to write a body larger than this, per the
// resume algorithm's requirement that a checkpoint never grows without
// bound across a long-running map phase.
const DefaultMaxCheckpointBytes = 64 * 1024 * 1024

// Store implements core.CheckpointStore with one JSON file per session
// under baseDir/sessions.
type Store struct {
	baseDir     string
	sessionsDir string
	lockTTL     time.Duration

	compressionThreshold int
	maxBytes             int
}

// Option configures a Store.
type Option func(*Store)

// WithLockTTL overrides the stale-lock TTL (default one hour).
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Store) { s.lockTTL = ttl }
}

// WithCompressionThreshold overrides DefaultCompressionThreshold.
func WithCompressionThreshold(n int) Option {
	return func(s *Store) { s.compressionThreshold = n }
}

// WithMaxBytes overrides DefaultMaxCheckpointBytes.
func WithMaxBytes(n int) Option {
	return func(s *Store) { s.maxBytes = n }
}

// NewStore creates a Store rooted at baseDir (typically
// ".prodigy/checkpoints").
func NewStore(baseDir string, opts ...Option) *Store {
	s := &Store{
		baseDir:              baseDir,
		sessionsDir:          filepath.Join(baseDir, "sessions"),
		lockTTL:              time.Hour,
		compressionThreshold: DefaultCompressionThreshold,
		maxBytes:             DefaultMaxCheckpointBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.sessionsDir, id+".json")
}

func (s *Store) lockPath(id string) string {
	return filepath.Join(s.sessionsDir, id+".lock")
}

// fileRecord is the on-disk envelope: the checkpoint body, optionally
// gzip-compressed, alongside the metadata needed to decompress and
// verify it before core.Checkpoint is reconstructed.
type fileRecord struct {
	Compressed  bool                  `json:"compressed"`
	Compression *core.CompressionMeta `json:"compression,omitempty"`
	Body        []byte                `json:"body"`
}

// encodeCheckpointBody computes cp's integrity hash over the serialized
// checkpoint with IntegrityHash blanked (invariant 6), compresses the
// body when it exceeds threshold, and populates cp.IntegrityHash and
// cp.Compression as a side effect. Shared by Store and SQLiteStore so
// both backends use the identical envelope.
func encodeCheckpointBody(cp *core.Checkpoint, threshold, maxBytes int) (body []byte, compressed bool, err error) {
	clone := cp.Clone()
	clone.IntegrityHash = ""
	clone.Compression = nil

	blanked, err := json.Marshal(clone)
	if err != nil {
		return nil, false, core.ErrInternal("CHECKPOINT_MARSHAL", "marshaling checkpoint").WithCause(err)
	}

	hash := sha256.Sum256(blanked)
	clone.IntegrityHash = hex.EncodeToString(hash[:])

	// Re-marshal with IntegrityHash populated: this is the form Load will
	// reconstruct cp from, so the hash must verify against a body that,
	// once parsed back, yields the very same IntegrityHash string.
	withHash, err := json.Marshal(clone)
	if err != nil {
		return nil, false, core.ErrInternal("CHECKPOINT_MARSHAL", "marshaling checkpoint with hash").WithCause(err)
	}

	finalBody := withHash
	if len(withHash) > threshold {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(withHash); err != nil {
			return nil, false, core.ErrInternal("CHECKPOINT_COMPRESS", "compressing checkpoint").WithCause(err)
		}
		if err := gw.Close(); err != nil {
			return nil, false, core.ErrInternal("CHECKPOINT_COMPRESS", "closing compressor").WithCause(err)
		}
		// Only keep the compressed form if it saves at least 10%; an
		// already-dense or incompressible body (binary capture output,
		// prior gzip) is stored uncompressed rather than paying the
		// decompression cost for no space benefit (§9).
		if buf.Len() <= len(withHash)-len(withHash)/10 {
			clone.Compression = &core.CompressionMeta{
				Algorithm:      "gzip",
				OriginalSize:   len(withHash),
				CompressedSize: buf.Len(),
			}
			compressed = true
			// Compression metadata was added after the hash body was sealed,
			// so it travels out-of-band in fileRecord rather than inside the
			// compressed payload; decodeCheckpointBody reattaches it after
			// decompression.
			finalBody = buf.Bytes()
		}
	}

	if len(finalBody) > maxBytes {
		return nil, false, core.ErrValidationFailed(core.CodeCheckpointTooLarge,
			fmt.Sprintf("checkpoint for session %s is %d bytes, exceeds max %d", cp.SessionID, len(finalBody), maxBytes))
	}

	cp.IntegrityHash = clone.IntegrityHash
	cp.Compression = clone.Compression
	return finalBody, compressed, nil
}

// decodeCheckpointBody reverses encodeCheckpointBody: decompresses if
// needed, verifies the integrity hash, and rejects a mismatch as
// checkpoint corruption.
func decodeCheckpointBody(sessionID string, record fileRecord) (*core.Checkpoint, error) {
	body := record.Body
	if record.Compressed {
		gr, err := gzip.NewReader(bytes.NewReader(record.Body))
		if err != nil {
			return nil, core.ErrInternal(core.CodeCheckpointCorrupt, "opening compressed checkpoint").WithCause(err)
		}
		defer gr.Close()
		body, err = io.ReadAll(gr)
		if err != nil {
			return nil, core.ErrInternal(core.CodeCheckpointCorrupt, "decompressing checkpoint").WithCause(err)
		}
	}

	var cp core.Checkpoint
	if err := json.Unmarshal(body, &cp); err != nil {
		return nil, core.ErrInternal(core.CodeCheckpointCorrupt, "parsing checkpoint body").WithCause(err)
	}

	claimedHash := cp.IntegrityHash
	cp.IntegrityHash = ""
	cp.Compression = nil

	verifyBytes, err := json.Marshal(&cp)
	if err != nil {
		return nil, core.ErrInternal("CHECKPOINT_MARSHAL", "re-marshaling checkpoint for verification").WithCause(err)
	}
	hash := sha256.Sum256(verifyBytes)
	if hex.EncodeToString(hash[:]) != claimedHash {
		return nil, core.ErrInternal(core.CodeCheckpointCorrupt,
			fmt.Sprintf("integrity hash mismatch for session %s", sessionID))
	}

	cp.IntegrityHash = claimedHash
	cp.Compression = record.Compression
	return &cp, nil
}

// Save writes cp atomically using the shared checkpoint envelope.
func (s *Store) Save(_ context.Context, cp *core.Checkpoint) error {
	if err := os.MkdirAll(s.sessionsDir, 0o750); err != nil {
		return core.ErrInternal("CHECKPOINT_MKDIR", "creating checkpoint directory").WithCause(err)
	}

	body, compressed, err := encodeCheckpointBody(cp, s.compressionThreshold, s.maxBytes)
	if err != nil {
		return err
	}

	record := fileRecord{Compressed: compressed, Compression: cp.Compression, Body: body}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return core.ErrInternal("CHECKPOINT_MARSHAL", "marshaling checkpoint record").WithCause(err)
	}

	if err := renameio.WriteFile(s.sessionPath(cp.SessionID), recordBytes, 0o600); err != nil {
		return core.ErrInternal("CHECKPOINT_WRITE", "writing checkpoint file").WithCause(err)
	}
	return nil
}

// Load reads and verifies the checkpoint for sessionID using the shared
// checkpoint envelope.
func (s *Store) Load(_ context.Context, sessionID string) (*core.Checkpoint, error) {
	data, err := fsutil.ReadFileScoped(s.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrValidationFailed(core.CodeSessionNotFound, "no checkpoint for session "+sessionID)
		}
		return nil, core.ErrInternal("CHECKPOINT_READ", "reading checkpoint file").WithCause(err)
	}

	var record fileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, core.ErrInternal(core.CodeCheckpointCorrupt, "parsing checkpoint record").WithCause(err)
	}

	return decodeCheckpointBody(sessionID, record)
}

// Exists reports whether a checkpoint file exists for sessionID.
func (s *Store) Exists(_ context.Context, sessionID string) (bool, error) {
	_, err := os.Stat(s.sessionPath(sessionID))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, core.ErrInternal("CHECKPOINT_STAT", "statting checkpoint file").WithCause(err)
}

// List returns a summary of every stored session, most recently updated
// first.
func (s *Store) List(ctx context.Context) ([]core.SessionSummary, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.ErrInternal("CHECKPOINT_LIST", "reading checkpoint directory").WithCause(err)
	}

	var summaries []core.SessionSummary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		cp, err := s.Load(ctx, id)
		if err != nil {
			continue // skip corrupted entries rather than failing the whole listing
		}
		summaries = append(summaries, core.SessionSummary{
			SessionID:    cp.SessionID,
			WorkflowName: cp.WorkflowHash,
			Status:       cp.Status,
			Phase:        cp.Phase,
			UpdatedAt:    cp.CreatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt) })
	return summaries, nil
}

// Delete removes the checkpoint for sessionID, if any.
func (s *Store) Delete(_ context.Context, sessionID string) error {
	err := os.Remove(s.sessionPath(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return core.ErrInternal("CHECKPOINT_DELETE", "removing checkpoint file").WithCause(err)
	}
	return nil
}

// lockInfo is the on-disk shape of a session lock file.
type lockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// AcquireSessionLock takes an exclusive, PID-stamped lock on sessionID,
// reclaiming it if the prior holder's process no longer exists or the
// lock has exceeded its TTL.
func (s *Store) AcquireSessionLock(_ context.Context, sessionID string) error {
	if err := os.MkdirAll(s.sessionsDir, 0o750); err != nil {
		return core.ErrInternal("CHECKPOINT_MKDIR", "creating checkpoint directory").WithCause(err)
	}

	lockPath := s.lockPath(sessionID)

	if data, err := fsutil.ReadFileScoped(lockPath); err == nil {
		var info lockInfo
		if err := json.Unmarshal(data, &info); err == nil {
			if time.Since(info.AcquiredAt) < s.lockTTL && processExists(info.PID) {
				return core.ErrValidationFailed(core.CodeLockHeld,
					fmt.Sprintf("session %s locked by PID %d since %s", sessionID, info.PID, info.AcquiredAt))
			}
			if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
				return core.ErrInternal("CHECKPOINT_LOCK_REMOVE", "removing stale lock").WithCause(err)
			}
		}
	} else if !os.IsNotExist(err) {
		return core.ErrInternal("CHECKPOINT_LOCK_READ", "reading lock file").WithCause(err)
	}

	hostname, _ := os.Hostname()
	info := lockInfo{PID: os.Getpid(), Hostname: hostname, AcquiredAt: time.Now()}
	data, err := json.Marshal(info)
	if err != nil {
		return core.ErrInternal("CHECKPOINT_MARSHAL", "marshaling lock info").WithCause(err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return core.ErrValidationFailed(core.CodeLockHeld, "lock file created by another process")
		}
		return core.ErrInternal("CHECKPOINT_LOCK_CREATE", "creating lock file").WithCause(err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(lockPath)
		return core.ErrInternal("CHECKPOINT_LOCK_WRITE", "writing lock file").WithCause(err)
	}
	return nil
}

// ReleaseSessionLock releases a lock previously acquired by this
// process, a no-op if already released.
func (s *Store) ReleaseSessionLock(_ context.Context, sessionID string) error {
	lockPath := s.lockPath(sessionID)
	data, err := fsutil.ReadFileScoped(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return core.ErrInternal("CHECKPOINT_LOCK_READ", "reading lock file").WithCause(err)
	}

	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return core.ErrInternal("CHECKPOINT_LOCK_PARSE", "parsing lock info").WithCause(err)
	}
	if info.PID != os.Getpid() {
		return core.ErrValidationFailed(core.CodeLockHeld, "lock owned by a different process")
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return core.ErrInternal("CHECKPOINT_LOCK_REMOVE", "removing lock file").WithCause(err)
	}
	return nil
}

// processExists reports whether pid refers to a live process.
func processExists(pid int) bool {
	if runtime.GOOS == "windows" && pid == os.Getpid() {
		return true
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

var _ core.CheckpointStore = (*Store)(nil)
