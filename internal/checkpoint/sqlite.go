package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// SQLiteStore implements core.CheckpointStore atop a local SQLite
// database, for deployments that want queryable checkpoint history
// instead of one file per session.
//
// Grounded on the donor's internal/adapters/state/sqlite.go: WAL mode,
// busy_timeout, and a single-writer connection pool (SQLite allows only
// one writer), reusing modernc.org/sqlite (the donor's pure-Go driver,
// avoiding a cgo dependency). Schema is inlined rather than loaded via
// go:embed migration files, since this store has two tables (checkpoints
// and session_locks) and no migration history yet.
type SQLiteStore struct {
	dbPath string
	db     *sql.DB
	mu     sync.Mutex

	lockTTL              time.Duration
	compressionThreshold int
	maxBytes             int
}

// NewSQLiteStore opens (creating if needed) a checkpoint database at
// dbPath.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, core.ErrInternal("CHECKPOINT_MKDIR", "creating checkpoint directory").WithCause(err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, core.ErrInternal("CHECKPOINT_DB_OPEN", "opening checkpoint database").WithCause(err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		dbPath:               dbPath,
		db:                   db,
		lockTTL:              time.Hour,
		compressionThreshold: DefaultCompressionThreshold,
		maxBytes:             DefaultMaxCheckpointBytes,
	}
	// Options target the shared shape between Store and SQLiteStore; a
	// throwaway Store lets WithLockTTL/WithCompressionThreshold/WithMaxBytes
	// be reused without duplicating the functional-options plumbing.
	cfg := &Store{lockTTL: s.lockTTL, compressionThreshold: s.compressionThreshold, maxBytes: s.maxBytes}
	for _, opt := range opts {
		opt(cfg)
	}
	s.lockTTL, s.compressionThreshold, s.maxBytes = cfg.lockTTL, cfg.compressionThreshold, cfg.maxBytes

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id    TEXT PRIMARY KEY,
	workflow_hash TEXT NOT NULL,
	phase         TEXT NOT NULL,
	status        TEXT NOT NULL,
	compressed    INTEGER NOT NULL,
	body          BLOB NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS session_locks (
	session_id  TEXT PRIMARY KEY,
	pid         INTEGER NOT NULL,
	hostname    TEXT NOT NULL,
	acquired_at TIMESTAMP NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return core.ErrInternal("CHECKPOINT_MIGRATE", "creating checkpoint schema").WithCause(err)
	}
	return nil
}

// Save implements core.CheckpointStore using the same envelope shape as
// Store (sha256 hash over the blanked-hash body, gzip above threshold).
func (s *SQLiteStore) Save(ctx context.Context, cp *core.Checkpoint) error {
	body, compressed, err := encodeCheckpointBody(cp, s.compressionThreshold, s.maxBytes)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, workflow_hash, phase, status, compressed, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			workflow_hash=excluded.workflow_hash, phase=excluded.phase, status=excluded.status,
			compressed=excluded.compressed, body=excluded.body, updated_at=excluded.updated_at`,
		cp.SessionID, cp.WorkflowHash, string(cp.Phase), string(cp.Status), compressed, body, time.Now())
	if err != nil {
		return core.ErrInternal("CHECKPOINT_WRITE", "writing checkpoint row").WithCause(err)
	}
	return nil
}

// Load implements core.CheckpointStore.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*core.Checkpoint, error) {
	var body []byte
	var compressed bool
	row := s.db.QueryRowContext(ctx, `SELECT compressed, body FROM checkpoints WHERE session_id = ?`, sessionID)
	if err := row.Scan(&compressed, &body); err != nil {
		if err == sql.ErrNoRows {
			return nil, core.ErrValidationFailed(core.CodeSessionNotFound, "no checkpoint for session "+sessionID)
		}
		return nil, core.ErrInternal("CHECKPOINT_READ", "reading checkpoint row").WithCause(err)
	}
	return decodeCheckpointBody(sessionID, fileRecord{Compressed: compressed, Body: body})
}

// Exists implements core.CheckpointStore.
func (s *SQLiteStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM checkpoints WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return false, core.ErrInternal("CHECKPOINT_STAT", "checking checkpoint existence").WithCause(err)
	}
	return n > 0, nil
}

// List implements core.CheckpointStore, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]core.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, workflow_hash, status, phase, updated_at FROM checkpoints`)
	if err != nil {
		return nil, core.ErrInternal("CHECKPOINT_LIST", "listing checkpoints").WithCause(err)
	}
	defer rows.Close()

	var summaries []core.SessionSummary
	for rows.Next() {
		var sum core.SessionSummary
		var status, phase string
		if err := rows.Scan(&sum.SessionID, &sum.WorkflowName, &status, &phase, &sum.UpdatedAt); err != nil {
			return nil, core.ErrInternal("CHECKPOINT_LIST", "scanning checkpoint row").WithCause(err)
		}
		sum.Status = core.WorkflowStatus(status)
		sum.Phase = core.Phase(phase)
		summaries = append(summaries, sum)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt) })
	return summaries, nil
}

// Delete implements core.CheckpointStore.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID); err != nil {
		return core.ErrInternal("CHECKPOINT_DELETE", "deleting checkpoint row").WithCause(err)
	}
	return nil
}

// AcquireSessionLock implements core.CheckpointStore using a row in
// session_locks, reclaiming it if the prior holder's process is gone or
// the lock has exceeded its TTL.
func (s *SQLiteStore) AcquireSessionLock(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pid int
	var acquiredAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT pid, acquired_at FROM session_locks WHERE session_id = ?`, sessionID).
		Scan(&pid, &acquiredAt)
	switch {
	case err == sql.ErrNoRows:
		// no existing lock
	case err != nil:
		return core.ErrInternal("CHECKPOINT_LOCK_READ", "reading session lock").WithCause(err)
	default:
		if time.Since(acquiredAt) < s.lockTTL && processExists(pid) {
			return core.ErrValidationFailed(core.CodeLockHeld,
				fmt.Sprintf("session %s locked by PID %d since %s", sessionID, pid, acquiredAt))
		}
	}

	hostname, _ := os.Hostname()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_locks (session_id, pid, hostname, acquired_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET pid=excluded.pid, hostname=excluded.hostname, acquired_at=excluded.acquired_at`,
		sessionID, os.Getpid(), hostname, time.Now())
	if err != nil {
		return core.ErrInternal("CHECKPOINT_LOCK_WRITE", "writing session lock").WithCause(err)
	}
	return nil
}

// ReleaseSessionLock implements core.CheckpointStore.
func (s *SQLiteStore) ReleaseSessionLock(ctx context.Context, sessionID string) error {
	var pid int
	err := s.db.QueryRowContext(ctx, `SELECT pid FROM session_locks WHERE session_id = ?`, sessionID).Scan(&pid)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return core.ErrInternal("CHECKPOINT_LOCK_READ", "reading session lock").WithCause(err)
	}
	if pid != os.Getpid() {
		return core.ErrValidationFailed(core.CodeLockHeld, "lock owned by a different process")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_locks WHERE session_id = ?`, sessionID); err != nil {
		return core.ErrInternal("CHECKPOINT_LOCK_REMOVE", "removing session lock").WithCause(err)
	}
	return nil
}

var _ core.CheckpointStore = (*SQLiteStore)(nil)
