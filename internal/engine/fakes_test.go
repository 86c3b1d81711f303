package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// fakeSubprocess lets a test script a sequence of outcomes per logical
// call, or fall back to a single canned outcome for every call.
type fakeSubprocess struct {
	mu      sync.Mutex
	script  []func(opts core.RunOptions) (core.RunResult, error)
	calls   int
	runFunc func(opts core.RunOptions) (core.RunResult, error)
}

func (f *fakeSubprocess) Run(_ context.Context, opts core.RunOptions) (core.RunResult, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()

	if i < len(f.script) {
		return f.script[i](opts)
	}
	if f.runFunc != nil {
		return f.runFunc(opts)
	}
	return core.RunResult{ExitCode: 0}, nil
}

func okResult(stdout string) func(core.RunOptions) (core.RunResult, error) {
	return func(core.RunOptions) (core.RunResult, error) { return core.RunResult{ExitCode: 0, Stdout: stdout}, nil }
}

func errResult(err error) func(core.RunOptions) (core.RunResult, error) {
	return func(core.RunOptions) (core.RunResult, error) { return core.RunResult{}, err }
}

// fakeGit is an in-memory core.GitClient double. HEAD for a dir is the
// synthetic "<dir>@<counter>" and advances only when a test calls
// commitNow, so a test controls exactly which step produced a commit.
type fakeGit struct {
	mu          sync.Mutex
	heads       map[string]int // dir -> commit counter
	worktrees   []core.Worktree
	mergeErr    error
	mergeCalls  []string
	currentBranch string
}

func newFakeGit() *fakeGit {
	return &fakeGit{heads: make(map[string]int), currentBranch: "main"}
}

func (g *fakeGit) RepoRoot(context.Context) (string, error) { return "/repo", nil }

func (g *fakeGit) CurrentBranch(context.Context, string) (string, error) {
	return g.currentBranch, nil
}

func (g *fakeGit) HeadCommit(_ context.Context, dir string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("%s@%d", dir, g.heads[dir]), nil
}

// commitNow advances dir's synthetic HEAD by one commit, simulating a step
// whose subprocess created a git commit as a side effect.
func (g *fakeGit) commitNow(dir string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.heads[dir]++
}

func (g *fakeGit) CommitsBetween(_ context.Context, dir, from, to string) ([]string, error) {
	if from == to {
		return nil, nil
	}
	return []string{to}, nil
}

func (g *fakeGit) CreateWorktree(_ context.Context, parent, path, branch string) (core.Worktree, error) {
	wt := core.Worktree{Path: path, Branch: branch, Parent: parent}
	g.mu.Lock()
	g.worktrees = append(g.worktrees, wt)
	g.mu.Unlock()
	return wt, nil
}

func (g *fakeGit) RemoveWorktree(context.Context, string) error { return nil }

func (g *fakeGit) ListWorktrees(context.Context, string) ([]core.Worktree, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]core.Worktree{}, g.worktrees...), nil
}

func (g *fakeGit) Merge(_ context.Context, _, source, target string) error {
	g.mu.Lock()
	g.mergeCalls = append(g.mergeCalls, source+"->"+target)
	g.mu.Unlock()
	return g.mergeErr
}

// fakeCheckpointStore is an in-memory core.CheckpointStore double.
type fakeCheckpointStore struct {
	mu    sync.Mutex
	saved map[string]*core.Checkpoint
	locks map[string]bool
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{saved: make(map[string]*core.Checkpoint), locks: make(map[string]bool)}
}

func (s *fakeCheckpointStore) Save(_ context.Context, cp *core.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[cp.SessionID] = cp.Clone()
	return nil
}

func (s *fakeCheckpointStore) Load(_ context.Context, sessionID string) (*core.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.saved[sessionID]
	if !ok {
		return nil, core.ErrInternal("CHECKPOINT_NOT_FOUND", "no checkpoint for "+sessionID)
	}
	return cp.Clone(), nil
}

func (s *fakeCheckpointStore) Exists(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.saved[sessionID]
	return ok, nil
}

func (s *fakeCheckpointStore) List(context.Context) ([]core.SessionSummary, error) { return nil, nil }

func (s *fakeCheckpointStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, sessionID)
	return nil
}

func (s *fakeCheckpointStore) AcquireSessionLock(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[sessionID] = true
	return nil
}

func (s *fakeCheckpointStore) ReleaseSessionLock(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, sessionID)
	return nil
}

// fakeEventSink collects every emitted event for inspection.
type fakeEventSink struct {
	mu     sync.Mutex
	events []core.Event
}

func (s *fakeEventSink) Emit(e core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *fakeEventSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.EventType()
	}
	return out
}

func testDeps(sub core.Subprocess, git core.GitClient) Dependencies {
	return Dependencies{
		Subprocess: sub,
		Git:        git,
		Checkpoints: newFakeCheckpointStore(),
		Events:      &fakeEventSink{},
		MaxHandlerRetries: 3,
	}.WithDefaults()
}
