// Package gitops implements the session/worktree layer (§2 layer 5, §4.5):
// one parent worktree per session, one child worktree per map agent,
// fast-forward-preferred merge falling back to a three-way merge, with
// conflict detection on fan-in.
//
// Adapted from the donor's internal/adapters/git/client.go: the run/
// runWithOutput split, resolveGitBinaryPath hardening, and the
// validateGit* argument guards are kept close to verbatim since git
// worktree orchestration is shared ground truth between the donor and
// this engine. Unlike the donor's Client, which is bound to a single
// repoPath at construction, Client here is stateless across
// repositories: every method takes the working directory explicitly,
// because one engine session drives git inside many worktrees (one
// parent, one per map agent) through a single Client instance.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// Client wraps git CLI operations. It is safe for concurrent use by
// multiple map agents, since no repo-specific state is held between
// calls beyond the resolved git binary path.
type Client struct {
	timeout time.Duration
	gitPath string
}

// NewClient resolves and hardens the git binary location and returns a
// Client ready to operate against any repository path passed to its
// methods.
func NewClient() (*Client, error) {
	gitPath, err := resolveGitBinaryPath()
	if err != nil {
		return nil, err
	}
	return &Client{timeout: 30 * time.Second, gitPath: gitPath}, nil
}

// WithTimeout overrides the per-command timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// exec.CommandContext does not invoke a shell, so args are not subject
	// to shell interpolation. The binary location is hardened at
	// construction time and user-controlled args are validated by the
	// validateGit* helpers before they reach here.
	cmd := exec.CommandContext(ctx, c.gitPath, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout("GIT_TIMEOUT", "git command timed out: "+strings.Join(args, " "))
		}
		return "", core.ErrPermanentTransport("GIT_COMMAND_FAILED",
			fmt.Sprintf("git %s: %s", strings.Join(args, " "), stderr.String())).WithCause(err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// runWithOutput returns stdout and stderr even when the command fails,
// since conflict information for merge lives in stdout.
func (c *Client) runWithOutput(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.gitPath, args...)
	cmd.Dir = dir

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	stdout = strings.TrimSpace(outBuf.String())
	stderr = strings.TrimSpace(errBuf.String())

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return stdout, stderr, core.ErrTimeout("GIT_TIMEOUT", "git command timed out: "+strings.Join(args, " "))
		}
		return stdout, stderr, err
	}
	return stdout, stderr, nil
}

// RepoRoot implements core.GitClient.
func (c *Client) RepoRoot(ctx context.Context) (string, error) {
	return c.run(ctx, "", "rev-parse", "--show-toplevel")
}

// CurrentBranch implements core.GitClient.
func (c *Client) CurrentBranch(ctx context.Context, path string) (string, error) {
	return c.run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

// HeadCommit implements core.GitClient.
func (c *Client) HeadCommit(ctx context.Context, path string) (string, error) {
	return c.run(ctx, path, "rev-parse", "HEAD")
}

// CommitsBetween implements core.GitClient, returning commit hashes
// reachable from "to" but not from "from", oldest first.
func (c *Client) CommitsBetween(ctx context.Context, path, from, to string) ([]string, error) {
	if err := validateGitRev(from); err != nil {
		return nil, err
	}
	if err := validateGitRev(to); err != nil {
		return nil, err
	}
	out, err := c.run(ctx, path, "rev-list", "--reverse", from+".."+to)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CreateWorktree implements core.GitClient. It creates path as a new
// worktree of the repository at parent with branch checked out, first
// creating branch from parent's current HEAD if it does not already
// exist.
func (c *Client) CreateWorktree(ctx context.Context, parent, path, branch string) (core.Worktree, error) {
	if err := validateGitBranchName(branch); err != nil {
		return core.Worktree{}, err
	}
	if err := validateGitPathArg(path); err != nil {
		return core.Worktree{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return core.Worktree{}, core.ErrInternal("GIT_WORKTREE_MKDIR", "creating worktree parent directory").WithCause(err)
	}

	exists, err := c.branchExists(ctx, parent, branch)
	if err != nil {
		return core.Worktree{}, err
	}

	var args []string
	if exists {
		args = []string{"worktree", "add", path, branch}
	} else {
		args = []string{"worktree", "add", "-b", branch, path}
	}

	if _, err := c.run(ctx, parent, args...); err != nil {
		return core.Worktree{}, err
	}

	return core.Worktree{Path: path, Branch: branch, Parent: parent}, nil
}

// RemoveWorktree implements core.GitClient.
func (c *Client) RemoveWorktree(ctx context.Context, path string) error {
	if err := validateGitPathArg(path); err != nil {
		return err
	}
	_, err := c.run(ctx, filepath.Dir(path), "worktree", "remove", "--force", path)
	return err
}

// ListWorktrees implements core.GitClient.
func (c *Client) ListWorktrees(ctx context.Context, repoPath string) ([]core.Worktree, error) {
	out, err := c.run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktrees(out, repoPath), nil
}

func (c *Client) branchExists(ctx context.Context, path, branch string) (bool, error) {
	out, err := c.run(ctx, path, "branch", "--list", branch)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// itemBranchMarker matches the "/item-<id>" suffix mapreduce.go's
// itemBranch appends to a map-agent child worktree's branch name. Git
// itself has no notion of one worktree being a child of another — unlike
// a session's own parent worktree, branched once from the main repo, a
// map-agent worktree's branch name is the only signal `git worktree list`
// preserves that distinguishes it, so parsing keys off that instead of
// "not the main repo path" (which would also mislabel every session's own
// parent worktree as a child).
const itemBranchMarker = "/item-"

func parseWorktrees(output, mainRepoPath string) []core.Worktree {
	var worktrees []core.Worktree
	var current *core.Worktree

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				worktrees = append(worktrees, *current)
			}
			path := strings.TrimPrefix(line, "worktree ")
			current = &core.Worktree{Path: path}
		case current != nil && strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
			if strings.Contains(current.Branch, itemBranchMarker) {
				current.Parent = mainRepoPath
			}
		}
	}
	if current != nil {
		worktrees = append(worktrees, *current)
	}
	return worktrees
}

// Merge implements core.GitClient: inside the worktree at path, merges
// source into target, preferring a fast-forward and falling back to a
// three-way merge. On conflict it aborts the in-progress merge and
// returns a TransientTransport-kind DomainError naming the conflicting
// files, matching the glossary's definition of a retryable transient
// failure for fan-in (§4.3.3, §9).
func (c *Client) Merge(ctx context.Context, path, source, target string) error {
	if err := validateGitBranchName(source); err != nil {
		return err
	}
	if err := validateGitBranchName(target); err != nil {
		return err
	}

	if _, err := c.run(ctx, path, "checkout", target); err != nil {
		return err
	}

	stdout, stderr, err := c.runWithOutput(ctx, path, "merge", "--ff", "-m", "merge "+source, source)
	if err == nil {
		return nil
	}

	if strings.Contains(stdout, "Already up to date") || strings.Contains(stderr, "Already up to date") {
		return nil
	}

	if strings.Contains(stdout, "CONFLICT") || strings.Contains(stdout, "Automatic merge failed") ||
		strings.Contains(stderr, "CONFLICT") {
		files, _ := c.conflictFiles(ctx, path)
		_, _ = c.run(ctx, path, "merge", "--abort")
		return core.ErrTransientTransport("GIT_MERGE_CONFLICT",
			fmt.Sprintf("merge conflict merging %s into %s", source, target)).
			WithDetail("files", files).WithDetail("source", source).WithDetail("target", target)
	}

	return core.ErrPermanentTransport("GIT_MERGE_FAILED", fmt.Sprintf("git merge %s: %s%s", source, stdout, stderr)).WithCause(err)
}

func (c *Client) conflictFiles(ctx context.Context, path string) ([]string, error) {
	out, err := c.run(ctx, path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CommitAll stages all changes inside the worktree at path and commits
// them with message, returning the new commit hash, or "" if there was
// nothing to commit.
func (c *Client) CommitAll(ctx context.Context, path, message string) (string, error) {
	if err := validateGitMessage(message); err != nil {
		return "", err
	}
	if _, err := c.run(ctx, path, "add", "-A"); err != nil {
		return "", err
	}
	out, _, err := c.runWithOutput(ctx, path, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") {
			return "", nil
		}
		return "", err
	}
	return c.HeadCommit(ctx, path)
}

func resolveGitBinaryPath() (string, error) {
	p, err := exec.LookPath("git")
	if err != nil {
		return "", fmt.Errorf("git not found in PATH: %w", err)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving git path: %w", err)
	}

	real := abs
	if rr, err := filepath.EvalSymlinks(abs); err == nil {
		real = rr
	}

	info, err := os.Stat(real)
	if err != nil {
		return "", fmt.Errorf("stat git binary: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("git binary is not a regular file: %s", real)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("git binary is not executable: %s", real)
	}
	return real, nil
}

func validateGitBranchName(name string) error {
	if err := validateNoNul("branch", name); err != nil {
		return err
	}
	if name == "" {
		return core.ErrValidationFailed("INVALID_BRANCH", "branch name must not be empty")
	}
	if strings.HasPrefix(name, "-") {
		return core.ErrValidationFailed("INVALID_BRANCH", "branch name must not start with '-'")
	}
	if strings.ContainsAny(name, " \t\n\r") {
		return core.ErrValidationFailed("INVALID_BRANCH", "branch name must not contain whitespace")
	}
	if strings.Contains(name, "..") || strings.Contains(name, "@{") || strings.Contains(name, "//") {
		return core.ErrValidationFailed("INVALID_BRANCH", "branch name contains forbidden sequence")
	}
	for _, r := range name {
		switch r {
		case '~', '^', ':', '?', '*', '[', '\\':
			return core.ErrValidationFailed("INVALID_BRANCH", fmt.Sprintf("branch name contains forbidden character: %q", r))
		}
		if r < 0x20 || r == 0x7f {
			return core.ErrValidationFailed("INVALID_BRANCH", "branch name contains control character")
		}
	}
	return nil
}

func validateGitRev(rev string) error {
	if err := validateNoNul("rev", rev); err != nil {
		return err
	}
	if strings.HasPrefix(rev, "-") {
		return core.ErrValidationFailed("INVALID_REV", "rev must not start with '-'")
	}
	return nil
}

func validateGitPathArg(p string) error {
	if err := validateNoNul("path", p); err != nil {
		return err
	}
	if p == "" {
		return core.ErrValidationFailed("INVALID_PATH", "path must not be empty")
	}
	return nil
}

func validateGitMessage(msg string) error {
	if err := validateNoNul("message", msg); err != nil {
		return err
	}
	if msg == "" {
		return core.ErrValidationFailed("INVALID_MESSAGE", "commit message must not be empty")
	}
	return nil
}

func validateNoNul(field, value string) error {
	if strings.IndexByte(value, 0) >= 0 {
		return core.ErrValidationFailed("INVALID_INPUT", field+" contains NUL byte")
	}
	return nil
}

var _ core.GitClient = (*Client)(nil)
