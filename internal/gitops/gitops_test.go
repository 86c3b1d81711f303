package gitops

import (
	"testing"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWorktrees(t *testing.T) {
	t.Parallel()
	output := `worktree /repo/main
HEAD abc123
branch refs/heads/main

worktree /repo/.worktrees/session-1
HEAD def456
branch refs/heads/prodigy/session-1

worktree /repo/.worktrees/session-1-item-a
HEAD ghi789
branch refs/heads/prodigy/session-1/item-a`

	worktrees := parseWorktrees(output, "/repo/main")
	require.Len(t, worktrees, 3)

	assert.Equal(t, "/repo/main", worktrees[0].Path)
	assert.Equal(t, "main", worktrees[0].Branch)
	assert.Empty(t, worktrees[0].Parent)
	assert.False(t, worktrees[0].IsChild())

	// A session's own parent worktree is not a child: only a map-agent
	// worktree, whose branch carries the "/item-<id>" suffix, is.
	assert.Equal(t, "/repo/.worktrees/session-1", worktrees[1].Path)
	assert.Equal(t, "prodigy/session-1", worktrees[1].Branch)
	assert.Empty(t, worktrees[1].Parent)
	assert.False(t, worktrees[1].IsChild())

	assert.Equal(t, "/repo/.worktrees/session-1-item-a", worktrees[2].Path)
	assert.Equal(t, "prodigy/session-1/item-a", worktrees[2].Branch)
	assert.Equal(t, "/repo/main", worktrees[2].Parent)
	assert.True(t, worktrees[2].IsChild())
}

func TestParseWorktreesEmpty(t *testing.T) {
	t.Parallel()
	assert.Empty(t, parseWorktrees("", "/repo"))
}

func TestValidateGitBranchName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		branch  string
		wantErr bool
	}{
		{"plain", "main", false},
		{"namespaced", "prodigy/session-abc/agent-0", false},
		{"empty", "", true},
		{"leading dash", "-delete-everything", true},
		{"whitespace", "branch with spaces", true},
		{"double dot", "branch..name", true},
		{"reflog syntax", "branch@{upstream}", true},
		{"glob char", "branch*", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateGitBranchName(tt.branch)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, core.IsKind(err, core.KindValidationFailed))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateGitMessage(t *testing.T) {
	t.Parallel()
	require.NoError(t, validateGitMessage("fix: resolve conflict"))
	require.Error(t, validateGitMessage(""))
}

func TestValidateGitPathArg(t *testing.T) {
	t.Parallel()
	require.NoError(t, validateGitPathArg("/tmp/worktree"))
	require.Error(t, validateGitPathArg(""))
}

func TestConflictErrorViaMergeDetailsShape(t *testing.T) {
	t.Parallel()
	err := core.ErrTransientTransport("GIT_MERGE_CONFLICT", "merge conflict merging a into b").
		WithDetail("files", []string{"a.go"})
	assert.True(t, core.IsRetryable(err))
	assert.Equal(t, []string{"a.go"}, err.Details["files"])
}
