//go:build e2e

package e2e_test

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildBinary(t *testing.T) string {
	t.Helper()

	binary := filepath.Join(t.TempDir(), "prodigy")
	cmd := exec.Command("go", "build", "-o", binary, "../../cmd/prodigy")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	require.NoErrorf(t, cmd.Run(), "failed to build binary: %s", stderr.String())
	return binary
}

func TestCLI_Help(t *testing.T) {
	binary := buildBinary(t)

	cmd := exec.Command(binary, "--help")
	output, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "command failed: %s", output)
	require.Contains(t, string(output), "prodigy")
}

func TestCLI_RunRequiresWorkflowArgument(t *testing.T) {
	binary := buildBinary(t)

	cmd := exec.Command(binary, "run")
	output, err := cmd.CombinedOutput()
	require.Error(t, err, "run with no workflow path should fail")
	require.Contains(t, string(output), "requires at least")
}

func TestCLI_SessionsListsNothingInAFreshRepo(t *testing.T) {
	binary := buildBinary(t)
	dir := t.TempDir()

	cmd := exec.Command(binary, "sessions")
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "command failed: %s", output)
}

// TestCLI_RunExecutesASimpleSequentialWorkflow drives the full run
// command end to end against a throwaway git repository with no AI
// agent involved, proving the CLI wiring (config load, dependency
// construction, engine invocation) works outside of unit tests.
func TestCLI_RunExecutesASimpleSequentialWorkflow(t *testing.T) {
	binary := buildBinary(t)
	repo := t.TempDir()

	runGit := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	runGit("init", "-q", "-b", "main")
	runGit("config", "user.email", "prodigy@example.com")
	runGit("config", "user.name", "Prodigy Test")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("hi\n"), 0o644))
	runGit("add", ".")
	runGit("commit", "-q", "-m", "initial")

	workflow := `name: touch
commands:
  - id: write
    kind: shell
    command: "echo done > marker.txt"
  - id: commit
    kind: shell
    command: "git add marker.txt && git commit -q -m marker"
    commit_required: true
`
	workflowPath := filepath.Join(repo, "workflow.yaml")
	require.NoError(t, os.WriteFile(workflowPath, []byte(workflow), 0o644))

	cmd := exec.Command(binary, "run", "workflow.yaml")
	cmd.Dir = repo
	output, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "run failed: %s", output)
	require.Contains(t, string(output), "finished with status completed")

	_, statErr := os.Stat(filepath.Join(repo, "marker.txt"))
	require.NoError(t, statErr)
}
