package engine

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// captureOutput binds a step's configured output into ctx under the
// step's id (§4.1 step 7, §6.2 "${<step-id>.<named-capture>}"). Absent a
// CaptureSpec, the whole stdout is still bound as "${<stepid>.stdout}" so
// every step is referenceable without explicit capture configuration.
func captureOutput(ctx *core.ExecutionContext, stepID string, result core.RunResult, spec *core.CaptureSpec, dir string) error {
	ctx.SetStepOutput(stepID, "stdout", result.Stdout)
	ctx.SetStepOutput(stepID, "stderr", result.Stderr)
	ctx.SetStepOutput(stepID, "exit_code", result.ExitCode)
	ctx.SetStepOutput(stepID, "duration_ms", result.Duration.Milliseconds())

	if spec == nil || (spec.Name == "" && spec.Regex == "" && spec.FilePattern == "") {
		return nil
	}

	var value any = result.Stdout
	switch {
	case spec.Regex != "":
		re, err := regexp.Compile(spec.Regex)
		if err != nil {
			return core.ErrValidationFailed("CAPTURE_REGEX_INVALID", "invalid capture regex: "+err.Error()).WithStep(stepID)
		}
		m := re.FindStringSubmatch(result.Stdout)
		if len(m) > 1 {
			value = m[1]
		} else if len(m) == 1 {
			value = m[0]
		} else {
			value = ""
		}
	case spec.FilePattern != "":
		matches, err := filepath.Glob(filepath.Join(dir, spec.FilePattern))
		if err != nil || len(matches) == 0 {
			return core.ErrValidationFailed("CAPTURE_FILE_NOT_FOUND", "capture file_pattern matched no files: "+spec.FilePattern).WithStep(stepID)
		}
		body, err := os.ReadFile(matches[0])
		if err != nil {
			return core.ErrValidationFailed("CAPTURE_FILE_UNREADABLE", "could not read captured file: "+err.Error()).WithStep(stepID)
		}
		value = string(body)
	}

	name := spec.Name
	if name == "" {
		name = "output"
	}
	ctx.SetStepOutput(stepID, name, value)
	return nil
}
