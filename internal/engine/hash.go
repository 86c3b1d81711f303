package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// workflowHash derives a stable content hash of the workflow AST, stored
// in every checkpoint so Resume can detect a workflow document that
// changed underneath a live session (§3 Checkpoint.WorkflowHash).
func workflowHash(wf *core.Workflow) string {
	body, err := json.Marshal(wf)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
