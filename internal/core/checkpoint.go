package core

import "time"

// CurrentCheckpointVersion is the schema version written by this build.
const CurrentCheckpointVersion = 1

// CompressionMeta records how a checkpoint body was compressed, present
// only when the body exceeded the compression threshold (§4.5, §9).
type CompressionMeta struct {
	Algorithm      string `json:"algorithm"`
	OriginalSize   int    `json:"original_size"`
	CompressedSize int    `json:"compressed_size"`
}

// MapPhaseProgress is the durable progress record for an in-flight map
// phase, sufficient to resume without re-running completed or DLQ'd items
// (§4.5 resume algorithm step 5).
type MapPhaseProgress struct {
	Pending   []WorkItem `json:"pending"`
	InFlight  []WorkItem `json:"in_flight"`
	Completed []AgentResult `json:"completed"`
	DLQ       []DLQItem  `json:"dlq"`
}

// Checkpoint is a durable, versioned, integrity-hashed snapshot of session
// state (§3, §4.5).
type Checkpoint struct {
	Version            int               `json:"version"`
	SessionID          string            `json:"session_id"`
	WorkflowHash       string            `json:"workflow_hash"`
	Phase              Phase             `json:"phase"`
	CompletedStepIndex int               `json:"completed_step_index"`
	Context            *ExecutionContext `json:"context"`
	MapProgress        *MapPhaseProgress `json:"map_progress,omitempty"`
	Status             WorkflowStatus    `json:"status"`
	CreatedAt          time.Time         `json:"created_at"`

	// IntegrityHash covers the serialized record with this field empty
	// (invariant 6). Populated by the storage backend, never by callers.
	IntegrityHash string `json:"integrity_hash,omitempty"`
	// Compression is populated by the storage backend when the body was
	// written compressed.
	Compression *CompressionMeta `json:"compression,omitempty"`
}

// Clone returns a deep-enough copy for safe mutation by callers.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Context != nil {
		clone.Context = c.Context.Clone()
	}
	if c.MapProgress != nil {
		mp := *c.MapProgress
		clone.MapProgress = &mp
	}
	return &clone
}

// SessionSummary is the session-index entry used for listing/resume
// (§6.3).
type SessionSummary struct {
	SessionID    string         `json:"session_id"`
	WorkflowName string         `json:"workflow_name"`
	Status       WorkflowStatus `json:"status"`
	Phase        Phase          `json:"phase"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
