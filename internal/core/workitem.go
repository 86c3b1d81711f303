package core

import "time"

// WorkItem is one input to the map phase (§3, §4.3.2).
type WorkItem struct {
	ID         string `json:"id"`
	Value      any    `json:"value"`
	Attempt    int    `json:"attempt"`
	MaxRetries int    `json:"max_retries"`
	// History accumulates one AttemptRecord per failed attempt so far,
	// carried forward across requeues. It becomes a DLQItem's History
	// verbatim if the item exhausts its retries (§3).
	History []AttemptRecord `json:"history,omitempty"`
}

// CanRetry reports whether another attempt is permitted.
func (w WorkItem) CanRetry() bool { return w.Attempt < w.MaxRetries }

// AgentResult is one map-agent outcome (§3).
type AgentResult struct {
	AgentID           string        `json:"agent_id"`
	WorkItemID        string        `json:"work_item_id"`
	Success           bool          `json:"success"`
	Output            string        `json:"output"`
	Duration          time.Duration `json:"duration"`
	Error             *DomainError  `json:"error,omitempty"`
	StructuredLogPath string        `json:"structured_log_path,omitempty"`
	// ItemIndex is the original work-item order, preserved for
	// deterministic reduce consumption (§4.3.3 ordering guarantees).
	ItemIndex int `json:"item_index"`
}

// AttemptRecord is one historical attempt against a work item, kept in a
// DLQItem's error history.
type AttemptRecord struct {
	Attempt   int          `json:"attempt"`
	Timestamp time.Time    `json:"timestamp"`
	Error     *DomainError `json:"error"`
}

// DLQItem is a permanently failed work item with its full error history
// (§3, §4.3.3).
type DLQItem struct {
	WorkItem   WorkItem        `json:"work_item"`
	History    []AttemptRecord `json:"history"`
	FinalError *DomainError    `json:"final_error"`
}

// MapStats are the aggregate statistics exposed to the reduce phase as
// ${map.successful}/${map.failed}/${map.total}/${map.success_rate} (§4.3.4,
// §6.2).
type MapStats struct {
	Total         int                `json:"total"`
	Successful    int                `json:"successful"`
	Failed        int                `json:"failed"`
	SuccessRate   float64            `json:"success_rate"`
	TotalDuration time.Duration      `json:"total_duration"`
	AvgDuration   time.Duration      `json:"avg_duration"`
	ErrorsByKind  map[ErrorKind]int  `json:"errors_by_kind,omitempty"`
}

// ComputeMapStats derives aggregate statistics from a completed map phase.
func ComputeMapStats(results []AgentResult, dlq []DLQItem) MapStats {
	stats := MapStats{ErrorsByKind: make(map[ErrorKind]int)}
	stats.Total = len(results) + len(dlq)
	var total time.Duration
	for _, r := range results {
		total += r.Duration
		if r.Success {
			stats.Successful++
		} else {
			stats.Failed++
			if r.Error != nil {
				stats.ErrorsByKind[r.Error.Kind]++
			}
		}
	}
	for _, d := range dlq {
		stats.Failed++
		if d.FinalError != nil {
			stats.ErrorsByKind[d.FinalError.Kind]++
		}
	}
	stats.TotalDuration = total
	if len(results) > 0 {
		stats.AvgDuration = total / time.Duration(len(results))
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total) * 100
	}
	return stats
}
