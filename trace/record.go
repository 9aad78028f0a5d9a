package trace

import (
	"sync"
	"time"

	"github.com/flowengine-dev/flowengine/types"
)

// Terminal node statuses as recorded in the trace.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	StatusCancelled = "cancelled"
)

// NodeExecutionRecord is the audit record of one node execution within one
// scope. Records are immutable once appended.
type NodeExecutionRecord struct {
	NodeID         string         `json:"node_id"`
	ScopeID        string         `json:"scope_id"`
	Iteration      int            `json:"iteration,omitempty"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        time.Time      `json:"end_time"`
	InputSnapshot  map[string]any `json:"input_snapshot,omitempty"`
	OutputSnapshot map[string]any `json:"output_snapshot,omitempty"`
	Status         string         `json:"status"`
	Error          string         `json:"error,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	Attempts       int            `json:"attempts"`
	Usage          types.Usage    `json:"usage"`
	// Emitted preserves streamed text that was not forwarded live.
	Emitted string `json:"emitted,omitempty"`
}

// Duration returns the record's wall-clock execution time.
func (r *NodeExecutionRecord) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// RunSummary closes a run's trace: terminal status, final outputs, and
// aggregate usage.
type RunSummary struct {
	RunID      string         `json:"run_id"`
	Status     string         `json:"status"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	TotalUsage types.Usage    `json:"total_usage"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	NodeCount  int            `json:"node_count"`
}

// Duration returns the run's total wall-clock time.
func (s *RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

type recordKey struct {
	nodeID  string
	scopeID string
}

// RunTrace is the append-only ordered trace of one run. A record may be
// appended at most once per (node, scope) pair; loop iterations execute in
// distinct scopes, so each iteration gets its own record.
type RunTrace struct {
	mu      sync.RWMutex
	runID   string
	records []NodeExecutionRecord
	seen    map[recordKey]struct{}
}

// NewRunTrace creates an empty trace for a run.
func NewRunTrace(runID string) *RunTrace {
	return &RunTrace{
		runID: runID,
		seen:  make(map[recordKey]struct{}),
	}
}

// RunID returns the run this trace belongs to.
func (t *RunTrace) RunID() string { return t.runID }

// Append adds one record. Appending a second record for the same
// (node, scope) pair is an internal error.
func (t *RunTrace) Append(rec NodeExecutionRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := recordKey{nodeID: rec.NodeID, scopeID: rec.ScopeID}
	if _, dup := t.seen[key]; dup {
		return types.Errorf(types.ErrInternal,
			"duplicate trace record for node %s in scope %s", rec.NodeID, rec.ScopeID)
	}
	t.seen[key] = struct{}{}
	t.records = append(t.records, rec)
	return nil
}

// Records returns a copy of all records in append order.
func (t *RunTrace) Records() []NodeExecutionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]NodeExecutionRecord, len(t.records))
	copy(out, t.records)
	return out
}

// RecordsFor returns all records of one node across scopes, in append
// order.
func (t *RunTrace) RecordsFor(nodeID string) []NodeExecutionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []NodeExecutionRecord
	for _, rec := range t.records {
		if rec.NodeID == nodeID {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of records.
func (t *RunTrace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// TotalUsage sums token usage across all records.
func (t *RunTrace) TotalUsage() types.Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total types.Usage
	for _, rec := range t.records {
		total.Add(rec.Usage)
	}
	return total
}
