package engine

import (
	"time"

	"github.com/flowengine-dev/flowengine/trace"
	"github.com/flowengine-dev/flowengine/types"
)

// RunStatus is the run-level state machine:
// Initialized -> Running -> {Succeeded, Partial, Failed, Cancelled}.
type RunStatus string

const (
	RunInitialized RunStatus = "initialized"
	RunRunning     RunStatus = "running"
	RunSucceeded   RunStatus = "succeeded"
	RunPartial     RunStatus = "partial"
	RunFailed      RunStatus = "failed"
	RunCancelled   RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunPartial, RunFailed, RunCancelled:
		return true
	}
	return false
}

// NodeStatus is the per-node state machine. Transitions are monotonic:
// pending -> ready -> running -> one of the terminal states, or
// pending -> skipped for untaken branches.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// Terminal reports whether the node status is final.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// RunResult is the definitive outcome of a run: a terminal status, the
// answer node's outputs, the full audit trace, and aggregate usage.
type RunResult struct {
	RunID    string
	Status   RunStatus
	Outputs  map[string]any
	Err      error
	Trace    *trace.RunTrace
	Usage    types.Usage
	Duration time.Duration
}
