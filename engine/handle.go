package engine

import (
	"github.com/flowengine-dev/flowengine/stream"
)

// RunHandle is the caller's view of an in-flight run: a live event stream,
// a cancellation trigger, and the final result.
type RunHandle struct {
	r *run
}

// RunID returns the run's unique identifier.
func (h *RunHandle) RunID() string { return h.r.id }

// Events returns the run's ordered output stream. The channel closes after
// the finalization marker.
func (h *RunHandle) Events() <-chan stream.Event {
	return h.r.agg.Events()
}

// Cancel signals the run to stop. In-flight executors observe the signal at
// their blocking boundary; already-completed nodes keep their trace
// records. Idempotent.
func (h *RunHandle) Cancel() {
	h.r.requestCancel()
}

// Done is closed when the run reaches a terminal status.
func (h *RunHandle) Done() <-chan struct{} {
	return h.r.done
}

// Result blocks until the run ends and returns its outcome.
func (h *RunHandle) Result() *RunResult {
	<-h.r.done
	return h.r.result()
}

// NodeStatuses returns the top-level status of every node; loop region
// internals are traced per iteration instead. Meaningful once Done is
// closed.
func (h *RunHandle) NodeStatuses() map[string]NodeStatus {
	return h.r.NodeStatuses()
}
