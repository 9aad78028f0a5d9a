package engine

import (
	"context"
	"sync"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/flowengine-dev/flowengine/exec"
	"github.com/flowengine-dev/flowengine/graph"
	"github.com/flowengine-dev/flowengine/internal/metrics"
	"github.com/flowengine-dev/flowengine/scope"
	"github.com/flowengine-dev/flowengine/stream"
	"github.com/flowengine-dev/flowengine/trace"
	"github.com/flowengine-dev/flowengine/types"
)

// run is the mutable state of one execution. The top-level worklist
// goroutine owns scheduling; executor goroutines touch only the
// lock-protected shared maps.
type run struct {
	id       string
	graph    *graph.FlowGraph
	store    *scope.Store
	agg      *stream.Aggregator
	trace    *trace.RunTrace
	recorder *trace.Recorder
	registry *exec.Registry
	runner   *exec.Runner
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Collector
	tracer   oteltrace.Tracer

	sem    chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	runStatus    RunStatus
	statuses     map[string]NodeStatus
	guards       map[string]string
	undecided    map[streamKey]struct{}
	mergedScopes map[string]bool
	answers      map[string]map[string]any
	usage        types.Usage
	failedNodes  int
	cancelAsked  bool
	firstErr     error
	startedAt    time.Time
	finishedAt   time.Time
}

// execute drives the run to a terminal status. It runs in its own
// goroutine; StartRun returns the handle immediately.
func (r *run) execute(parent context.Context) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if r.opts.GlobalTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, r.opts.GlobalTimeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	r.mu.Lock()
	r.cancel = cancel
	r.runStatus = RunRunning
	r.startedAt = time.Now()
	r.mu.Unlock()
	defer cancel()

	r.logger.Info("run started",
		zap.String("entry", r.graph.Entry()),
		zap.Int("nodes", len(r.graph.NodeIDs())),
	)
	if r.metrics != nil {
		r.metrics.RunStarted()
		defer r.metrics.RunEnded()
	}

	all := make(map[string]bool, len(r.graph.NodeIDs()))
	for _, id := range r.graph.NodeIDs() {
		all[id] = true
	}
	wl := newWorklist(r, r.schedulableMembers(all, nil), r.store.RootID(), true)
	wl.driveRegionEnds("")
	wl.run(ctx)

	r.finish(ctx, wl)
}

func (r *run) finish(ctx context.Context, wl *worklist) {
	r.mu.Lock()
	if r.firstErr == nil {
		r.firstErr = wl.firstErr
	}
	cancelled := r.cancelAsked || ctx.Err() != nil
	outputs, answered := r.pickAnswerLocked()
	var status RunStatus
	switch {
	case cancelled:
		status = RunCancelled
		if r.firstErr == nil && ctx.Err() != nil {
			r.firstErr = types.Errorf(types.ErrRunCancelled, "run cancelled").WithCause(ctx.Err())
		}
	case !answered:
		status = RunFailed
		if r.firstErr == nil {
			r.firstErr = types.Errorf(types.ErrInternal, "no answer node succeeded")
		}
	case r.failedNodes > 0:
		status = RunPartial
	default:
		status = RunSucceeded
	}
	r.runStatus = status
	r.finishedAt = time.Now()
	summary := trace.RunSummary{
		RunID:      r.id,
		Status:     string(status),
		Outputs:    outputs,
		TotalUsage: r.usage,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		NodeCount:  r.trace.Len(),
	}
	if r.firstErr != nil && status != RunSucceeded && status != RunPartial {
		summary.Error = r.firstErr.Error()
	}
	duration := r.finishedAt.Sub(r.startedAt)
	r.mu.Unlock()

	r.denyRemainingPrimaries()
	r.agg.Finalize(string(status), outputs)
	r.recorder.RecordSummary(context.Background(), summary)
	if r.metrics != nil {
		r.metrics.ObserveRun(string(status), duration)
	}

	r.logger.Info("run finished",
		zap.String("status", string(status)),
		zap.Duration("duration", duration),
		zap.Int("trace_records", summary.NodeCount),
	)
	close(r.done)
}

// pickAnswerLocked selects the outputs of the first succeeded answer node
// in declaration order. Callers hold r.mu.
func (r *run) pickAnswerLocked() (map[string]any, bool) {
	for _, id := range r.graph.AnswerNodes() {
		if outs, ok := r.answers[id]; ok {
			return outs, true
		}
	}
	return nil, false
}

func (r *run) result() *RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	outputs, _ := r.pickAnswerLocked()
	res := &RunResult{
		RunID:    r.id,
		Status:   r.runStatus,
		Outputs:  outputs,
		Trace:    r.trace,
		Usage:    r.usage,
		Duration: r.finishedAt.Sub(r.startedAt),
	}
	if r.runStatus == RunFailed || r.runStatus == RunCancelled {
		res.Err = r.firstErr
	}
	return res
}

// NodeStatuses returns the top-level terminal status of every node, for
// inspection after the run ends. Loop region internals are reported per
// iteration in the trace instead.
func (r *run) NodeStatuses() map[string]NodeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]NodeStatus, len(r.statuses))
	for k, v := range r.statuses {
		out[k] = v
	}
	return out
}

func (r *run) requestCancel() {
	r.mu.Lock()
	r.cancelAsked = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *run) setNodeStatus(id string, st NodeStatus) {
	r.mu.Lock()
	r.statuses[id] = st
	r.mu.Unlock()
}

func (r *run) nodeStatus(id string) NodeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.statuses[id]; ok {
		return st
	}
	return NodePending
}

func (r *run) setGuard(conditionID, label string) {
	r.mu.Lock()
	r.guards[conditionID] = label
	r.mu.Unlock()
}

func (r *run) guardTaken(conditionID, label string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.guards[conditionID] == label
}

func (r *run) guardState(conditionID string) (label string, resolved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	label, resolved = r.guards[conditionID]
	return label, resolved
}

func (r *run) addUsage(u types.Usage) {
	r.mu.Lock()
	r.usage.Add(u)
	r.mu.Unlock()
}

func (r *run) noteNodeFailure() {
	r.mu.Lock()
	r.failedNodes++
	r.mu.Unlock()
}

func (r *run) captureAnswer(nodeID string, outputs map[string]any) {
	r.mu.Lock()
	r.answers[nodeID] = outputs
	r.mu.Unlock()
}

func (r *run) appendRecord(rec trace.NodeExecutionRecord) {
	if err := r.trace.Append(rec); err != nil {
		r.logger.Warn("trace append rejected", zap.String("node_id", rec.NodeID), zap.Error(err))
		return
	}
	r.recorder.RecordNode(context.Background(), r.id, rec)
}

// mergeToBase publishes a branch scope chain into the base scope. Scopes
// already merged by an earlier join are skipped.
func (r *run) mergeToBase(scopeID, base string) error {
	for scopeID != "" && scopeID != base {
		r.mu.Lock()
		merged := r.mergedScopes[scopeID]
		if !merged {
			r.mergedScopes[scopeID] = true
		}
		r.mu.Unlock()
		if !merged {
			if err := r.store.MergeUp(scopeID); err != nil {
				return err
			}
		}
		scopeID = r.store.Parent(scopeID)
	}
	return nil
}

// schedulableMembers maps the given node IDs to nodes, stripping the
// internals of any contained loop region: those execute through the
// region's driver, one iteration at a time. ownRegion, when non-nil, is
// the region this worklist itself iterates and keeps its members.
func (r *run) schedulableMembers(ids map[string]bool, ownRegion *graph.LoopRegion) map[string]*graph.Node {
	out := make(map[string]*graph.Node, len(ids))
	for id := range ids {
		if n, ok := r.graph.Node(id); ok {
			out[id] = n
		}
	}
	for startID, region := range r.graph.Regions() {
		if ownRegion != nil && startID == ownRegion.Start {
			continue
		}
		if !ids[startID] {
			continue
		}
		for m := range region.Members {
			if m != region.Start && m != region.End {
				delete(out, m)
			}
		}
	}
	return out
}

// resolveInputs materializes a node's input map: literals, context store
// references (with socket defaults covering untaken branches), then values
// carried by fired inbound edges with socket bindings.
func (r *run) resolveInputs(n *graph.Node, scopeID string, fired func(graph.Edge) bool) (map[string]any, error) {
	inputs := make(map[string]any, len(n.Inputs))
	for _, sock := range n.Inputs {
		switch {
		case sock.Ref != nil:
			v, err := r.store.Resolve(scopeID, sock.Ref.NodeID, sock.Ref.Key)
			if err != nil {
				if types.IsCode(err, types.ErrUnresolvedReference) {
					// Value absent: the producer never ran. Fall back to the
					// socket default when one exists.
					if sock.Default != nil {
						inputs[sock.Name] = sock.Default
					}
					continue
				}
				return nil, err
			}
			inputs[sock.Name] = v
		case sock.Literal != nil:
			inputs[sock.Name] = sock.Literal
		case sock.Default != nil:
			inputs[sock.Name] = sock.Default
		}
	}

	for _, e := range r.graph.Incoming(n.ID) {
		if e.LoopBack || e.ToSocket == "" || !fired(e) {
			continue
		}
		if e.FromSocket != "" {
			if v, err := r.store.Resolve(scopeID, e.From, e.FromSocket); err == nil {
				inputs[e.ToSocket] = v
			}
			continue
		}
		if outs, err := r.store.NodeOutputs(scopeID, e.From); err == nil {
			inputs[e.ToSocket] = outs
		}
	}

	// The entry node's inputs are the run's initial variables.
	if n.ID == r.graph.Entry() {
		if outs, err := r.store.NodeOutputs(scopeID, n.ID); err == nil {
			for k, v := range outs {
				if _, set := inputs[k]; !set {
					inputs[k] = v
				}
			}
		}
	}
	return inputs, nil
}

func (r *run) observeNode(n *graph.Node, status NodeStatus, d time.Duration, attempts int, usage types.Usage) {
	if r.metrics == nil {
		return
	}
	r.metrics.ObserveNodeExecution(string(n.Kind), string(status), d)
	for i := 1; i < attempts; i++ {
		r.metrics.ObserveRetry(string(n.Kind))
	}
	if !usage.IsZero() {
		r.metrics.ObserveTokens(n.Config.Model, usage.PromptTokens, usage.CompletionTokens, usage.CostUSD)
	}
}

func (r *run) startNodeSpan(ctx context.Context, n *graph.Node, scopeID string) (context.Context, oteltrace.Span) {
	if r.tracer == nil {
		return ctx, nil
	}
	return r.tracer.Start(ctx, "flow.node."+string(n.Kind))
}

func (r *run) endNodeSpan(span oteltrace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
