package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flowengine-dev/flowengine/exec"
	"github.com/flowengine-dev/flowengine/graph"
	"github.com/flowengine-dev/flowengine/scope"
	"github.com/flowengine-dev/flowengine/trace"
	"github.com/flowengine-dev/flowengine/types"
)

// completion is the message an executor (or loop region driver) sends back
// to its worklist when a node reaches a terminal state.
type completion struct {
	node     *graph.Node
	scopeID  string
	result   *exec.Result
	attempts int
	err      error
	start    time.Time
	end      time.Time
	inputs   map[string]any
	emitted  string
	// recorded marks completions already traced elsewhere (loop regions
	// trace per iteration).
	recorded bool
	// regionEnd carries the loopEnd completion when the node is a loopStart
	// driving a whole region.
	regionEnd *completion
}

// worklist schedules one set of nodes against one base scope. The whole
// run uses a top-level worklist; every loop iteration runs its region
// members through a nested one. A single goroutine owns the state map;
// executors run concurrently and report back over the completions channel.
type worklist struct {
	r        *run
	base     string
	members  map[string]*graph.Node
	order    []string
	state    map[string]NodeStatus
	scopeOf  map[string]string
	driven   map[string]bool // terminal state set by a region driver, never dispatched
	topLevel bool

	completions chan completion
	inflight    int
	firstErr    error
}

func newWorklist(r *run, members map[string]*graph.Node, base string, topLevel bool) *worklist {
	w := &worklist{
		r:           r,
		base:        base,
		members:     members,
		state:       make(map[string]NodeStatus, len(members)),
		scopeOf:     make(map[string]string, len(members)),
		driven:      make(map[string]bool),
		topLevel:    topLevel,
		completions: make(chan completion),
	}
	for _, id := range r.graph.NodeIDs() {
		if _, ok := members[id]; ok {
			w.order = append(w.order, id)
			w.state[id] = NodePending
		}
	}
	return w
}

// driveRegionEnds marks the exit nodes of loop regions as driver-owned:
// their terminal state comes from the region driver, never from dispatch.
// The region identified by exceptStart (the worklist's own, when it is an
// iteration body) keeps its exit node schedulable.
func (w *worklist) driveRegionEnds(exceptStart string) {
	for startID, region := range w.r.graph.Regions() {
		if startID == exceptStart {
			continue
		}
		if _, ok := w.state[region.Start]; !ok {
			continue
		}
		if _, ok := w.state[region.End]; ok {
			w.driven[region.End] = true
		}
	}
}

// preseed marks a node terminal before scheduling starts (the loopStart of
// an iteration, whose outputs the driver already wrote).
func (w *worklist) preseed(nodeID string, status NodeStatus) {
	w.state[nodeID] = status
	w.scopeOf[nodeID] = w.base
	w.driven[nodeID] = true
}

// run drives the worklist to quiescence: no pending, ready or running
// nodes remain. Node failures do not abort the worklist; alternative
// branches keep executing.
func (w *worklist) run(ctx context.Context) {
	for {
		// Once the run is cancelled the skip cascade must not fire:
		// pending downstream nodes belong to cancelRemaining, not to the
		// untaken-branch transition.
		if ctx.Err() == nil {
			w.applySkips()
			for _, n := range w.ready() {
				w.dispatch(ctx, n)
			}
		}
		if w.inflight == 0 {
			if ctx.Err() != nil {
				w.cancelRemaining()
			}
			return
		}
		c := <-w.completions
		w.inflight--
		w.handleCompletion(ctx, c)
	}
}

// applySkips transitions pending nodes whose every inbound edge resolved
// without any firing to skipped, cascading until a fixpoint. This is what
// keeps untaken branches from deadlocking the run.
func (w *worklist) applySkips() {
	for changed := true; changed; {
		changed = false
		for _, id := range w.order {
			if w.state[id] != NodePending || w.driven[id] {
				continue
			}
			resolved, live := w.edgeState(id)
			if resolved && !live {
				w.markSkipped(id)
				changed = true
			}
		}
	}
}

func (w *worklist) markSkipped(id string) {
	w.state[id] = NodeSkipped
	if w.topLevel {
		w.r.setNodeStatus(id, NodeSkipped)
	}
	// Skipping a loopStart skips its whole region.
	if region, ok := w.r.graph.Region(id); ok {
		if _, member := w.state[region.End]; member {
			w.state[region.End] = NodeSkipped
			w.driven[region.End] = true
			if w.topLevel {
				w.r.setNodeStatus(region.End, NodeSkipped)
			}
			w.r.agg.NodeFinished(region.End, w.base, string(NodeSkipped))
		}
	}
	w.r.agg.NodeFinished(id, w.base, string(NodeSkipped))
	w.r.denyPrimary(id, w.base)
	w.r.reevaluatePrimaries()
}

// edgeState reports whether all inbound edges of a node are resolved
// (source terminal) and whether at least one fired (source succeeded and
// guard, if any, taken). Loop-back edges never count; a node with no
// inbound edges is trivially ready.
func (w *worklist) edgeState(id string) (resolved, live bool) {
	resolved = true
	inbound := 0
	for _, e := range w.r.graph.Incoming(id) {
		if e.LoopBack {
			continue
		}
		inbound++
		st, known := w.state[e.From]
		if !known || !st.Terminal() {
			resolved = false
			continue
		}
		if st == NodeSucceeded && w.edgeFired(e) {
			live = true
		}
	}
	if inbound == 0 {
		live = true
	}
	return resolved, live
}

// edgeFired reports whether a resolved edge's guard, if any, was taken.
func (w *worklist) edgeFired(e graph.Edge) bool {
	if e.Guard == "" {
		return true
	}
	return w.r.guardTaken(e.From, e.Guard)
}

// ready returns pending nodes whose readiness predicate holds, in graph
// declaration order (the deterministic dispatch tie-break).
func (w *worklist) ready() []*graph.Node {
	var out []*graph.Node
	for _, id := range w.order {
		if w.state[id] != NodePending || w.driven[id] {
			continue
		}
		resolved, live := w.edgeState(id)
		if resolved && live {
			out = append(out, w.members[id])
		}
	}
	return out
}

func (w *worklist) dispatch(ctx context.Context, n *graph.Node) {
	scopeID, err := w.assignScope(n)
	if err != nil {
		w.failBeforeStart(n, err)
		return
	}
	inputs, err := w.r.resolveInputs(n, scopeID, func(e graph.Edge) bool {
		st, ok := w.state[e.From]
		return ok && st == NodeSucceeded && w.edgeFired(e)
	})
	if err != nil {
		w.failBeforeStart(n, err)
		return
	}

	w.state[n.ID] = NodeRunning
	if w.topLevel {
		w.r.setNodeStatus(n.ID, NodeRunning)
	}
	w.inflight++

	if region, ok := w.r.graph.Region(n.ID); ok && n.Kind == graph.KindLoopStart {
		go w.r.runRegion(ctx, n, region, scopeID, w.completions)
		return
	}
	go w.runNode(ctx, n, scopeID, inputs)
}

// failBeforeStart records a node that could not even be dispatched (scope
// or input resolution failure).
func (w *worklist) failBeforeStart(n *graph.Node, err error) {
	now := time.Now()
	w.state[n.ID] = NodeRunning
	w.inflight++
	go func() {
		w.completions <- completion{node: n, scopeID: w.base, err: err, start: now, end: now}
	}()
}

// assignScope decides which scope a node executes in. A node inherits the
// scope of its fired predecessors; crossing a guarded edge pushes a fresh
// branch scope; joining predecessors from different branch scopes first
// merges those scopes back into the base.
func (w *worklist) assignScope(n *graph.Node) (string, error) {
	var fired []graph.Edge
	for _, e := range w.r.graph.Incoming(n.ID) {
		if e.LoopBack {
			continue
		}
		if st, ok := w.state[e.From]; ok && st == NodeSucceeded && w.edgeFired(e) {
			fired = append(fired, e)
		}
	}

	target := w.base
	if len(fired) > 0 {
		seen := make(map[string]bool)
		var srcScopes []string
		for _, e := range fired {
			s := w.scopeOf[e.From]
			if s == "" {
				s = w.base
			}
			if !seen[s] {
				seen[s] = true
				srcScopes = append(srcScopes, s)
			}
		}
		if len(srcScopes) == 1 {
			target = srcScopes[0]
		} else {
			// Join point: publish every contributing branch scope, then
			// execute in the shared base.
			for _, s := range srcScopes {
				if err := w.r.mergeToBase(s, w.base); err != nil {
					return "", err
				}
			}
			target = w.base
		}
	}

	for _, e := range fired {
		if e.Guard != "" {
			branchScope, err := w.r.store.Push(scope.KindBranch, target)
			if err != nil {
				return "", err
			}
			target = branchScope
			break
		}
	}

	w.scopeOf[n.ID] = target
	return target, nil
}

// runNode executes one node in its own goroutine and reports the outcome.
func (w *worklist) runNode(ctx context.Context, n *graph.Node, scopeID string, inputs map[string]any) {
	w.r.sem <- struct{}{}
	defer func() { <-w.r.sem }()

	started := time.Now()
	w.r.agg.NodeStarted(n.ID, scopeID)
	w.r.trackPrimary(n.ID, scopeID)

	var emitted strings.Builder
	emit := func(chunk string) {
		emitted.WriteString(chunk)
		w.r.agg.Publish(n.ID, scopeID, chunk)
	}

	var (
		res      *exec.Result
		attempts int
		err      error
	)
	executor, ok := w.r.registry.Get(n.Kind)
	if !ok {
		err = types.Errorf(types.ErrInternal, "no executor registered for kind %s", n.Kind)
	} else {
		spanCtx, span := w.r.startNodeSpan(ctx, n, scopeID)
		req := &exec.Request{
			Node:      n,
			Inputs:    inputs,
			ScopeVars: w.r.store.Snapshot(scopeID),
		}
		res, attempts, err = w.r.runner.Run(spanCtx, executor, req, emit)
		w.r.endNodeSpan(span, err)
	}

	w.completions <- completion{
		node:     n,
		scopeID:  scopeID,
		result:   res,
		attempts: attempts,
		err:      err,
		start:    started,
		end:      time.Now(),
		inputs:   inputs,
		emitted:  emitted.String(),
	}
}

func (w *worklist) handleCompletion(ctx context.Context, c completion) {
	status := NodeSucceeded
	switch {
	case c.err == nil:
	case types.IsCode(c.err, types.ErrRunCancelled):
		status = NodeCancelled
	default:
		status = NodeFailed
		if w.firstErr == nil {
			w.firstErr = c.err
		}
	}

	if status == NodeSucceeded && c.result != nil {
		if err := w.r.store.WriteAll(c.scopeID, c.node.ID, c.result.Outputs); err != nil {
			status = NodeFailed
			c.err = err
			if w.firstErr == nil {
				w.firstErr = err
			}
		}
	}

	w.state[c.node.ID] = status
	if w.topLevel {
		w.r.setNodeStatus(c.node.ID, status)
	}

	if status == NodeSucceeded && c.result != nil {
		w.r.addUsage(c.result.Usage)
		if c.node.Kind == graph.KindCondition {
			w.r.setGuard(c.node.ID, c.result.Branch)
		}
		if c.node.Kind == graph.KindAnswer {
			w.r.captureAnswer(c.node.ID, c.result.Outputs)
		}
	}
	if status == NodeFailed || status == NodeCancelled {
		w.r.noteNodeFailure()
	}

	if !c.recorded {
		w.trace(c, status)
	}
	w.r.agg.NodeFinished(c.node.ID, c.scopeID, string(status))
	if status != NodeSucceeded {
		w.r.denyPrimary(c.node.ID, c.scopeID)
	}
	w.r.reevaluatePrimaries()

	w.logCompletion(c, status)
	var usage types.Usage
	if c.result != nil {
		usage = c.result.Usage
	}
	w.r.observeNode(c.node, status, c.end.Sub(c.start), c.attempts, usage)

	if c.regionEnd != nil {
		w.handleCompletion(ctx, *c.regionEnd)
	}
}

func (w *worklist) trace(c completion, status NodeStatus) {
	rec := trace.NodeExecutionRecord{
		NodeID:        c.node.ID,
		ScopeID:       c.scopeID,
		StartTime:     c.start,
		EndTime:       c.end,
		InputSnapshot: c.inputs,
		Status:        string(status),
		Attempts:      c.attempts,
		Emitted:       c.emitted,
	}
	if iter, ok := w.r.store.Iteration(c.scopeID); ok {
		rec.Iteration = iter
	}
	if c.result != nil {
		rec.OutputSnapshot = c.result.Outputs
		rec.Usage = c.result.Usage
	}
	if c.err != nil {
		rec.Error = c.err.Error()
		rec.ErrorCode = string(types.CodeOf(c.err))
	}
	w.r.appendRecord(rec)
}

func (w *worklist) logCompletion(c completion, status NodeStatus) {
	fields := []zap.Field{
		zap.String("node_id", c.node.ID),
		zap.String("kind", string(c.node.Kind)),
		zap.String("status", string(status)),
		zap.Duration("duration", c.end.Sub(c.start)),
		zap.Int("attempts", c.attempts),
	}
	if c.err != nil {
		w.r.logger.Warn("node finished with error", append(fields, zap.Error(c.err))...)
		return
	}
	w.r.logger.Debug("node finished", fields...)
}

// cancelRemaining transitions nodes that never started to cancelled at the
// run level without appending trace records for them.
func (w *worklist) cancelRemaining() {
	for _, id := range w.order {
		if w.state[id] == NodePending || w.state[id] == NodeReady {
			w.state[id] = NodeCancelled
			if w.topLevel {
				w.r.setNodeStatus(id, NodeCancelled)
			}
		}
	}
}
