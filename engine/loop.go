package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flowengine-dev/flowengine/exec"
	"github.com/flowengine-dev/flowengine/graph"
	"github.com/flowengine-dev/flowengine/trace"
	"github.com/flowengine-dev/flowengine/types"
)

// runRegion drives one loop region: sequential iterations, each in its own
// iteration scope, each executing the region members through a nested
// worklist. Exceeding the iteration limit fails the region but not the
// run; accumulator outputs gathered so far survive as partial output.
func (r *run) runRegion(ctx context.Context, start *graph.Node, region *graph.LoopRegion, outerScope string, completions chan<- completion) {
	end, _ := r.graph.Node(region.End)
	logger := r.logger.With(zap.String("loop_start", start.ID))

	maxIter := r.opts.MaxLoopIterations
	if cfg := start.Config.MaxIterations; cfg > 0 && cfg < maxIter {
		maxIter = cfg
	}

	regionStart := time.Now()
	r.agg.NodeStarted(start.ID, outerScope)
	r.trackPrimary(start.ID, outerScope)

	// accums gathers Accumulate-marked outputs per member node, in strict
	// iteration-index order.
	accums := make(map[string]map[string][]any)
	var lastEndOutputs map[string]any
	var regionErr error
	iterations := 0

	for {
		if ctx.Err() != nil {
			regionErr = types.Errorf(types.ErrRunCancelled, "loop %s cancelled", start.ID).WithCause(ctx.Err())
			break
		}
		if iterations >= maxIter {
			regionErr = types.Errorf(types.ErrLoopLimitExceeded,
				"loop %s exceeded %d iterations", start.ID, maxIter).WithNode(start.ID)
			break
		}

		iterScope, err := r.store.PushIteration(outerScope, iterations)
		if err != nil {
			regionErr = err
			break
		}

		cont, err := r.runLoopPredicate(ctx, start, iterScope, iterations)
		if err != nil {
			regionErr = err
			_ = r.store.Discard(iterScope)
			break
		}
		if !cont {
			_ = r.store.Discard(iterScope)
			break
		}

		wl := newWorklist(r, r.schedulableMembers(region.Members, region), iterScope, false)
		wl.driveRegionEnds(region.Start)
		wl.preseed(start.ID, NodeSucceeded)
		wl.run(ctx)
		if wl.firstErr != nil {
			regionErr = wl.firstErr
			_ = r.store.Discard(iterScope)
			break
		}
		if ctx.Err() != nil {
			regionErr = types.Errorf(types.ErrRunCancelled, "loop %s cancelled", start.ID).WithCause(ctx.Err())
			_ = r.store.Discard(iterScope)
			break
		}

		// Gather accumulators and the exit node's outputs before the
		// iteration scope disappears.
		for id, member := range r.regionMembers(region) {
			for _, out := range member.Outputs {
				if !out.Accumulate {
					continue
				}
				if v, err := r.store.Resolve(iterScope, id, out.Name); err == nil {
					if accums[id] == nil {
						accums[id] = make(map[string][]any)
					}
					accums[id][out.Name] = append(accums[id][out.Name], v)
				}
			}
		}
		if outs, err := r.store.NodeOutputs(iterScope, end.ID); err == nil {
			lastEndOutputs = outs
		}

		_ = r.store.Discard(iterScope)
		iterations++
	}

	// Publish what the loop produced to the outer scope: last-iteration
	// exit outputs first, accumulators shadowing them per key.
	for k, v := range lastEndOutputs {
		if sock, ok := end.Output(k); ok && sock.Accumulate {
			continue
		}
		_ = r.store.Write(outerScope, end.ID, k, v)
	}
	for nodeID, kv := range accums {
		for k, vs := range kv {
			_ = r.store.Write(outerScope, nodeID, k, vs)
		}
	}
	_ = r.store.Write(outerScope, start.ID, "iterations", iterations)

	status := NodeSucceeded
	switch {
	case regionErr == nil:
	case types.IsCode(regionErr, types.ErrRunCancelled):
		status = NodeCancelled
	default:
		status = NodeFailed
	}

	logger.Info("loop region finished",
		zap.Int("iterations", iterations),
		zap.String("status", string(status)),
		zap.Duration("duration", time.Since(regionStart)),
	)

	now := time.Now()
	endOutputs := map[string]any{"iterations": iterations}
	for nodeID, kv := range accums {
		if nodeID == end.ID {
			for k, vs := range kv {
				endOutputs[k] = vs
			}
		}
	}
	completions <- completion{
		node:     start,
		scopeID:  outerScope,
		result:   &exec.Result{Outputs: map[string]any{"iterations": iterations}},
		err:      regionErr,
		start:    regionStart,
		end:      now,
		recorded: true,
		regionEnd: &completion{
			node:     end,
			scopeID:  outerScope,
			result:   &exec.Result{Outputs: endOutputs},
			err:      regionErr,
			start:    regionStart,
			end:      now,
			recorded: true,
		},
	}
}

// regionMembers returns the region's member nodes keyed by ID.
func (r *run) regionMembers(region *graph.LoopRegion) map[string]*graph.Node {
	out := make(map[string]*graph.Node, len(region.Members))
	for id := range region.Members {
		if n, ok := r.graph.Node(id); ok {
			out[id] = n
		}
	}
	return out
}

// runLoopPredicate evaluates the loopStart node for one iteration. The
// iteration index is injected as the "iteration" input; the node's outputs
// land in the iteration scope so region members can reference them.
func (r *run) runLoopPredicate(ctx context.Context, start *graph.Node, iterScope string, iteration int) (bool, error) {
	executor, ok := r.registry.Get(graph.KindLoopStart)
	if !ok {
		return false, types.Errorf(types.ErrInternal, "no executor registered for kind %s", graph.KindLoopStart)
	}

	inputs, err := r.resolveInputs(start, iterScope, func(e graph.Edge) bool {
		// Outer sources finished before the loop became ready.
		return !e.LoopBack
	})
	if err != nil {
		return false, err
	}
	inputs["iteration"] = iteration

	began := time.Now()
	req := &exec.Request{
		Node:      start,
		Inputs:    inputs,
		ScopeVars: r.store.Snapshot(iterScope),
	}
	res, attempts, err := r.runner.Run(ctx, executor, req, nil)

	rec := trace.NodeExecutionRecord{
		NodeID:        start.ID,
		ScopeID:       iterScope,
		Iteration:     iteration,
		StartTime:     began,
		EndTime:       time.Now(),
		InputSnapshot: inputs,
		Attempts:      attempts,
	}
	if err != nil {
		rec.Status = trace.StatusFailed
		rec.Error = err.Error()
		rec.ErrorCode = string(types.CodeOf(err))
		r.appendRecord(rec)
		return false, err
	}
	rec.Status = trace.StatusSucceeded
	rec.OutputSnapshot = res.Outputs
	r.appendRecord(rec)

	if werr := r.store.WriteAll(iterScope, start.ID, res.Outputs); werr != nil {
		return false, werr
	}
	_ = r.store.Write(iterScope, start.ID, "iteration", iteration)
	return res.Continue, nil
}
