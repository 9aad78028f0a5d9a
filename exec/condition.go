package exec

import (
	"context"

	"go.uber.org/zap"

	"github.com/flowengine-dev/flowengine/expr"
	"github.com/flowengine-dev/flowengine/graph"
	"github.com/flowengine-dev/flowengine/types"
)

// ConditionExecutor evaluates a condition node's branch rules in
// declaration order and selects exactly one branch label. Rules see the
// node's resolved inputs at the top level plus the full scope snapshot by
// node ID, so `score > 0.5` and `classify.score > 0.5` both work.
type ConditionExecutor struct {
	logger *zap.Logger
}

// NewConditionExecutor creates a condition executor.
func NewConditionExecutor(logger *zap.Logger) *ConditionExecutor {
	return &ConditionExecutor{logger: logger.With(zap.String("component", "condition_executor"))}
}

func (e *ConditionExecutor) Kind() graph.NodeKind { return graph.KindCondition }

func (e *ConditionExecutor) Execute(ctx context.Context, req *Request, emit EmitFunc) (*Result, error) {
	vars := conditionVars(req)

	for _, rule := range req.Node.Config.Branches {
		ok, err := expr.EvalBool(rule.Expression, vars)
		if err != nil {
			return nil, types.Errorf(types.ErrConditionFailed,
				"node %s: branch %q", req.Node.ID, rule.Label).
				WithCause(err).
				WithNode(req.Node.ID)
		}
		if ok {
			e.logger.Debug("branch selected",
				zap.String("node_id", req.Node.ID),
				zap.String("branch", rule.Label),
			)
			return &Result{
				Branch:  rule.Label,
				Outputs: map[string]any{"branch": rule.Label},
			}, nil
		}
	}

	if d := req.Node.Config.DefaultBranch; d != "" {
		return &Result{Branch: d, Outputs: map[string]any{"branch": d}}, nil
	}

	// Last rule acts as the default when none matched and no explicit
	// default is configured; condition nodes must always route somewhere.
	last := req.Node.Config.Branches[len(req.Node.Config.Branches)-1]
	e.logger.Debug("no branch matched, falling back to last rule",
		zap.String("node_id", req.Node.ID),
		zap.String("branch", last.Label),
	)
	return &Result{Branch: last.Label, Outputs: map[string]any{"branch": last.Label}}, nil
}

// conditionVars merges resolved inputs (top level) over the scope snapshot
// (by node ID).
func conditionVars(req *Request) map[string]any {
	vars := make(map[string]any, len(req.ScopeVars)+len(req.Inputs))
	for k, v := range req.ScopeVars {
		vars[k] = v
	}
	for k, v := range req.Inputs {
		vars[k] = v
	}
	return vars
}

// LoopStartExecutor evaluates the loop continuation predicate before each
// iteration. The engine injects the current iteration index as
// "iteration" into the visible variables; Continue=false exits the region.
type LoopStartExecutor struct{}

func (e *LoopStartExecutor) Kind() graph.NodeKind { return graph.KindLoopStart }

func (e *LoopStartExecutor) Execute(ctx context.Context, req *Request, emit EmitFunc) (*Result, error) {
	vars := conditionVars(req)
	cont, err := expr.EvalBool(req.Node.Config.Expression, vars)
	if err != nil {
		return nil, types.Errorf(types.ErrConditionFailed,
			"node %s: loop predicate", req.Node.ID).
			WithCause(err).
			WithNode(req.Node.ID)
	}
	return &Result{
		Continue: cont,
		Outputs:  map[string]any{"continue": cont},
	}, nil
}

// LoopEndExecutor closes one loop iteration. Its outputs are its resolved
// inputs; outputs marked Accumulate are gathered across iterations by the
// engine before the iteration scope is discarded.
type LoopEndExecutor struct{}

func (e *LoopEndExecutor) Kind() graph.NodeKind { return graph.KindLoopEnd }

func (e *LoopEndExecutor) Execute(ctx context.Context, req *Request, emit EmitFunc) (*Result, error) {
	outputs := make(map[string]any, len(req.Inputs))
	for k, v := range req.Inputs {
		outputs[k] = v
	}
	return &Result{Outputs: outputs}, nil
}
