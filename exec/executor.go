package exec

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/flowengine-dev/flowengine/graph"
	"github.com/flowengine-dev/flowengine/types"
)

// EmitFunc receives one partial output chunk from a running executor. The
// engine tags and sequences chunks before they reach the aggregator.
type EmitFunc func(chunk string)

// Request carries everything an executor may consult: the immutable node,
// its resolved inputs, and a read-only snapshot of the variables visible
// from the node's scope (for expression evaluation).
type Request struct {
	Node      *graph.Node
	Inputs    map[string]any
	ScopeVars map[string]any
	Attempt   int
}

// Result is a successful execution outcome. Branch is set only by
// condition executors; Continue only by loopStart executors.
type Result struct {
	Outputs  map[string]any
	Usage    types.Usage
	Branch   string
	Continue bool
}

// Executor executes one node kind. Implementations must observe ctx at
// their blocking boundaries and return promptly on cancellation.
type Executor interface {
	Kind() graph.NodeKind
	Execute(ctx context.Context, req *Request, emit EmitFunc) (*Result, error)
}

// Registry maps node kinds to executors. The scheduler only ever looks up
// by kind; adding a node kind means registering one more executor.
type Registry struct {
	executors map[graph.NodeKind]Executor
}

// NewRegistry creates a registry from the given executors.
func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[graph.NodeKind]Executor, len(executors))}
	for _, e := range executors {
		r.executors[e.Kind()] = e
	}
	return r
}

// DefaultRegistry wires the full closed set of node kinds against the
// given capabilities.
func DefaultRegistry(caps Capabilities, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewRegistry(
		&StartExecutor{},
		NewModelCallExecutor(caps.Model, logger),
		NewToolCallExecutor(caps.Tools, logger),
		NewRetrievalExecutor(caps.Retriever, logger),
		NewHTTPRequestExecutor(caps.HTTPClient, logger),
		NewSandboxExecutor(caps.Sandbox, logger),
		NewConditionExecutor(logger),
		&LoopStartExecutor{},
		&LoopEndExecutor{},
		&AnswerExecutor{},
	)
}

// Register adds or replaces an executor.
func (r *Registry) Register(e Executor) {
	r.executors[e.Kind()] = e
}

// Get returns the executor for a kind.
func (r *Registry) Get(kind graph.NodeKind) (Executor, bool) {
	e, ok := r.executors[kind]
	return e, ok
}

// StartExecutor handles the entry node: a passthrough whose outputs are its
// resolved inputs. The run's initial variables are written to the root
// scope under the entry node's ID before it executes.
type StartExecutor struct{}

func (e *StartExecutor) Kind() graph.NodeKind { return graph.KindStart }

func (e *StartExecutor) Execute(ctx context.Context, req *Request, emit EmitFunc) (*Result, error) {
	outputs := make(map[string]any, len(req.Inputs))
	for k, v := range req.Inputs {
		outputs[k] = v
	}
	return &Result{Outputs: outputs}, nil
}

// AnswerExecutor handles terminal answer nodes. Its resolved inputs become
// the run's final outputs; the engine emits the finalization marker.
type AnswerExecutor struct{}

func (e *AnswerExecutor) Kind() graph.NodeKind { return graph.KindAnswer }

func (e *AnswerExecutor) Execute(ctx context.Context, req *Request, emit EmitFunc) (*Result, error) {
	outputs := make(map[string]any, len(req.Inputs))
	for k, v := range req.Inputs {
		outputs[k] = v
		if emit != nil {
			if s, ok := v.(string); ok {
				emit(s)
			}
		}
	}
	return &Result{Outputs: outputs}, nil
}

// RenderTemplate substitutes {{name}} placeholders with the string form of
// the matching input. Unmatched placeholders are left intact so missing
// optional inputs stay visible in logs.
func RenderTemplate(template string, inputs map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	pairs := make([]string, 0, len(inputs)*2)
	for k, v := range inputs {
		pairs = append(pairs, "{{"+k+"}}", toString(v))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}
