package graph

import (
	"time"
)

// NodeKind identifies the behavior of a node. The set is closed: the
// scheduler never switches on kind, it only looks up the matching executor,
// so adding a kind means adding one executor.
type NodeKind string

const (
	// KindStart is the designated entry node. It produces the run's initial
	// variables as outputs and does no work of its own.
	KindStart NodeKind = "start"
	// KindModelCall invokes a model through the ModelInvoker capability,
	// streaming partial tokens as they arrive.
	KindModelCall NodeKind = "modelCall"
	// KindToolCall invokes a registered tool/plugin.
	KindToolCall NodeKind = "toolCall"
	// KindRetrieval queries a knowledge collection.
	KindRetrieval NodeKind = "retrieval"
	// KindHTTPRequest performs an outbound HTTP call.
	KindHTTPRequest NodeKind = "httpRequest"
	// KindCodeSandbox runs code in the external sandbox service.
	KindCodeSandbox NodeKind = "codeSandbox"
	// KindCondition evaluates branch rules and takes exactly one guarded
	// outgoing edge.
	KindCondition NodeKind = "condition"
	// KindLoopStart opens a loop region and evaluates its continuation
	// predicate before each iteration.
	KindLoopStart NodeKind = "loopStart"
	// KindLoopEnd closes a loop region and collects accumulator outputs.
	KindLoopEnd NodeKind = "loopEnd"
	// KindAnswer is a terminal node: its resolved input becomes the run's
	// final output.
	KindAnswer NodeKind = "answer"
)

// ValueKind is the declared type of a socket value.
type ValueKind string

const (
	ValueAny     ValueKind = "any"
	ValueString  ValueKind = "string"
	ValueNumber  ValueKind = "number"
	ValueBoolean ValueKind = "boolean"
	ValueObject  ValueKind = "object"
	ValueArray   ValueKind = "array"
)

// Compatible reports whether a value of kind src may flow into a socket of
// kind dst. "any" accepts and supplies everything; otherwise kinds must
// match exactly.
func Compatible(src, dst ValueKind) bool {
	if src == ValueAny || dst == ValueAny || src == "" || dst == "" {
		return true
	}
	return src == dst
}

// Reference points at a value another node produced: "node A's output X".
// The context store resolves it against the caller's scope chain.
type Reference struct {
	NodeID string `json:"node_id" yaml:"node_id"`
	Key    string `json:"key" yaml:"key"`
}

// InputSocket is one declared input of a node. Exactly one of Literal and
// Ref is set; Default is used when Ref resolution fails because the
// producing node never ran (untaken branch).
type InputSocket struct {
	Name    string     `json:"name" yaml:"name"`
	Type    ValueKind  `json:"type,omitempty" yaml:"type,omitempty"`
	Literal any        `json:"literal,omitempty" yaml:"literal,omitempty"`
	Ref     *Reference `json:"ref,omitempty" yaml:"ref,omitempty"`
	Default any        `json:"default,omitempty" yaml:"default,omitempty"`
}

// OutputSocket is one declared output of a node.
type OutputSocket struct {
	Name string    `json:"name" yaml:"name"`
	Type ValueKind `json:"type,omitempty" yaml:"type,omitempty"`
	// Accumulate marks a loopEnd output whose per-iteration values are
	// concatenated, in iteration order, into the loop's result instead of
	// being discarded with the iteration scope.
	Accumulate bool `json:"accumulate,omitempty" yaml:"accumulate,omitempty"`
}

// RetryPolicy configures retry behavior for retryable node failures.
// Zero MaxAttempts means a single attempt, no retries.
type RetryPolicy struct {
	MaxAttempts  int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialDelay time.Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay     time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Multiplier   float64       `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	Jitter       bool          `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// BranchRule is one outcome of a condition node. Rules are evaluated in
// declaration order; the first whose expression is true selects the guarded
// edges labeled with the rule's label.
type BranchRule struct {
	Label      string `json:"label" yaml:"label"`
	Expression string `json:"expression" yaml:"expression"`
}

// NodeConfig is the static, kind-dependent configuration of a node. Only
// the fields relevant to the node's kind are consulted.
type NodeConfig struct {
	// Model call.
	Provider    string  `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model       string  `json:"model,omitempty" yaml:"model,omitempty"`
	Prompt      string  `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// Tool call.
	ToolID string `json:"tool_id,omitempty" yaml:"tool_id,omitempty"`

	// Retrieval.
	CollectionID string `json:"collection_id,omitempty" yaml:"collection_id,omitempty"`
	TopK         int    `json:"top_k,omitempty" yaml:"top_k,omitempty"`

	// HTTP request.
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Code sandbox.
	Code     string `json:"code,omitempty" yaml:"code,omitempty"`
	Language string `json:"language,omitempty" yaml:"language,omitempty"`

	// Condition routing. DefaultBranch selects the edges taken when no rule
	// matches; empty means the last rule's label.
	Branches      []BranchRule `json:"branches,omitempty" yaml:"branches,omitempty"`
	DefaultBranch string       `json:"default_branch,omitempty" yaml:"default_branch,omitempty"`

	// Loop control (loopStart). Expression is the continuation predicate,
	// evaluated before each iteration against the loop scope.
	Expression    string `json:"expression,omitempty" yaml:"expression,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// Uniform execution policy.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry   RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`

	// SideEffectOnly permits a node unreachable from the start node to pass
	// validation; it never contributes to the run's output.
	SideEffectOnly bool `json:"side_effect_only,omitempty" yaml:"side_effect_only,omitempty"`
}

// Node is one unit of work in a flow. Nodes are immutable once the graph is
// validated.
type Node struct {
	ID      string         `json:"id" yaml:"id"`
	Kind    NodeKind       `json:"kind" yaml:"kind"`
	Config  NodeConfig     `json:"config,omitempty" yaml:"config,omitempty"`
	Inputs  []InputSocket  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []OutputSocket `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Output returns the node's output socket with the given name.
func (n *Node) Output(name string) (OutputSocket, bool) {
	for _, s := range n.Outputs {
		if s.Name == name {
			return s, true
		}
	}
	return OutputSocket{}, false
}

// Input returns the node's input socket with the given name.
func (n *Node) Input(name string) (InputSocket, bool) {
	for _, s := range n.Inputs {
		if s.Name == name {
			return s, true
		}
	}
	return InputSocket{}, false
}

// Edge connects an output socket to an input socket. Guard labels the
// branch outcome that must be taken for the edge to fire; LoopBack marks
// the single closing edge of a loop region (loopEnd -> loopStart).
type Edge struct {
	From       string `json:"from" yaml:"from"`
	FromSocket string `json:"from_socket,omitempty" yaml:"from_socket,omitempty"`
	To         string `json:"to" yaml:"to"`
	ToSocket   string `json:"to_socket,omitempty" yaml:"to_socket,omitempty"`
	Guard      string `json:"guard,omitempty" yaml:"guard,omitempty"`
	LoopBack   bool   `json:"loop_back,omitempty" yaml:"loop_back,omitempty"`
}

// LoopRegion is the validated sub-graph between a loopStart and its
// matching loopEnd. Members includes both boundary nodes.
type LoopRegion struct {
	Start   string
	End     string
	Members map[string]bool
}

// FlowGraph is the immutable flow definition: nodes, edges and validated
// loop regions. Declaration order of nodes is preserved and used as the
// deterministic dispatch tie-break.
type FlowGraph struct {
	nodes   map[string]*Node
	order   []string
	edges   []Edge
	out     map[string][]int
	in      map[string][]int
	entry   string
	regions map[string]*LoopRegion
	topo    []string
}

// NewFlowGraph creates an empty flow graph.
func NewFlowGraph() *FlowGraph {
	return &FlowGraph{
		nodes:   make(map[string]*Node),
		out:     make(map[string][]int),
		in:      make(map[string][]int),
		regions: make(map[string]*LoopRegion),
	}
}

// AddNode adds a node. Re-adding an existing ID replaces the node but keeps
// its declaration position.
func (g *FlowGraph) AddNode(node *Node) {
	if _, exists := g.nodes[node.ID]; !exists {
		g.order = append(g.order, node.ID)
	}
	g.nodes[node.ID] = node
}

// AddEdge adds a directed edge.
func (g *FlowGraph) AddEdge(e Edge) {
	idx := len(g.edges)
	g.edges = append(g.edges, e)
	g.out[e.From] = append(g.out[e.From], idx)
	g.in[e.To] = append(g.in[e.To], idx)
}

// SetEntry designates the start node.
func (g *FlowGraph) SetEntry(nodeID string) {
	g.entry = nodeID
}

// Entry returns the designated start node ID.
func (g *FlowGraph) Entry() string {
	return g.entry
}

// Node retrieves a node by ID.
func (g *FlowGraph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns all node IDs in declaration order.
func (g *FlowGraph) NodeIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// DeclarationIndex returns the position of a node in declaration order, or
// -1 when the node is unknown. Used as the stable dispatch tie-break.
func (g *FlowGraph) DeclarationIndex(id string) int {
	for i, nid := range g.order {
		if nid == id {
			return i
		}
	}
	return -1
}

// Outgoing returns the edges leaving a node.
func (g *FlowGraph) Outgoing(id string) []Edge {
	return g.edgesAt(g.out[id])
}

// Incoming returns the edges arriving at a node.
func (g *FlowGraph) Incoming(id string) []Edge {
	return g.edgesAt(g.in[id])
}

func (g *FlowGraph) edgesAt(idxs []int) []Edge {
	if len(idxs) == 0 {
		return nil
	}
	out := make([]Edge, len(idxs))
	for i, idx := range idxs {
		out[i] = g.edges[idx]
	}
	return out
}

// Edges returns all edges in declaration order.
func (g *FlowGraph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Region returns the loop region opened by the given loopStart node.
// Regions are populated by Validate.
func (g *FlowGraph) Region(loopStartID string) (*LoopRegion, bool) {
	r, ok := g.regions[loopStartID]
	return r, ok
}

// Regions returns all validated loop regions keyed by loopStart ID.
func (g *FlowGraph) Regions() map[string]*LoopRegion {
	return g.regions
}

// InRegion reports whether a node belongs to any loop region, excluding the
// region boundaries themselves.
func (g *FlowGraph) InRegion(nodeID string) (*LoopRegion, bool) {
	for _, r := range g.regions {
		if r.Members[nodeID] && nodeID != r.Start && nodeID != r.End {
			return r, true
		}
	}
	return nil, false
}

// TopologicalHint returns a topological ordering computed at validation
// time, ignoring loop-back edges. It is a hint only: the scheduler
// recomputes readiness dynamically because guarded edges may never fire.
func (g *FlowGraph) TopologicalHint() []string {
	out := make([]string, len(g.topo))
	copy(out, g.topo)
	return out
}

// AnswerNodes returns the IDs of all answer nodes in declaration order.
func (g *FlowGraph) AnswerNodes() []string {
	var out []string
	for _, id := range g.order {
		if g.nodes[id].Kind == KindAnswer {
			out = append(out, id)
		}
	}
	return out
}
