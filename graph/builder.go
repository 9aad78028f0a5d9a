package graph

import (
	"time"

	"go.uber.org/zap"
)

// Builder provides a fluent API for constructing flow graphs.
//
//	g, err := graph.NewBuilder("triage").
//		Start("start").
//		ModelCall("classify").WithModel("gpt-4o-mini").WithPrompt("{{question}}").Done().
//		Condition("route").
//			WithBranch("urgent", `classify.score > 0.5`).
//			WithBranch("normal", "true").
//			Done().
//		Answer("reply").WithInput(Ref("answer", "classify", "text")).Done().
//		Connect("start", "classify").
//		Connect("classify", "route").
//		ConnectGuarded("route", "reply", "urgent").
//		Build()
type Builder struct {
	graph  *FlowGraph
	name   string
	logger *zap.Logger
}

// NewBuilder creates a builder for a named flow.
func NewBuilder(name string) *Builder {
	return &Builder{
		graph:  NewFlowGraph(),
		name:   name,
		logger: zap.NewNop(),
	}
}

// WithLogger sets a custom logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger.With(zap.String("component", "graph_builder"))
	return b
}

// Node adds a node of an arbitrary kind and returns its NodeBuilder.
func (b *Builder) Node(id string, kind NodeKind) *NodeBuilder {
	node := &Node{ID: id, Kind: kind}
	b.graph.AddNode(node)
	return &NodeBuilder{node: node, parent: b}
}

// Start adds the entry node and designates it as the graph entry.
func (b *Builder) Start(id string) *Builder {
	b.graph.AddNode(&Node{ID: id, Kind: KindStart})
	b.graph.SetEntry(id)
	return b
}

// ModelCall adds a modelCall node.
func (b *Builder) ModelCall(id string) *NodeBuilder {
	return b.Node(id, KindModelCall)
}

// ToolCall adds a toolCall node.
func (b *Builder) ToolCall(id string) *NodeBuilder {
	return b.Node(id, KindToolCall)
}

// Retrieval adds a retrieval node.
func (b *Builder) Retrieval(id string) *NodeBuilder {
	return b.Node(id, KindRetrieval)
}

// HTTPRequest adds an httpRequest node.
func (b *Builder) HTTPRequest(id string) *NodeBuilder {
	return b.Node(id, KindHTTPRequest)
}

// CodeSandbox adds a codeSandbox node.
func (b *Builder) CodeSandbox(id string) *NodeBuilder {
	return b.Node(id, KindCodeSandbox)
}

// Condition adds a condition node.
func (b *Builder) Condition(id string) *NodeBuilder {
	return b.Node(id, KindCondition)
}

// LoopStart adds a loopStart node.
func (b *Builder) LoopStart(id string) *NodeBuilder {
	return b.Node(id, KindLoopStart)
}

// LoopEnd adds a loopEnd node.
func (b *Builder) LoopEnd(id string) *NodeBuilder {
	return b.Node(id, KindLoopEnd)
}

// Answer adds an answer node.
func (b *Builder) Answer(id string) *NodeBuilder {
	return b.Node(id, KindAnswer)
}

// Connect adds an unguarded edge between two nodes.
func (b *Builder) Connect(from, to string) *Builder {
	b.graph.AddEdge(Edge{From: from, To: to})
	return b
}

// ConnectSockets adds an unguarded edge between named sockets.
func (b *Builder) ConnectSockets(from, fromSocket, to, toSocket string) *Builder {
	b.graph.AddEdge(Edge{From: from, FromSocket: fromSocket, To: to, ToSocket: toSocket})
	return b
}

// ConnectGuarded adds an edge that only fires when the source condition
// node takes the given branch.
func (b *Builder) ConnectGuarded(from, to, guard string) *Builder {
	b.graph.AddEdge(Edge{From: from, To: to, Guard: guard})
	return b
}

// ConnectLoopBack adds the closing edge of a loop region.
func (b *Builder) ConnectLoopBack(loopEnd, loopStart string) *Builder {
	b.graph.AddEdge(Edge{From: loopEnd, To: loopStart, LoopBack: true})
	return b
}

// Build validates the graph and returns it.
func (b *Builder) Build() (*FlowGraph, error) {
	if err := b.graph.Validate(); err != nil {
		return nil, err
	}
	b.logger.Info("flow graph built",
		zap.String("name", b.name),
		zap.Int("nodes", len(b.graph.nodes)),
		zap.Int("edges", len(b.graph.edges)),
		zap.String("entry", b.graph.entry),
	)
	return b.graph, nil
}

// Ref builds an input socket bound to another node's output.
func Ref(name, nodeID, key string) InputSocket {
	return InputSocket{Name: name, Ref: &Reference{NodeID: nodeID, Key: key}}
}

// Lit builds an input socket bound to a literal value.
func Lit(name string, value any) InputSocket {
	return InputSocket{Name: name, Literal: value}
}

// NodeBuilder configures an individual node.
type NodeBuilder struct {
	node   *Node
	parent *Builder
}

// WithModel sets the model for a modelCall node.
func (nb *NodeBuilder) WithModel(model string) *NodeBuilder {
	nb.node.Config.Model = model
	return nb
}

// WithProvider sets the provider hint for a modelCall node.
func (nb *NodeBuilder) WithProvider(provider string) *NodeBuilder {
	nb.node.Config.Provider = provider
	return nb
}

// WithPrompt sets the prompt template. Placeholders of the form {{name}}
// are filled from the node's resolved inputs.
func (nb *NodeBuilder) WithPrompt(prompt string) *NodeBuilder {
	nb.node.Config.Prompt = prompt
	return nb
}

// WithTool sets the tool ID for a toolCall node.
func (nb *NodeBuilder) WithTool(toolID string) *NodeBuilder {
	nb.node.Config.ToolID = toolID
	return nb
}

// WithCollection sets the retrieval target collection and result count.
func (nb *NodeBuilder) WithCollection(collectionID string, topK int) *NodeBuilder {
	nb.node.Config.CollectionID = collectionID
	nb.node.Config.TopK = topK
	return nb
}

// WithHTTP sets the request method and URL for an httpRequest node.
func (nb *NodeBuilder) WithHTTP(method, url string) *NodeBuilder {
	nb.node.Config.Method = method
	nb.node.Config.URL = url
	return nb
}

// WithCode sets the program for a codeSandbox node.
func (nb *NodeBuilder) WithCode(language, code string) *NodeBuilder {
	nb.node.Config.Language = language
	nb.node.Config.Code = code
	return nb
}

// WithBranch appends a branch rule to a condition node. Rules are
// evaluated in the order they were added.
func (nb *NodeBuilder) WithBranch(label, expression string) *NodeBuilder {
	nb.node.Config.Branches = append(nb.node.Config.Branches, BranchRule{Label: label, Expression: expression})
	return nb
}

// WithDefaultBranch sets the branch taken when no rule matches.
func (nb *NodeBuilder) WithDefaultBranch(label string) *NodeBuilder {
	nb.node.Config.DefaultBranch = label
	return nb
}

// WithPredicate sets the loop continuation predicate for a loopStart node.
func (nb *NodeBuilder) WithPredicate(expression string) *NodeBuilder {
	nb.node.Config.Expression = expression
	return nb
}

// WithMaxIterations bounds a loop region's iteration count.
func (nb *NodeBuilder) WithMaxIterations(n int) *NodeBuilder {
	nb.node.Config.MaxIterations = n
	return nb
}

// WithTimeout sets the per-node execution timeout.
func (nb *NodeBuilder) WithTimeout(d time.Duration) *NodeBuilder {
	nb.node.Config.Timeout = d
	return nb
}

// WithRetry sets the node's retry policy.
func (nb *NodeBuilder) WithRetry(policy RetryPolicy) *NodeBuilder {
	nb.node.Config.Retry = policy
	return nb
}

// WithInput appends an input socket.
func (nb *NodeBuilder) WithInput(sockets ...InputSocket) *NodeBuilder {
	nb.node.Inputs = append(nb.node.Inputs, sockets...)
	return nb
}

// WithOutput appends an output socket.
func (nb *NodeBuilder) WithOutput(sockets ...OutputSocket) *NodeBuilder {
	nb.node.Outputs = append(nb.node.Outputs, sockets...)
	return nb
}

// SideEffectOnly marks a node allowed to be unreachable from entry.
func (nb *NodeBuilder) SideEffectOnly() *NodeBuilder {
	nb.node.Config.SideEffectOnly = true
	return nb
}

// Done completes node configuration and returns to the Builder.
func (nb *NodeBuilder) Done() *Builder {
	return nb.parent
}
