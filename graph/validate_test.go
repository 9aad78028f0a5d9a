package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowengine-dev/flowengine/types"
)

// buildLinearGraph creates: start -> work(modelCall) -> reply(answer)
func buildLinearGraph() *FlowGraph {
	g := NewFlowGraph()
	g.AddNode(&Node{ID: "start", Kind: KindStart})
	g.AddNode(&Node{
		ID:      "work",
		Kind:    KindModelCall,
		Config:  NodeConfig{Model: "test-model", Prompt: "hello"},
		Outputs: []OutputSocket{{Name: "text", Type: ValueString}},
	})
	g.AddNode(&Node{
		ID:     "reply",
		Kind:   KindAnswer,
		Inputs: []InputSocket{{Name: "answer", Ref: &Reference{NodeID: "work", Key: "text"}}},
	})
	g.AddEdge(Edge{From: "start", To: "work"})
	g.AddEdge(Edge{From: "work", To: "reply"})
	g.SetEntry("start")
	return g
}

func TestValidateLinearGraph(t *testing.T) {
	g := buildLinearGraph()
	require.NoError(t, g.Validate())

	assert.Equal(t, []string{"start", "work", "reply"}, g.TopologicalHint())
	assert.Equal(t, []string{"reply"}, g.AnswerNodes())
}

func TestValidateRejectsMissingEntry(t *testing.T) {
	g := buildLinearGraph()
	g.SetEntry("")
	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrNoEntryNode, types.CodeOf(err))

	g = buildLinearGraph()
	g.SetEntry("ghost")
	err = g.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrNoEntryNode, types.CodeOf(err))
}

func TestValidateRejectsMissingAnswer(t *testing.T) {
	g := NewFlowGraph()
	g.AddNode(&Node{ID: "start", Kind: KindStart})
	g.SetEntry("start")
	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrNoAnswerNode, types.CodeOf(err))
}

func TestValidateRejectsDanglingEdges(t *testing.T) {
	g := buildLinearGraph()
	g.AddEdge(Edge{From: "work", To: "nowhere"})
	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrDanglingEdge, types.CodeOf(err))

	g = buildLinearGraph()
	g.AddEdge(Edge{From: "work", FromSocket: "no_such_socket", To: "reply", ToSocket: "answer"})
	err = g.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrDanglingEdge, types.CodeOf(err))
}

func TestValidateRejectsSocketTypeMismatch(t *testing.T) {
	g := NewFlowGraph()
	g.AddNode(&Node{ID: "start", Kind: KindStart})
	g.AddNode(&Node{
		ID:      "produce",
		Kind:    KindModelCall,
		Outputs: []OutputSocket{{Name: "text", Type: ValueString}},
	})
	g.AddNode(&Node{
		ID:     "reply",
		Kind:   KindAnswer,
		Inputs: []InputSocket{{Name: "count", Type: ValueNumber}},
	})
	g.AddEdge(Edge{From: "start", To: "produce"})
	g.AddEdge(Edge{From: "produce", FromSocket: "text", To: "reply", ToSocket: "count"})
	g.SetEntry("start")

	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrSocketTypeMismatch, types.CodeOf(err))
}

func TestValidateRejectsCycleOutsideLoopRegion(t *testing.T) {
	g := buildLinearGraph()
	g.AddEdge(Edge{From: "reply", To: "work"}) // not a loop-back edge
	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrGraphCycle, types.CodeOf(err))
}

func TestValidateRejectsOrphanNodes(t *testing.T) {
	g := buildLinearGraph()
	g.AddNode(&Node{ID: "island", Kind: KindToolCall})
	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrUnreachableNode, types.CodeOf(err))
}

func TestValidateAllowsSideEffectOnlyOrphans(t *testing.T) {
	g := buildLinearGraph()
	g.AddNode(&Node{
		ID:     "audit",
		Kind:   KindToolCall,
		Config: NodeConfig{ToolID: "audit-log", SideEffectOnly: true},
	})
	assert.NoError(t, g.Validate())
}

// buildLoopGraph creates:
// start -> loop_start -> body(modelCall) -> loop_end -> reply(answer)
// with a loop-back edge loop_end -> loop_start.
func buildLoopGraph() *FlowGraph {
	g := NewFlowGraph()
	g.AddNode(&Node{ID: "start", Kind: KindStart})
	g.AddNode(&Node{
		ID:     "loop_start",
		Kind:   KindLoopStart,
		Config: NodeConfig{Expression: "iteration < 3", MaxIterations: 10},
	})
	g.AddNode(&Node{
		ID:      "body",
		Kind:    KindModelCall,
		Outputs: []OutputSocket{{Name: "text", Type: ValueString}},
	})
	g.AddNode(&Node{
		ID:      "loop_end",
		Kind:    KindLoopEnd,
		Inputs:  []InputSocket{{Name: "text", Ref: &Reference{NodeID: "body", Key: "text"}}},
		Outputs: []OutputSocket{{Name: "text", Type: ValueArray, Accumulate: true}},
	})
	g.AddNode(&Node{
		ID:     "reply",
		Kind:   KindAnswer,
		Inputs: []InputSocket{{Name: "answer", Ref: &Reference{NodeID: "loop_end", Key: "text"}}},
	})
	g.AddEdge(Edge{From: "start", To: "loop_start"})
	g.AddEdge(Edge{From: "loop_start", To: "body"})
	g.AddEdge(Edge{From: "body", To: "loop_end"})
	g.AddEdge(Edge{From: "loop_end", To: "loop_start", LoopBack: true})
	g.AddEdge(Edge{From: "loop_end", To: "reply"})
	g.SetEntry("start")
	return g
}

func TestValidateLoopRegion(t *testing.T) {
	g := buildLoopGraph()
	require.NoError(t, g.Validate())

	region, ok := g.Region("loop_start")
	require.True(t, ok)
	assert.Equal(t, "loop_start", region.Start)
	assert.Equal(t, "loop_end", region.End)
	assert.True(t, region.Members["body"])
	assert.False(t, region.Members["reply"])

	_, inRegion := g.InRegion("body")
	assert.True(t, inRegion)
	_, inRegion = g.InRegion("reply")
	assert.False(t, inRegion)
}

func TestValidateRejectsLoopStartWithoutBackEdge(t *testing.T) {
	g := buildLoopGraph()
	// Second loopStart with no loop-back edge arriving.
	g.AddNode(&Node{ID: "lonely_loop", Kind: KindLoopStart, Config: NodeConfig{Expression: "true"}})
	g.AddEdge(Edge{From: "start", To: "lonely_loop"})
	g.AddNode(&Node{ID: "lonely_sink", Kind: KindAnswer, Inputs: []InputSocket{{Name: "x", Literal: 1}}})
	g.AddEdge(Edge{From: "lonely_loop", To: "lonely_sink"})

	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidLoopRegion, types.CodeOf(err))
}

func TestValidateRejectsEdgeEscapingLoopRegion(t *testing.T) {
	g := buildLoopGraph()
	// body jumps straight to reply, bypassing the loop exit.
	g.AddEdge(Edge{From: "body", To: "reply"})
	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidLoopRegion, types.CodeOf(err))
}

func TestValidateRejectsLoopStartWithoutPredicate(t *testing.T) {
	g := buildLoopGraph()
	node, _ := g.Node("loop_start")
	node.Config.Expression = ""
	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidLoopRegion, types.CodeOf(err))
}

func TestValidateConditionRouting(t *testing.T) {
	g := NewFlowGraph()
	g.AddNode(&Node{ID: "start", Kind: KindStart})
	g.AddNode(&Node{
		ID:   "route",
		Kind: KindCondition,
		Config: NodeConfig{
			Branches: []BranchRule{
				{Label: "high", Expression: "score > 0.5"},
				{Label: "low", Expression: "true"},
			},
		},
	})
	g.AddNode(&Node{ID: "a", Kind: KindAnswer, Inputs: []InputSocket{{Name: "x", Literal: "a"}}})
	g.AddNode(&Node{ID: "b", Kind: KindAnswer, Inputs: []InputSocket{{Name: "x", Literal: "b"}}})
	g.AddEdge(Edge{From: "start", To: "route"})
	g.AddEdge(Edge{From: "route", To: "a", Guard: "high"})
	g.AddEdge(Edge{From: "route", To: "b", Guard: "low"})
	g.SetEntry("start")

	require.NoError(t, g.Validate())

	// A branch rule without a matching guarded edge is a structural error.
	node, _ := g.Node("route")
	node.Config.Branches = append(node.Config.Branches, BranchRule{Label: "phantom", Expression: "true"})
	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrDanglingEdge, types.CodeOf(err))
}

func TestTopologicalHintBreaksTiesByDeclarationOrder(t *testing.T) {
	g := NewFlowGraph()
	g.AddNode(&Node{ID: "start", Kind: KindStart})
	// b declared before a: both become ready together after start.
	g.AddNode(&Node{ID: "b", Kind: KindModelCall, Outputs: []OutputSocket{{Name: "text"}}})
	g.AddNode(&Node{ID: "a", Kind: KindModelCall, Outputs: []OutputSocket{{Name: "text"}}})
	g.AddNode(&Node{ID: "reply", Kind: KindAnswer, Inputs: []InputSocket{{Name: "x", Literal: "y"}}})
	g.AddEdge(Edge{From: "start", To: "b"})
	g.AddEdge(Edge{From: "start", To: "a"})
	g.AddEdge(Edge{From: "b", To: "reply"})
	g.AddEdge(Edge{From: "a", To: "reply"})
	g.SetEntry("start")

	require.NoError(t, g.Validate())
	assert.Equal(t, []string{"start", "b", "a", "reply"}, g.TopologicalHint())
}

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible(ValueAny, ValueString))
	assert.True(t, Compatible(ValueString, ValueAny))
	assert.True(t, Compatible("", ValueNumber))
	assert.True(t, Compatible(ValueNumber, ValueNumber))
	assert.False(t, Compatible(ValueString, ValueNumber))
	assert.False(t, Compatible(ValueObject, ValueArray))
}
