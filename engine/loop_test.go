package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowengine-dev/flowengine/graph"
	"github.com/flowengine-dev/flowengine/trace"
	"github.com/flowengine-dev/flowengine/types"
)

func TestLoopAccumulatesAcrossIterations(t *testing.T) {
	eng, _ := newTestEngine(t, newScriptedModel())

	g, err := graph.NewBuilder("counting-loop").
		Start("start").
		LoopStart("loop").
		WithPredicate("iteration < 3").
		Done().
		LoopEnd("collect").
		WithInput(graph.Ref("item", "loop", "iteration")).
		WithOutput(graph.OutputSocket{Name: "item", Accumulate: true}).
		Done().
		Answer("answer").
		WithInput(graph.Ref("items", "collect", "item"), graph.Ref("count", "loop", "iterations")).
		Done().
		Connect("start", "loop").
		Connect("loop", "collect").
		ConnectLoopBack("collect", "loop").
		Connect("collect", "answer").
		Build()
	require.NoError(t, err)

	h, err := eng.StartRun(context.Background(), g, nil, Options{})
	require.NoError(t, err)

	res := h.Result()
	require.Equal(t, RunSucceeded, res.Status)

	// Accumulated values keep strict iteration order.
	assert.Equal(t, []any{0, 1, 2}, res.Outputs["items"])
	assert.Equal(t, 3, res.Outputs["count"])

	// The predicate is traced once per iteration scope, plus the final
	// evaluation that ended the loop.
	recs := res.Trace.RecordsFor("loop")
	require.Len(t, recs, 4)
	for i, rec := range recs {
		assert.Equal(t, i, rec.Iteration)
		assert.Equal(t, trace.StatusSucceeded, rec.Status)
	}

	// The loop body ran in per-iteration scopes, one record each.
	assert.Len(t, res.Trace.RecordsFor("collect"), 3)
}

func TestLoopBodyNodesExecutePerIteration(t *testing.T) {
	model := newScriptedModel()
	model.text["refiner"] = "refined"
	eng, _ := newTestEngine(t, model)

	g, err := graph.NewBuilder("refining-loop").
		Start("start").
		LoopStart("loop").
		WithPredicate("iteration < 2").
		Done().
		ModelCall("refine").
		WithModel("refiner").
		WithPrompt("refine pass {{pass}}").
		WithInput(graph.Ref("pass", "loop", "iteration")).
		Done().
		LoopEnd("done").
		WithInput(graph.Ref("draft", "refine", "text")).
		WithOutput(graph.OutputSocket{Name: "draft", Accumulate: true}).
		Done().
		Answer("answer").
		WithInput(graph.Ref("drafts", "done", "draft")).
		Done().
		Connect("start", "loop").
		Connect("loop", "refine").
		Connect("refine", "done").
		ConnectLoopBack("done", "loop").
		Connect("done", "answer").
		Build()
	require.NoError(t, err)

	h, err := eng.StartRun(context.Background(), g, nil, Options{})
	require.NoError(t, err)

	res := h.Result()
	require.Equal(t, RunSucceeded, res.Status)
	assert.Equal(t, []any{"refined", "refined"}, res.Outputs["drafts"])
	assert.Equal(t, 2, model.callCount("refiner"))

	recs := res.Trace.RecordsFor("refine")
	require.Len(t, recs, 2)
	assert.Equal(t, 0, recs[0].Iteration)
	assert.Equal(t, 1, recs[1].Iteration)
}

func TestLoopLimitFailsRegionNotRun(t *testing.T) {
	eng, _ := newTestEngine(t, newScriptedModel())

	// The loop never terminates on its own; its iteration cap fails the
	// region while the independent answer path keeps the run alive.
	g, err := graph.NewBuilder("runaway-loop").
		Start("start").
		LoopStart("loop").
		WithPredicate("true").
		WithMaxIterations(2).
		Done().
		LoopEnd("collect").
		WithInput(graph.Lit("tick", 1)).
		WithOutput(graph.OutputSocket{Name: "tick", Accumulate: true}).
		Done().
		Answer("loopAnswer").
		WithInput(graph.Ref("ticks", "collect", "tick")).
		Done().
		Answer("fallback").
		WithInput(graph.Lit("note", "loop did not converge")).
		Done().
		Connect("start", "loop").
		Connect("loop", "collect").
		ConnectLoopBack("collect", "loop").
		Connect("collect", "loopAnswer").
		Connect("start", "fallback").
		Build()
	require.NoError(t, err)

	h, err := eng.StartRun(context.Background(), g, nil, Options{})
	require.NoError(t, err)

	res := h.Result()
	require.Equal(t, RunPartial, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, "loop did not converge", res.Outputs["note"])

	statuses := h.NodeStatuses()
	assert.Equal(t, NodeFailed, statuses["loop"])
	assert.Equal(t, NodeFailed, statuses["collect"])
	assert.Equal(t, NodeSkipped, statuses["loopAnswer"])
	assert.Equal(t, NodeSucceeded, statuses["fallback"])

	// Both completed iterations are on record before the cap tripped.
	assert.Len(t, res.Trace.RecordsFor("collect"), 2)
}

func TestRunLevelIterationCapAppliesWhenNodeHasNone(t *testing.T) {
	eng, _ := newTestEngine(t, newScriptedModel())

	g, err := graph.NewBuilder("capped-loop").
		Start("start").
		LoopStart("loop").
		WithPredicate("true").
		Done().
		LoopEnd("collect").
		WithInput(graph.Lit("tick", 1)).
		WithOutput(graph.OutputSocket{Name: "tick", Accumulate: true}).
		Done().
		Answer("answer").
		WithInput(graph.Ref("ticks", "collect", "tick")).
		Done().
		Answer("fallback").
		WithInput(graph.Lit("note", "capped")).
		Done().
		Connect("start", "loop").
		Connect("loop", "collect").
		ConnectLoopBack("collect", "loop").
		Connect("collect", "answer").
		Connect("start", "fallback").
		Build()
	require.NoError(t, err)

	h, err := eng.StartRun(context.Background(), g, nil, Options{MaxLoopIterations: 3})
	require.NoError(t, err)

	res := h.Result()
	require.Equal(t, RunPartial, res.Status)
	assert.Len(t, res.Trace.RecordsFor("collect"), 3)
}

func TestLoopPredicateFailureFailsRegion(t *testing.T) {
	eng, _ := newTestEngine(t, newScriptedModel())

	g, err := graph.NewBuilder("bad-predicate").
		Start("start").
		LoopStart("loop").
		WithPredicate("iteration <").
		Done().
		LoopEnd("collect").
		WithInput(graph.Lit("tick", 1)).
		Done().
		Answer("answer").
		WithInput(graph.Ref("ticks", "collect", "tick")).
		Done().
		Connect("start", "loop").
		Connect("loop", "collect").
		ConnectLoopBack("collect", "loop").
		Connect("collect", "answer").
		Build()
	require.NoError(t, err)

	h, err := eng.StartRun(context.Background(), g, nil, Options{})
	require.NoError(t, err)

	res := h.Result()
	require.Equal(t, RunFailed, res.Status)
	require.Error(t, res.Err)
	assert.Equal(t, types.ErrConditionFailed, types.CodeOf(res.Err))

	statuses := h.NodeStatuses()
	assert.Equal(t, NodeFailed, statuses["loop"])
	assert.Equal(t, NodeSkipped, statuses["answer"])
}

func TestZeroIterationLoopStillPublishesCount(t *testing.T) {
	eng, _ := newTestEngine(t, newScriptedModel())

	g, err := graph.NewBuilder("empty-loop").
		Start("start").
		LoopStart("loop").
		WithPredicate("false").
		Done().
		LoopEnd("collect").
		WithInput(graph.Lit("tick", 1)).
		Done().
		Answer("answer").
		WithInput(graph.Ref("count", "loop", "iterations")).
		Done().
		Connect("start", "loop").
		Connect("loop", "collect").
		ConnectLoopBack("collect", "loop").
		Connect("collect", "answer").
		Build()
	require.NoError(t, err)

	h, err := eng.StartRun(context.Background(), g, nil, Options{})
	require.NoError(t, err)

	res := h.Result()
	require.Equal(t, RunSucceeded, res.Status)
	assert.Equal(t, 0, res.Outputs["count"])
	assert.Empty(t, res.Trace.RecordsFor("collect"))
}
