package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowengine-dev/flowengine/exec"
	"github.com/flowengine-dev/flowengine/graph"
	"github.com/flowengine-dev/flowengine/stream"
	"github.com/flowengine-dev/flowengine/trace"
	"github.com/flowengine-dev/flowengine/types"
)

// ---------------------------------------------------------------------------
// Scripted model capability
// ---------------------------------------------------------------------------

// scriptedModel serves canned responses keyed by model name. Entries in
// errs are consumed one per call; a nil entry means that call succeeds.
type scriptedModel struct {
	mu    sync.Mutex
	text  map[string]string
	errs  map[string][]error
	delay map[string]time.Duration
	calls map[string]int
}

func newScriptedModel() *scriptedModel {
	return &scriptedModel{
		text:  make(map[string]string),
		errs:  make(map[string][]error),
		delay: make(map[string]time.Duration),
		calls: make(map[string]int),
	}
}

func (m *scriptedModel) Invoke(ctx context.Context, req exec.ModelRequest, onToken func(string)) (*exec.ModelResult, error) {
	m.mu.Lock()
	m.calls[req.Model]++
	n := m.calls[req.Model]
	text := m.text[req.Model]
	errs := m.errs[req.Model]
	delay := m.delay[req.Model]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= len(errs) && errs[n-1] != nil {
		return nil, errs[n-1]
	}
	if onToken != nil {
		for _, tok := range strings.SplitAfter(text, " ") {
			onToken(tok)
		}
	}
	return &exec.ModelResult{Text: text, FinishReason: "stop"}, nil
}

func (m *scriptedModel) callCount(model string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[model]
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestEngine(t *testing.T, model exec.ModelInvoker) (*Engine, *trace.MemorySink) {
	t.Helper()
	logger := zap.NewNop()
	sink := trace.NewMemorySink()
	return New(Config{
		Registry: exec.DefaultRegistry(exec.Capabilities{Model: model}, logger),
		Recorder: trace.NewRecorder(logger, sink),
		Logger:   logger,
	}), sink
}

// drainEvents consumes the handle's stream until the channel closes.
func drainEvents(h *RunHandle) []stream.Event {
	var events []stream.Event
	for ev := range h.Events() {
		events = append(events, ev)
	}
	return events
}

func eventsOfType(events []stream.Event, typ stream.EventType) []stream.Event {
	var out []stream.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func chunkText(events []stream.Event, nodeID string) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == stream.EventChunk && ev.NodeID == nodeID {
			b.WriteString(ev.Chunk)
		}
	}
	return b.String()
}

func linearFlow(t *testing.T) *graph.FlowGraph {
	t.Helper()
	g, err := graph.NewBuilder("linear").
		Start("start").
		ModelCall("summarize").
		WithModel("summarizer").
		WithPrompt("summarize {{topic}}").
		WithInput(graph.Ref("topic", "start", "topic")).
		Done().
		Answer("answer").
		WithInput(graph.Ref("text", "summarize", "text")).
		Done().
		Connect("start", "summarize").
		Connect("summarize", "answer").
		Build()
	require.NoError(t, err)
	return g
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestLinearFlowSucceeds(t *testing.T) {
	model := newScriptedModel()
	model.text["summarizer"] = "Go is a statically typed language."
	eng, sink := newTestEngine(t, model)

	h, err := eng.StartRun(context.Background(), linearFlow(t), map[string]any{"topic": "go"}, Options{})
	require.NoError(t, err)

	res := h.Result()
	require.Equal(t, RunSucceeded, res.Status)
	require.NoError(t, res.Err)
	assert.Equal(t, "Go is a statically typed language.", res.Outputs["text"])
	assert.Positive(t, res.Usage.TotalTokens)

	statuses := h.NodeStatuses()
	assert.Equal(t, NodeSucceeded, statuses["start"])
	assert.Equal(t, NodeSucceeded, statuses["summarize"])
	assert.Equal(t, NodeSucceeded, statuses["answer"])

	recs := res.Trace.RecordsFor("summarize")
	require.Len(t, recs, 1)
	assert.Equal(t, trace.StatusSucceeded, recs[0].Status)
	assert.Equal(t, 1, recs[0].Attempts)
	assert.Equal(t, "go", recs[0].InputSnapshot["topic"])

	summary, ok := sink.Summary(h.RunID())
	require.True(t, ok)
	assert.Equal(t, string(RunSucceeded), summary.Status)
}

func TestStreamEndsWithFinalMarker(t *testing.T) {
	model := newScriptedModel()
	model.text["summarizer"] = "one two three"
	eng, _ := newTestEngine(t, model)

	h, err := eng.StartRun(context.Background(), linearFlow(t), map[string]any{"topic": "x"}, Options{})
	require.NoError(t, err)

	res := h.Result()
	require.Equal(t, RunSucceeded, res.Status)

	events := drainEvents(h)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, stream.EventFinal, last.Type)
	assert.Equal(t, string(RunSucceeded), last.Status)
	assert.Equal(t, "one two three", last.Outputs["text"])

	// The model node feeds the answer directly, so its chunks stream live.
	assert.Equal(t, "one two three", chunkText(events, "summarize"))

	// Chunk sequence numbers per node are strictly increasing.
	var prev int64 = -1
	for _, ev := range events {
		if ev.Type == stream.EventChunk && ev.NodeID == "summarize" {
			assert.Greater(t, ev.Sequence, prev)
			prev = ev.Sequence
		}
	}
}

func conditionFlow(t *testing.T) *graph.FlowGraph {
	t.Helper()
	g, err := graph.NewBuilder("branching").
		Start("start").
		Condition("route").
		WithInput(graph.Ref("score", "start", "score")).
		WithBranch("high", "score > 0.5").
		WithBranch("low", "true").
		Done().
		ModelCall("pathX").
		WithModel("expert").
		WithPrompt("deep dive").
		Done().
		ModelCall("pathY").
		WithModel("cheap").
		WithPrompt("quick take").
		Done().
		Answer("answer").
		WithInput(graph.Ref("expert", "pathX", "text"), graph.Ref("cheap", "pathY", "text")).
		Done().
		Connect("start", "route").
		ConnectGuarded("route", "pathX", "high").
		ConnectGuarded("route", "pathY", "low").
		Connect("pathX", "answer").
		Connect("pathY", "answer").
		Build()
	require.NoError(t, err)
	return g
}

func TestConditionSkipsUntakenBranch(t *testing.T) {
	model := newScriptedModel()
	model.text["expert"] = "expert analysis"
	model.text["cheap"] = "cheap analysis"
	eng, _ := newTestEngine(t, model)

	h, err := eng.StartRun(context.Background(), conditionFlow(t), map[string]any{"score": 0.8}, Options{})
	require.NoError(t, err)

	res := h.Result()
	require.Equal(t, RunSucceeded, res.Status)
	assert.Equal(t, "expert analysis", res.Outputs["expert"])
	_, hasCheap := res.Outputs["cheap"]
	assert.False(t, hasCheap)

	statuses := h.NodeStatuses()
	assert.Equal(t, NodeSucceeded, statuses["pathX"])
	assert.Equal(t, NodeSkipped, statuses["pathY"])

	// Skipped nodes leave no execution record; their status lives on the
	// handle only.
	assert.Empty(t, res.Trace.RecordsFor("pathY"))
	require.Len(t, res.Trace.RecordsFor("pathX"), 1)
	assert.Zero(t, model.callCount("cheap"))

	events := drainEvents(h)
	assert.Empty(t, chunkText(events, "pathY"))
	assert.Equal(t, "expert analysis", chunkText(events, "pathX"))
}

func TestConditionTakesOtherBranchOnLowScore(t *testing.T) {
	model := newScriptedModel()
	model.text["expert"] = "expert analysis"
	model.text["cheap"] = "cheap analysis"
	eng, _ := newTestEngine(t, model)

	h, err := eng.StartRun(context.Background(), conditionFlow(t), map[string]any{"score": 0.2}, Options{})
	require.NoError(t, err)

	res := h.Result()
	require.Equal(t, RunSucceeded, res.Status)
	assert.Equal(t, "cheap analysis", res.Outputs["cheap"])

	statuses := h.NodeStatuses()
	assert.Equal(t, NodeSkipped, statuses["pathX"])
	assert.Equal(t, NodeSucceeded, statuses["pathY"])
	assert.Zero(t, model.callCount("expert"))
}

func TestParallelBranchesJoinAtAnswer(t *testing.T) {
	model := newScriptedModel()
	model.text["left"] = "left result"
	model.text["right"] = "right result"
	eng, _ := newTestEngine(t, model)

	g, err := graph.NewBuilder("fanout").
		Start("start").
		ModelCall("m1").WithModel("left").WithPrompt("go left").Done().
		ModelCall("m2").WithModel("right").WithPrompt("go right").Done().
		Answer("answer").
		WithInput(graph.Ref("left", "m1", "text"), graph.Ref("right", "m2", "text")).
		Done().
		Connect("start", "m1").
		Connect("start", "m2").
		Connect("m1", "answer").
		Connect("m2", "answer").
		Build()
	require.NoError(t, err)

	h, err := eng.StartRun(context.Background(), g, nil, Options{MaxConcurrency: 2})
	require.NoError(t, err)

	res := h.Result()
	require.Equal(t, RunSucceeded, res.Status)
	assert.Equal(t, "left result", res.Outputs["left"])
	assert.Equal(t, "right result", res.Outputs["right"])

	// The join executed exactly once, after both predecessors.
	require.Len(t, res.Trace.RecordsFor("answer"), 1)
	require.Len(t, res.Trace.RecordsFor("m1"), 1)
	require.Len(t, res.Trace.RecordsFor("m2"), 1)

	events := drainEvents(h)
	assert.Equal(t, "left result", chunkText(events, "m1"))
	assert.Equal(t, "right result", chunkText(events, "m2"))
}

func TestRetriesAreRecordedInTrace(t *testing.T) {
	throttled := func() error {
		return types.NewError(types.ErrRateLimited, "throttled").WithRetryable(true)
	}
	model := newScriptedModel()
	model.text["flaky"] = "finally"
	model.errs["flaky"] = []error{throttled(), throttled(), nil}
	eng, _ := newTestEngine(t, model)

	g, err := graph.NewBuilder("retrying").
		Start("start").
		ModelCall("call").
		WithModel("flaky").
		WithPrompt("try hard").
		WithRetry(graph.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}).
		Done().
		Answer("answer").WithInput(graph.Ref("text", "call", "text")).Done().
		Connect("start", "call").
		Connect("call", "answer").
		Build()
	require.NoError(t, err)

	h, err := eng.StartRun(context.Background(), g, nil, Options{})
	require.NoError(t, err)

	res := h.Result()
	require.Equal(t, RunSucceeded, res.Status)
	assert.Equal(t, "finally", res.Outputs["text"])
	assert.Equal(t, 3, model.callCount("flaky"))

	recs := res.Trace.RecordsFor("call")
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.Equal(t, trace.StatusSucceeded, recs[0].Status)
}

func TestFatalNodeFailureFailsRun(t *testing.T) {
	model := newScriptedModel()
	model.errs["broken"] = []error{types.NewError(types.ErrInvalidRequest, "bad prompt")}
	eng, sink := newTestEngine(t, model)

	g, err := graph.NewBuilder("failing").
		Start("start").
		ModelCall("call").WithModel("broken").WithPrompt("boom").Done().
		Answer("answer").WithInput(graph.Ref("text", "call", "text")).Done().
		Connect("start", "call").
		Connect("call", "answer").
		Build()
	require.NoError(t, err)

	h, err := eng.StartRun(context.Background(), g, nil, Options{})
	require.NoError(t, err)

	res := h.Result()
	require.Equal(t, RunFailed, res.Status)
	require.Error(t, res.Err)
	assert.Equal(t, types.ErrInvalidRequest, types.CodeOf(res.Err))
	assert.Equal(t, 1, model.callCount("broken"))

	statuses := h.NodeStatuses()
	assert.Equal(t, NodeFailed, statuses["call"])
	assert.Equal(t, NodeSkipped, statuses["answer"])

	recs := res.Trace.RecordsFor("call")
	require.Len(t, recs, 1)
	assert.Equal(t, trace.StatusFailed, recs[0].Status)
	assert.Equal(t, string(types.ErrInvalidRequest), recs[0].ErrorCode)

	events := drainEvents(h)
	finals := eventsOfType(events, stream.EventFinal)
	require.Len(t, finals, 1)
	assert.Equal(t, string(RunFailed), finals[0].Status)

	summary, ok := sink.Summary(h.RunID())
	require.True(t, ok)
	assert.Equal(t, string(RunFailed), summary.Status)
	assert.NotEmpty(t, summary.Error)
}

func TestCancelStopsRunAndLeavesNoRecordsForUnstartedNodes(t *testing.T) {
	model := newScriptedModel()
	model.text["slow"] = "never finishes"
	model.delay["slow"] = 5 * time.Second
	eng, _ := newTestEngine(t, model)

	g, err := graph.NewBuilder("cancellable").
		Start("start").
		ModelCall("call").WithModel("slow").WithPrompt("take your time").Done().
		Answer("answer").WithInput(graph.Ref("text", "call", "text")).Done().
		Connect("start", "call").
		Connect("call", "answer").
		Build()
	require.NoError(t, err)

	h, err := eng.StartRun(context.Background(), g, nil, Options{})
	require.NoError(t, err)

	// Wait for the slow node to start, then pull the plug.
	deadline := time.After(5 * time.Second)
	for started := false; !started; {
		select {
		case ev := <-h.Events():
			if ev.Type == stream.EventNodeStarted && ev.NodeID == "call" {
				started = true
			}
		case <-deadline:
			t.Fatal("slow node never started")
		}
	}
	h.Cancel()

	res := h.Result()
	require.Equal(t, RunCancelled, res.Status)
	require.Error(t, res.Err)
	assert.Equal(t, types.ErrRunCancelled, types.CodeOf(res.Err))

	statuses := h.NodeStatuses()
	assert.Equal(t, NodeCancelled, statuses["call"])
	assert.Equal(t, NodeCancelled, statuses["answer"])

	// The interrupted node is traced; the node that never started is not.
	require.Len(t, res.Trace.RecordsFor("call"), 1)
	assert.Equal(t, trace.StatusCancelled, res.Trace.RecordsFor("call")[0].Status)
	assert.Empty(t, res.Trace.RecordsFor("answer"))
	require.Len(t, res.Trace.RecordsFor("start"), 1)
}

func TestCancelIsIdempotent(t *testing.T) {
	model := newScriptedModel()
	model.text["slow"] = "x"
	model.delay["slow"] = time.Second
	eng, _ := newTestEngine(t, model)

	g, err := graph.NewBuilder("double-cancel").
		Start("start").
		ModelCall("call").WithModel("slow").WithPrompt("p").Done().
		Answer("answer").WithInput(graph.Ref("text", "call", "text")).Done().
		Connect("start", "call").
		Connect("call", "answer").
		Build()
	require.NoError(t, err)

	h, err := eng.StartRun(context.Background(), g, nil, Options{})
	require.NoError(t, err)
	h.Cancel()
	h.Cancel()

	res := h.Result()
	assert.Equal(t, RunCancelled, res.Status)
}

func TestGlobalTimeoutCancelsRun(t *testing.T) {
	model := newScriptedModel()
	model.text["slow"] = "x"
	model.delay["slow"] = 5 * time.Second
	eng, _ := newTestEngine(t, model)

	g, err := graph.NewBuilder("timed").
		Start("start").
		ModelCall("call").WithModel("slow").WithPrompt("p").Done().
		Answer("answer").WithInput(graph.Ref("text", "call", "text")).Done().
		Connect("start", "call").
		Connect("call", "answer").
		Build()
	require.NoError(t, err)

	began := time.Now()
	h, err := eng.StartRun(context.Background(), g, nil, Options{GlobalTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	res := h.Result()
	assert.Equal(t, RunCancelled, res.Status)
	require.Error(t, res.Err)
	assert.Less(t, time.Since(began), 3*time.Second)
}

func TestSiblingBranchScopesMergeAtJoin(t *testing.T) {
	model := newScriptedModel()
	model.text["a"] = "from branch a"
	model.text["b"] = "from branch b"
	eng, _ := newTestEngine(t, model)

	// Two independent conditions each push a branch scope; the answer node
	// joins both branches, which publishes their writes into the shared base.
	g, err := graph.NewBuilder("sibling-branches").
		Start("start").
		Condition("c1").WithBranch("go", "true").Done().
		Condition("c2").WithBranch("go", "true").Done().
		ModelCall("nA").WithModel("a").WithPrompt("pa").Done().
		ModelCall("nB").WithModel("b").WithPrompt("pb").Done().
		Answer("answer").
		WithInput(graph.Ref("a", "nA", "text"), graph.Ref("b", "nB", "text")).
		Done().
		Connect("start", "c1").
		Connect("start", "c2").
		ConnectGuarded("c1", "nA", "go").
		ConnectGuarded("c2", "nB", "go").
		Connect("nA", "answer").
		Connect("nB", "answer").
		Build()
	require.NoError(t, err)

	h, err := eng.StartRun(context.Background(), g, nil, Options{MaxConcurrency: 4})
	require.NoError(t, err)

	res := h.Result()
	require.Equal(t, RunSucceeded, res.Status)
	assert.Equal(t, "from branch a", res.Outputs["a"])
	assert.Equal(t, "from branch b", res.Outputs["b"])
}

func TestChunksBufferUntilGuardResolves(t *testing.T) {
	model := newScriptedModel()
	model.text["drafter"] = "draft text here"
	eng, _ := newTestEngine(t, model)

	// The model streams before the downstream condition has resolved, so
	// its chunks are buffered and flushed once the guard confirms the path.
	g, err := graph.NewBuilder("deferred").
		Start("start").
		ModelCall("draft").WithModel("drafter").WithPrompt("write").Done().
		Condition("review").
		WithInput(graph.Ref("text", "draft", "text")).
		WithBranch("ship", "true").
		Done().
		Answer("answer").WithInput(graph.Ref("text", "draft", "text")).Done().
		Connect("start", "draft").
		Connect("draft", "review").
		ConnectGuarded("review", "answer", "ship").
		Build()
	require.NoError(t, err)

	h, err := eng.StartRun(context.Background(), g, nil, Options{})
	require.NoError(t, err)

	res := h.Result()
	require.Equal(t, RunSucceeded, res.Status)

	events := drainEvents(h)
	assert.Equal(t, "draft text here", chunkText(events, "draft"))
	// Flushed chunks still precede the finalization marker.
	assert.Equal(t, stream.EventFinal, events[len(events)-1].Type)
}

func TestStartRunRejectsInvalidGraph(t *testing.T) {
	eng, _ := newTestEngine(t, newScriptedModel())

	g := graph.NewFlowGraph()
	g.AddNode(&graph.Node{ID: "only", Kind: graph.KindStart})
	g.SetEntry("only")

	_, err := eng.StartRun(context.Background(), g, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, types.ErrNoAnswerNode, types.CodeOf(err))
}

func TestMaxConcurrencyOneStillCompletesFanOut(t *testing.T) {
	model := newScriptedModel()
	model.text["left"] = "l"
	model.text["right"] = "r"
	eng, _ := newTestEngine(t, model)

	g, err := graph.NewBuilder("serialized").
		Start("start").
		ModelCall("m1").WithModel("left").WithPrompt("p").Done().
		ModelCall("m2").WithModel("right").WithPrompt("p").Done().
		Answer("answer").
		WithInput(graph.Ref("l", "m1", "text"), graph.Ref("r", "m2", "text")).
		Done().
		Connect("start", "m1").
		Connect("start", "m2").
		Connect("m1", "answer").
		Connect("m2", "answer").
		Build()
	require.NoError(t, err)

	h, err := eng.StartRun(context.Background(), g, nil, Options{MaxConcurrency: 1})
	require.NoError(t, err)

	res := h.Result()
	require.Equal(t, RunSucceeded, res.Status)
	assert.Equal(t, "l", res.Outputs["l"])
	assert.Equal(t, "r", res.Outputs["r"])
}
