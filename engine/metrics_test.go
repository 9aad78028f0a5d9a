package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowengine-dev/flowengine/exec"
	"github.com/flowengine-dev/flowengine/graph"
	"github.com/flowengine-dev/flowengine/internal/metrics"
	"github.com/flowengine-dev/flowengine/trace"
	"github.com/flowengine-dev/flowengine/types"
)

// counterTotal sums every sample of the named counter family across all
// label combinations.
func counterTotal(t *testing.T, c *metrics.Collector, name string) float64 {
	t.Helper()
	fams, err := c.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, fam := range fams {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestRunObservesRetriesTokensAndStreamEvents(t *testing.T) {
	throttled := func() error {
		return types.NewError(types.ErrRateLimited, "throttled").WithRetryable(true)
	}
	model := newScriptedModel()
	model.text["flaky"] = "finally"
	model.errs["flaky"] = []error{throttled(), throttled(), nil}

	logger := zap.NewNop()
	collector := metrics.NewCollector("flowengine", logger)
	eng := New(Config{
		Registry: exec.DefaultRegistry(exec.Capabilities{Model: model}, logger),
		Recorder: trace.NewRecorder(logger, trace.NewMemorySink()),
		Logger:   logger,
		Metrics:  collector,
	})

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

	// Two failed attempts before the third succeeded.
	assert.Equal(t, 2.0, counterTotal(t, collector, "flowengine_node_retries_total"))

	// The model reported no usage, so the engine's estimate still lands.
	assert.Positive(t, counterTotal(t, collector, "flowengine_tokens_used_total"))

	// Lifecycle, chunk, and final events were all counted on the way out.
	assert.Positive(t, counterTotal(t, collector, "flowengine_stream_events_total"))
	assert.Equal(t, 1.0, counterTotal(t, collector, "flowengine_runs_total"))
}
