package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/flowengine-dev/flowengine/exec"
	"github.com/flowengine-dev/flowengine/graph"
	"github.com/flowengine-dev/flowengine/internal/metrics"
	"github.com/flowengine-dev/flowengine/scope"
	"github.com/flowengine-dev/flowengine/stream"
	"github.com/flowengine-dev/flowengine/trace"
)

// Defaults applied when Options fields are zero.
const (
	DefaultMaxLoopIterations = 100
	DefaultMaxConcurrency    = 8
)

// Config wires the engine's collaborators. Zero values get safe defaults:
// a registry with no external capabilities, a recorder with no sinks, a
// nop logger.
type Config struct {
	Registry *exec.Registry
	Recorder *trace.Recorder
	Logger   *zap.Logger
	Metrics  *metrics.Collector
	Tracer   oteltrace.Tracer
}

// Options are per-run knobs.
type Options struct {
	// MaxLoopIterations bounds every loop region; a loopStart node's own
	// MaxIterations lowers it further for that region.
	MaxLoopIterations int
	// GlobalTimeout bounds the whole run; zero means unbounded.
	GlobalTimeout time.Duration
	// MaxConcurrency caps concurrently executing nodes.
	MaxConcurrency int
	// StreamBufferSize sizes the outbound event channel.
	StreamBufferSize int
}

func (o Options) withDefaults() Options {
	if o.MaxLoopIterations <= 0 {
		o.MaxLoopIterations = DefaultMaxLoopIterations
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	return o
}

// Engine interprets flow graphs. One engine serves many concurrent runs;
// all per-run state lives in the run itself.
type Engine struct {
	registry *exec.Registry
	recorder *trace.Recorder
	logger   *zap.Logger
	metrics  *metrics.Collector
	tracer   oteltrace.Tracer
}

// New creates an engine from the given configuration.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = exec.DefaultRegistry(exec.Capabilities{}, logger)
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = trace.NewRecorder(logger)
	}
	return &Engine{
		registry: registry,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "engine")),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}
}

// StartRun validates the graph and launches a run. The returned handle
// exposes the live event stream, cancellation, and the final result. The
// parent context bounds the whole run in addition to Options.GlobalTimeout.
func (e *Engine) StartRun(ctx context.Context, g *graph.FlowGraph, initial map[string]any, opts Options) (*RunHandle, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	runID := uuid.NewString()
	r := &run{
		id:           runID,
		graph:        g,
		store:        scope.NewStore(g.Entry(), initial),
		agg:          stream.NewAggregator(opts.StreamBufferSize, e.logger),
		trace:        trace.NewRunTrace(runID),
		recorder:     e.recorder,
		registry:     e.registry,
		runner:       exec.NewRunner(e.logger),
		opts:         opts,
		logger:       e.logger.With(zap.String("run_id", runID)),
		metrics:      e.metrics,
		tracer:       e.tracer,
		sem:          make(chan struct{}, opts.MaxConcurrency),
		done:         make(chan struct{}),
		runStatus:    RunInitialized,
		statuses:     make(map[string]NodeStatus),
		guards:       make(map[string]string),
		undecided:    make(map[streamKey]struct{}),
		mergedScopes: make(map[string]bool),
		answers:      make(map[string]map[string]any),
	}
	for _, id := range g.NodeIDs() {
		r.statuses[id] = NodePending
	}
	if e.metrics != nil {
		r.agg.SetObserver(e.metrics.ObserveStreamEvent)
	}

	go r.execute(ctx)
	return &RunHandle{r: r}, nil
}
