// Package flowengine provides a top-level convenience entry point for
// building and executing flow graphs with minimal boilerplate.
//
// Usage:
//
//	import "github.com/flowengine-dev/flowengine"
//
//	eng := flowengine.New(flowengine.WithModel(myInvoker))
//	handle, err := eng.StartRun(ctx, g, vars, flowengine.Options{})
//
// This is a thin wrapper around [engine.New]; use the engine, exec, graph
// and trace packages directly when you need the full configuration surface.
package flowengine

import (
	"net/http"

	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/flowengine-dev/flowengine/engine"
	"github.com/flowengine-dev/flowengine/exec"
	"github.com/flowengine-dev/flowengine/graph"
	"github.com/flowengine-dev/flowengine/internal/metrics"
	"github.com/flowengine-dev/flowengine/trace"
)

// Options re-exports the per-run knobs.
type Options = engine.Options

// Option configures the engine created by [New].
type Option func(*settings)

type settings struct {
	logger      *zap.Logger
	caps        exec.Capabilities
	sinks       []trace.Sink
	wantMetrics bool
	tracer      oteltrace.Tracer
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithModel sets the model invocation capability.
func WithModel(invoker exec.ModelInvoker) Option {
	return func(s *settings) { s.caps.Model = invoker }
}

// WithTools sets the tool invocation capability.
func WithTools(tools exec.ToolInvoker) Option {
	return func(s *settings) { s.caps.Tools = tools }
}

// WithRetriever sets the knowledge retrieval capability.
func WithRetriever(retriever exec.Retriever) Option {
	return func(s *settings) { s.caps.Retriever = retriever }
}

// WithSandbox sets the external code execution capability.
func WithSandbox(sandbox exec.SandboxRunner) Option {
	return func(s *settings) { s.caps.Sandbox = sandbox }
}

// WithHTTPClient sets the client used by httpRequest nodes.
func WithHTTPClient(client *http.Client) Option {
	return func(s *settings) { s.caps.HTTPClient = client }
}

// WithSink adds a trace sink (memory, JSONL file, Redis, SQL).
func WithSink(sink trace.Sink) Option {
	return func(s *settings) { s.sinks = append(s.sinks, sink) }
}

// WithMetrics enables the Prometheus collector.
func WithMetrics() Option {
	return func(s *settings) { s.wantMetrics = true }
}

// WithTracer sets the OpenTelemetry tracer for run and node spans.
func WithTracer(tracer oteltrace.Tracer) Option {
	return func(s *settings) { s.tracer = tracer }
}

// New creates an engine from the given options. An engine with no options
// is valid: it runs graphs whose nodes need no external capabilities.
func New(opts ...Option) *engine.Engine {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	var collector *metrics.Collector
	if s.wantMetrics {
		collector = metrics.NewCollector("flowengine", s.logger)
	}
	return engine.New(engine.Config{
		Registry: exec.DefaultRegistry(s.caps, s.logger),
		Recorder: trace.NewRecorder(s.logger, s.sinks...),
		Logger:   s.logger,
		Metrics:  collector,
		Tracer:   s.tracer,
	})
}

// NewBuilder re-exports the fluent graph builder for the short import path.
func NewBuilder(name string) *graph.Builder {
	return graph.NewBuilder(name)
}
