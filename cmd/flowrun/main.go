// flowrun executes flow graph definitions from the command line.
//
// Usage:
//
//	flowrun run --flow flow.yaml --var topic=go       # execute a flow
//	flowrun run --flow flow.yaml --trace out.jsonl    # and dump the trace
//	flowrun validate --flow flow.yaml                 # structural check only
//	flowrun version                                   # show version info
//
// Model, tool and retrieval capabilities are echo stubs so a flow can be
// exercised offline; embed the engine package to wire real providers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/flowengine-dev/flowengine"
	"github.com/flowengine-dev/flowengine/engine"
	"github.com/flowengine-dev/flowengine/exec"
	"github.com/flowengine-dev/flowengine/graph"
	"github.com/flowengine-dev/flowengine/internal/telemetry"
	"github.com/flowengine-dev/flowengine/stream"
	"github.com/flowengine-dev/flowengine/trace"
)

// Injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "run":
		runFlow(os.Args[2:])
	case "validate":
		validateFlow(os.Args[2:])
	case "version":
		fmt.Printf("flowrun %s (built %s)\n", Version, BuildTime)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`flowrun - flow graph execution engine

Commands:
  run        execute a flow definition
  validate   check a flow definition without executing it
  version    print version information

Run 'flowrun <command> -h' for command flags.
`)
}

// varFlags collects repeatable --var key=value pairs into initial run
// variables, parsing numbers and booleans so conditions compare naturally.
type varFlags struct {
	values map[string]any
}

func (v *varFlags) String() string { return fmt.Sprintf("%v", v.values) }

func (v *varFlags) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	if v.values == nil {
		v.values = make(map[string]any)
	}
	switch {
	case raw == "true" || raw == "false":
		v.values[key] = raw == "true"
	default:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			v.values[key] = f
		} else {
			v.values[key] = raw
		}
	}
	return nil
}

func runFlow(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	flowPath := fs.String("flow", "", "path to the flow definition (YAML or JSON)")
	tracePath := fs.String("trace", "", "append the run trace as JSON lines to this file")
	timeout := fs.Duration("timeout", 0, "global run timeout (0 = unbounded)")
	maxIter := fs.Int("max-iterations", 0, "loop iteration cap (0 = engine default)")
	concurrency := fs.Int("concurrency", 0, "max concurrently executing nodes (0 = engine default)")
	otlpEndpoint := fs.String("otlp", "", "OTLP gRPC endpoint for spans (empty disables tracing)")
	logLevel := fs.String("log-level", "warn", "log level: debug, info, warn, error")
	quiet := fs.Bool("quiet", false, "suppress the live event stream, print only the result")
	vars := varFlags{}
	fs.Var(&vars, "var", "initial variable key=value (repeatable)")
	_ = fs.Parse(args)

	if *flowPath == "" {
		fmt.Fprintln(os.Stderr, "run: --flow is required")
		os.Exit(2)
	}

	logger := initLogger(*logLevel)
	defer func() { _ = logger.Sync() }()

	g, err := loadGraph(*flowPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load flow: %v\n", err)
		os.Exit(1)
	}

	provider, err := telemetry.Init(telemetry.Config{
		Enabled:      *otlpEndpoint != "",
		OTLPEndpoint: *otlpEndpoint,
		ServiceName:  "flowrun",
		SampleRate:   1.0,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init tracing: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}()

	opts := []flowengine.Option{
		flowengine.WithLogger(logger),
		flowengine.WithModel(&echoModel{}),
		flowengine.WithTools(&echoTools{}),
		flowengine.WithRetriever(&echoRetriever{}),
		flowengine.WithHTTPClient(http.DefaultClient),
	}
	if tracer := provider.Tracer("flowrun"); tracer != nil {
		opts = append(opts, flowengine.WithTracer(tracer))
	}
	if *tracePath != "" {
		sink, closeSink, err := trace.OpenJSONLFile(*tracePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open trace file: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = closeSink() }()
		opts = append(opts, flowengine.WithSink(sink))
	}
	eng := flowengine.New(opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := eng.StartRun(ctx, g, vars.values, flowengine.Options{
		GlobalTimeout:     *timeout,
		MaxLoopIterations: *maxIter,
		MaxConcurrency:    *concurrency,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start run: %v\n", err)
		os.Exit(1)
	}

	var group errgroup.Group
	group.Go(func() error {
		printEvents(handle.Events(), *quiet)
		return nil
	})
	group.Go(func() error {
		select {
		case <-ctx.Done():
			handle.Cancel()
		case <-handle.Done():
		}
		return nil
	})
	_ = group.Wait()

	res := handle.Result()
	printResult(res)
	if res.Status != engine.RunSucceeded && res.Status != engine.RunPartial {
		os.Exit(1)
	}
}

func validateFlow(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	flowPath := fs.String("flow", "", "path to the flow definition (YAML or JSON)")
	_ = fs.Parse(args)

	if *flowPath == "" {
		fmt.Fprintln(os.Stderr, "validate: --flow is required")
		os.Exit(2)
	}
	g, err := loadGraph(*flowPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ok: %d nodes, %d edges, entry %q\n", len(g.NodeIDs()), len(g.Edges()), g.Entry())
}

func loadGraph(path string) (*graph.FlowGraph, error) {
	def, err := graph.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return def.ToGraph()
}

func printEvents(events <-chan stream.Event, quiet bool) {
	for ev := range events {
		if quiet {
			continue
		}
		switch ev.Type {
		case stream.EventChunk:
			fmt.Print(ev.Chunk)
		case stream.EventNodeFinished:
			fmt.Fprintf(os.Stderr, "· %s [%s]\n", ev.NodeID, ev.Status)
		case stream.EventFinal:
			fmt.Println()
		}
	}
}

func printResult(res *engine.RunResult) {
	out := map[string]any{
		"run_id":   res.RunID,
		"status":   string(res.Status),
		"outputs":  res.Outputs,
		"duration": res.Duration.String(),
		"usage":    res.Usage,
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func initLogger(level string) *zap.Logger {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "info":
		lvl = zapcore.InfoLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.WarnLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// echoModel renders a completion from the prompt itself so flows can be
// exercised without a provider. Tokens stream word by word.
type echoModel struct{}

func (m *echoModel) Invoke(ctx context.Context, req exec.ModelRequest, onToken func(string)) (*exec.ModelResult, error) {
	text := "[" + req.Model + "] " + req.Prompt
	if onToken != nil {
		for _, tok := range strings.SplitAfter(text, " ") {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			onToken(tok)
		}
	}
	return &exec.ModelResult{Text: text, FinishReason: "stop"}, nil
}

// echoTools returns its arguments unchanged.
type echoTools struct{}

func (t *echoTools) Call(ctx context.Context, toolID string, args map[string]any) (any, error) {
	return map[string]any{"tool": toolID, "args": args}, nil
}

// echoRetriever fabricates one document that quotes the query.
type echoRetriever struct{}

func (r *echoRetriever) Search(ctx context.Context, query, collectionID string, topK int) ([]exec.Document, error) {
	return []exec.Document{{
		Content:  fmt.Sprintf("stub document for %q from collection %s", query, collectionID),
		Score:    1.0,
		Metadata: map[string]any{"collection": collectionID},
	}}, nil
}
