package exec

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flowengine-dev/flowengine/graph"
	"github.com/flowengine-dev/flowengine/types"
)

// ToolCallExecutor delegates to the tool/plugin invocation capability.
type ToolCallExecutor struct {
	invoker ToolInvoker
	logger  *zap.Logger
}

// NewToolCallExecutor creates a tool call executor.
func NewToolCallExecutor(invoker ToolInvoker, logger *zap.Logger) *ToolCallExecutor {
	return &ToolCallExecutor{
		invoker: invoker,
		logger:  logger.With(zap.String("component", "tool_executor")),
	}
}

func (e *ToolCallExecutor) Kind() graph.NodeKind { return graph.KindToolCall }

func (e *ToolCallExecutor) Execute(ctx context.Context, req *Request, emit EmitFunc) (*Result, error) {
	if e.invoker == nil {
		return nil, types.Errorf(types.ErrInvalidRequest,
			"node %s: no tool invoker configured", req.Node.ID).WithNode(req.Node.ID)
	}

	e.logger.Debug("calling tool",
		zap.String("node_id", req.Node.ID),
		zap.String("tool_id", req.Node.Config.ToolID),
	)

	result, err := e.invoker.Call(ctx, req.Node.Config.ToolID, req.Inputs)
	if err != nil {
		if code := types.CodeOf(err); code != "" {
			return nil, err
		}
		return nil, types.Errorf(types.ErrToolFailed, "tool %s failed", req.Node.Config.ToolID).
			WithCause(err).
			WithNode(req.Node.ID)
	}

	return &Result{Outputs: map[string]any{"result": result}}, nil
}

// RetrievalExecutor queries the knowledge retrieval capability. The query
// comes from the "query" input; results are exposed both as structured
// documents and as a concatenated context string for prompt stuffing.
type RetrievalExecutor struct {
	retriever Retriever
	logger    *zap.Logger
}

// NewRetrievalExecutor creates a retrieval executor.
func NewRetrievalExecutor(retriever Retriever, logger *zap.Logger) *RetrievalExecutor {
	return &RetrievalExecutor{
		retriever: retriever,
		logger:    logger.With(zap.String("component", "retrieval_executor")),
	}
}

func (e *RetrievalExecutor) Kind() graph.NodeKind { return graph.KindRetrieval }

func (e *RetrievalExecutor) Execute(ctx context.Context, req *Request, emit EmitFunc) (*Result, error) {
	if e.retriever == nil {
		return nil, types.Errorf(types.ErrInvalidRequest,
			"node %s: no retriever configured", req.Node.ID).WithNode(req.Node.ID)
	}

	query := toString(req.Inputs["query"])
	topK := req.Node.Config.TopK
	if topK <= 0 {
		topK = 5
	}

	docs, err := e.retriever.Search(ctx, query, req.Node.Config.CollectionID, topK)
	if err != nil {
		if code := types.CodeOf(err); code != "" {
			return nil, err
		}
		return nil, types.Errorf(types.ErrRetrievalFailed,
			"retrieval from %s failed", req.Node.Config.CollectionID).
			WithCause(err).
			WithNode(req.Node.ID)
	}

	contents := make([]string, len(docs))
	structured := make([]any, len(docs))
	for i, d := range docs {
		contents[i] = d.Content
		structured[i] = map[string]any{"content": d.Content, "score": d.Score}
	}

	return &Result{Outputs: map[string]any{
		"documents": structured,
		"context":   strings.Join(contents, "\n\n"),
	}}, nil
}

// HTTPRequestExecutor performs an outbound HTTP call. URL and header
// values support {{name}} placeholders filled from resolved inputs; the
// "body" input, when present, is sent as JSON.
type HTTPRequestExecutor struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPRequestExecutor creates an HTTP executor. A nil client gets a
// default with a conservative timeout; per-node timeouts still apply
// through the request context.
func NewHTTPRequestExecutor(client *http.Client, logger *zap.Logger) *HTTPRequestExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRequestExecutor{
		client: client,
		logger: logger.With(zap.String("component", "http_executor")),
	}
}

func (e *HTTPRequestExecutor) Kind() graph.NodeKind { return graph.KindHTTPRequest }

func (e *HTTPRequestExecutor) Execute(ctx context.Context, req *Request, emit EmitFunc) (*Result, error) {
	cfg := req.Node.Config
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	url := RenderTemplate(cfg.URL, req.Inputs)

	var body io.Reader
	if raw, ok := req.Inputs["body"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, types.Errorf(types.ErrHTTPFailed, "encode request body").
				WithCause(err).
				WithNode(req.Node.ID)
		}
		body = strings.NewReader(string(data))
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, types.Errorf(types.ErrHTTPFailed, "build request %s %s", method, url).
			WithCause(err).
			WithNode(req.Node.ID)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, RenderTemplate(v, req.Inputs))
	}

	e.logger.Debug("http request",
		zap.String("node_id", req.Node.ID),
		zap.String("method", method),
		zap.String("url", url),
	)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		// Network failures are transient; the retry policy decides.
		return nil, types.Errorf(types.ErrHTTPFailed, "%s %s", method, url).
			WithCause(err).
			WithRetryable(true).
			WithNode(req.Node.ID)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, types.Errorf(types.ErrHTTPFailed, "read response from %s", url).
			WithCause(err).
			WithRetryable(true).
			WithNode(req.Node.ID)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, types.Errorf(types.ErrHTTPFailed, "%s %s: status %d", method, url, resp.StatusCode).
			WithRetryable(true).
			WithNode(req.Node.ID)
	}
	if resp.StatusCode >= 400 {
		return nil, types.Errorf(types.ErrHTTPFailed, "%s %s: status %d", method, url, resp.StatusCode).
			WithNode(req.Node.ID)
	}

	outputs := map[string]any{
		"status": resp.StatusCode,
		"body":   string(data),
	}
	var decoded any
	if json.Unmarshal(data, &decoded) == nil {
		outputs["json"] = decoded
	}
	return &Result{Outputs: outputs}, nil
}

// SandboxExecutor delegates to the external code-execution service.
type SandboxExecutor struct {
	runner SandboxRunner
	logger *zap.Logger
}

// NewSandboxExecutor creates a sandbox executor.
func NewSandboxExecutor(runner SandboxRunner, logger *zap.Logger) *SandboxExecutor {
	return &SandboxExecutor{
		runner: runner,
		logger: logger.With(zap.String("component", "sandbox_executor")),
	}
}

func (e *SandboxExecutor) Kind() graph.NodeKind { return graph.KindCodeSandbox }

func (e *SandboxExecutor) Execute(ctx context.Context, req *Request, emit EmitFunc) (*Result, error) {
	if e.runner == nil {
		return nil, types.Errorf(types.ErrInvalidRequest,
			"node %s: no sandbox runner configured", req.Node.ID).WithNode(req.Node.ID)
	}

	cfg := req.Node.Config
	e.logger.Debug("sandbox run",
		zap.String("node_id", req.Node.ID),
		zap.String("language", cfg.Language),
	)

	res, err := e.runner.Run(ctx, cfg.Language, cfg.Code, req.Inputs, cfg.Timeout)
	if err != nil {
		if code := types.CodeOf(err); code != "" {
			return nil, err
		}
		return nil, types.Errorf(types.ErrSandboxFailed, "sandbox run failed (%s)", cfg.Language).
			WithCause(err).
			WithNode(req.Node.ID)
	}

	return &Result{Outputs: map[string]any{
		"stdout": res.Stdout,
		"result": res.Result,
	}}, nil
}
