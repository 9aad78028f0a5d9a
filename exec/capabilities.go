package exec

import (
	"context"
	"net/http"
	"time"

	"github.com/flowengine-dev/flowengine/types"
)

// ModelRequest is one model invocation, already rendered from the node's
// prompt template and resolved inputs.
type ModelRequest struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// ModelResult is the completed model response. Providers that stream report
// the full text here as well as token-by-token through the callback.
type ModelResult struct {
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        types.Usage `json:"usage"`
}

// ModelInvoker is the abstract model-invocation capability. Implementations
// must call onToken for each partial chunk when they stream; onToken may be
// nil. Errors are classified through types.Error codes: rate limits and
// timeouts retryable, invalid requests fatal.
type ModelInvoker interface {
	Invoke(ctx context.Context, req ModelRequest, onToken func(string)) (*ModelResult, error)
}

// ToolInvoker is the tool/plugin invocation capability.
type ToolInvoker interface {
	Call(ctx context.Context, toolID string, args map[string]any) (any, error)
}

// Document is one retrieval hit, ordered by descending score.
type Document struct {
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Retriever is the knowledge retrieval capability.
type Retriever interface {
	Search(ctx context.Context, query, collectionID string, topK int) ([]Document, error)
}

// SandboxResult is the outcome of a sandboxed code run.
type SandboxResult struct {
	Stdout string `json:"stdout"`
	Result any    `json:"result,omitempty"`
}

// SandboxRunner is the external code-execution capability. The engine never
// runs user code in-process.
type SandboxRunner interface {
	Run(ctx context.Context, language, code string, inputs map[string]any, timeout time.Duration) (*SandboxResult, error)
}

// Capabilities bundles the external collaborators executors delegate to.
// Any field may be nil; executors needing a missing capability fail with a
// fatal configuration error.
type Capabilities struct {
	Model      ModelInvoker
	Tools      ToolInvoker
	Retriever  Retriever
	Sandbox    SandboxRunner
	HTTPClient *http.Client
}
