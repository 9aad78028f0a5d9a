package exec

import (
	"context"

	"go.uber.org/zap"

	"github.com/flowengine-dev/flowengine/graph"
	"github.com/flowengine-dev/flowengine/types"
)

// ModelCallExecutor invokes the abstract model capability, streaming
// partial tokens through emit. When the provider reports no usage, token
// counts are estimated from the prompt and completion text.
type ModelCallExecutor struct {
	invoker   ModelInvoker
	estimator *TokenEstimator
	logger    *zap.Logger
}

// NewModelCallExecutor creates a model call executor.
func NewModelCallExecutor(invoker ModelInvoker, logger *zap.Logger) *ModelCallExecutor {
	return &ModelCallExecutor{
		invoker:   invoker,
		estimator: NewTokenEstimator(),
		logger:    logger.With(zap.String("component", "model_executor")),
	}
}

func (e *ModelCallExecutor) Kind() graph.NodeKind { return graph.KindModelCall }

func (e *ModelCallExecutor) Execute(ctx context.Context, req *Request, emit EmitFunc) (*Result, error) {
	if e.invoker == nil {
		return nil, types.Errorf(types.ErrInvalidRequest,
			"node %s: no model invoker configured", req.Node.ID).WithNode(req.Node.ID)
	}

	prompt := RenderTemplate(req.Node.Config.Prompt, req.Inputs)
	mreq := ModelRequest{
		Provider:    req.Node.Config.Provider,
		Model:       req.Node.Config.Model,
		Prompt:      prompt,
		Temperature: req.Node.Config.Temperature,
		MaxTokens:   req.Node.Config.MaxTokens,
	}

	e.logger.Debug("invoking model",
		zap.String("node_id", req.Node.ID),
		zap.String("model", mreq.Model),
		zap.Int("attempt", req.Attempt),
	)

	var onToken func(string)
	if emit != nil {
		onToken = func(tok string) { emit(tok) }
	}

	res, err := e.invoker.Invoke(ctx, mreq, onToken)
	if err != nil {
		return nil, classifyProviderError(err, req.Node.ID)
	}

	usage := res.Usage
	if usage.IsZero() {
		usage = e.estimator.Estimate(prompt, res.Text)
	}

	return &Result{
		Outputs: map[string]any{
			"text":          res.Text,
			"finish_reason": res.FinishReason,
		},
		Usage: usage,
	}, nil
}

// classifyProviderError maps arbitrary provider failures onto the engine
// taxonomy. Engine errors pass through untouched; context deadline and
// cancellation are handled by the retry wrapper, so everything else is an
// unknown provider error and not retried.
func classifyProviderError(err error, nodeID string) error {
	if code := types.CodeOf(err); code != "" {
		return err
	}
	return types.NewError(types.ErrProviderUnknown, "model invocation failed").
		WithCause(err).
		WithNode(nodeID)
}
