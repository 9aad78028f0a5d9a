package exec

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/flowengine-dev/flowengine/graph"
	"github.com/flowengine-dev/flowengine/types"
)

// Runner wraps executor invocations with the node's timeout and retry
// policy. A node timeout is classified as retryable, exactly like a
// provider timeout; exhausted retries escalate to node failure.
type Runner struct {
	logger *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger.With(zap.String("component", "node_runner"))}
}

// Run executes one node, applying its timeout and retry policy. It returns
// the result, the number of attempts made, and the final error if all
// attempts failed. Run-level cancellation aborts immediately without
// further retries.
func (r *Runner) Run(ctx context.Context, executor Executor, req *Request, emit EmitFunc) (*Result, int, error) {
	policy := req.Node.Config.Retry
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(policy, attempt-1)
			r.logger.Debug("retrying node",
				zap.String("node_id", req.Node.ID),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, attempt - 1, cancelError(ctx, req.Node.ID)
			case <-time.After(delay):
			}
		}

		req.Attempt = attempt
		result, err := r.runOnce(ctx, executor, req, emit)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		// Run-level cancellation is terminal, never retried.
		if ctx.Err() != nil {
			return nil, attempt, cancelError(ctx, req.Node.ID)
		}
		if !types.IsRetryable(err) {
			return nil, attempt, err
		}
	}

	// With a single attempt no retry ever ran; the underlying code (for
	// example EXECUTION_TIMEOUT) must surface unwrapped.
	if maxAttempts == 1 {
		return nil, 1, lastErr
	}
	return nil, maxAttempts, types.Errorf(types.ErrRetriesExhausted,
		"node %s failed after %d attempts", req.Node.ID, maxAttempts).
		WithCause(lastErr).
		WithNode(req.Node.ID)
}

// runOnce applies the per-node timeout to a single attempt.
func (r *Runner) runOnce(ctx context.Context, executor Executor, req *Request, emit EmitFunc) (*Result, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if t := req.Node.Config.Timeout; t > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	result, err := executor.Execute(attemptCtx, req, emit)
	if err == nil {
		return result, nil
	}

	// Distinguish this node's timeout from run-level cancellation.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, types.Errorf(types.ErrExecutionTimeout,
			"node %s exceeded its timeout", req.Node.ID).
			WithCause(err).
			WithRetryable(true).
			WithNode(req.Node.ID)
	}
	if attemptCtx.Err() != nil && ctx.Err() == nil && types.CodeOf(err) == "" {
		return nil, types.Errorf(types.ErrExecutionTimeout,
			"node %s exceeded its timeout", req.Node.ID).
			WithCause(err).
			WithRetryable(true).
			WithNode(req.Node.ID)
	}
	return nil, err
}

func cancelError(ctx context.Context, nodeID string) error {
	return types.Errorf(types.ErrRunCancelled, "node %s cancelled", nodeID).
		WithCause(ctx.Err()).
		WithNode(nodeID)
}

// backoffDelay computes the exponential backoff delay for the given retry
// number (1-based), with optional jitter of ±25%.
func backoffDelay(policy graph.RetryPolicy, retry int) time.Duration {
	initial := policy.InitialDelay
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	multiplier := policy.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	delay := float64(initial) * math.Pow(multiplier, float64(retry-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if policy.Jitter {
		delay = delay * (0.75 + rand.Float64()*0.5)
	}
	return time.Duration(delay)
}
