package exec

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/flowengine-dev/flowengine/types"
)

// RateLimitedInvoker wraps a ModelInvoker with a token-bucket limiter so
// parallel branches cannot stampede a provider. Waiting respects the
// caller's context, so node timeouts and run cancellation cut the wait
// short.
type RateLimitedInvoker struct {
	inner   ModelInvoker
	limiter *rate.Limiter
}

// NewRateLimitedInvoker wraps inner, allowing rps requests per second with
// the given burst.
func NewRateLimitedInvoker(inner ModelInvoker, rps float64, burst int) *RateLimitedInvoker {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedInvoker{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Invoke waits for a limiter slot, then delegates.
func (r *RateLimitedInvoker) Invoke(ctx context.Context, req ModelRequest, onToken func(string)) (*ModelResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, types.NewError(types.ErrRateLimited, "rate limiter wait aborted").
			WithCause(err).
			WithRetryable(true)
	}
	return r.inner.Invoke(ctx, req, onToken)
}
