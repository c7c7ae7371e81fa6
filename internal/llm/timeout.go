package llm

import (
	"context"
	"time"
)

// WithTimeout caps every completion with a deadline. A non-positive timeout
// returns the invoker unwrapped.
func WithTimeout(inner Invoker, timeout time.Duration) Invoker {
	if timeout <= 0 {
		return inner
	}
	return &timeoutInvoker{inner: inner, timeout: timeout}
}

type timeoutInvoker struct {
	inner   Invoker
	timeout time.Duration
}

func (t *timeoutInvoker) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Complete(ctx, req)
}

func (t *timeoutInvoker) Model() string {
	return t.inner.Model()
}
