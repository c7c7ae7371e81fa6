package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stalledInvoker never answers; it only honors the context.
type stalledInvoker struct{}

func (stalledInvoker) Complete(ctx context.Context, _ CompletionRequest) (*CompletionResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledInvoker) Model() string { return "stalled" }

func TestWithTimeoutCapsCompletion(t *testing.T) {
	wrapped := WithTimeout(stalledInvoker{}, 20*time.Millisecond)

	start := time.Now()
	_, err := wrapped.Complete(context.Background(), CompletionRequest{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestWithTimeoutKeepsEarlierDeadline(t *testing.T) {
	wrapped := WithTimeout(stalledInvoker{}, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := wrapped.Complete(ctx, CompletionRequest{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithTimeoutZeroIsPassthrough(t *testing.T) {
	inner := NewMockInvoker(Text("ok"))
	require.Same(t, inner, WithTimeout(inner, 0))
}
