package llm

import (
	"context"
	"errors"
	"time"

	"github.com/leafwise/sprout/internal/reliability"
)

// RetryClient retries a failed completion once when the failure is
// transient and nothing has been streamed to the caller yet. Once a
// delta has been delivered a retry would duplicate output, so the
// error is returned as-is.
type RetryClient struct {
	inner Client
	base  time.Duration
}

func NewRetryClient(inner Client) *RetryClient {
	return &RetryClient{inner: inner, base: 200 * time.Millisecond}
}

func (c *RetryClient) Complete(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	streamed := false
	wrapped := onDelta
	if onDelta != nil {
		wrapped = func(delta string) error {
			streamed = true
			return onDelta(delta)
		}
	}

	res, err := c.inner.Complete(ctx, req, wrapped)
	if err == nil {
		return res, nil
	}
	if streamed || !errors.Is(err, ErrUnavailable) {
		return Response{}, err
	}
	if ctx.Err() != nil {
		return Response{}, err
	}

	select {
	case <-ctx.Done():
		return Response{}, err
	case <-time.After(reliability.ExponentialBackoff(0, c.base, 2*time.Second)):
	}

	return c.inner.Complete(ctx, req, onDelta)
}
