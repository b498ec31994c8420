package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how a model call is repeated after a retryable
// failure. MaxAttempts counts the first try; 1 disables retries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration // first wait, doubled per attempt
	MaxBackoff  time.Duration // cap for a single wait
}

// DefaultRetryPolicy performs a single attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Backoff: time.Second, MaxBackoff: 30 * time.Second}
}

func (rp RetryPolicy) backoff() retry.Backoff {
	base := rp.Backoff
	if base <= 0 {
		base = time.Second
	}
	b := retry.NewExponential(base)
	if rp.MaxBackoff > 0 {
		b = retry.WithCappedDuration(rp.MaxBackoff, b)
	}
	retries := rp.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), b)
}

// RetryingProvider wraps a ToolProvider with a RetryPolicy. Only errors
// whose ProviderError reports Retryable are repeated.
type RetryingProvider struct {
	inner  ToolProvider
	policy RetryPolicy
}

// WithRetry wraps p with policy. A policy allowing a single attempt
// returns p unchanged.
func WithRetry(p ToolProvider, policy RetryPolicy) ToolProvider {
	if policy.MaxAttempts <= 1 {
		return p
	}
	return &RetryingProvider{inner: p, policy: policy}
}

func (r *RetryingProvider) Name() string { return r.inner.Name() }

func (r *RetryingProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return r.do(ctx, func(ctx context.Context) (*CompletionResponse, error) {
		return r.inner.Complete(ctx, req)
	})
}

func (r *RetryingProvider) CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) (*CompletionResponse, error) {
	return r.do(ctx, func(ctx context.Context) (*CompletionResponse, error) {
		return r.inner.CompleteWithTools(ctx, req, tools, toolMessages)
	})
}

func (r *RetryingProvider) do(ctx context.Context, call func(context.Context) (*CompletionResponse, error)) (*CompletionResponse, error) {
	var resp *CompletionResponse
	attempt := 0
	err := retry.Do(ctx, r.policy.backoff(), func(ctx context.Context) error {
		attempt++
		var err error
		resp, err = call(ctx)
		if err == nil {
			return nil
		}
		var pe *ProviderError
		if errors.As(err, &pe) && pe.Retryable() {
			slog.Warn("model call failed, retrying",
				"provider", r.inner.Name(),
				"attempt", attempt,
				"status", pe.StatusCode,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
