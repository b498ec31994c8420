package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyProvider struct {
	errs  []error
	calls int
}

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return f.CompleteWithTools(ctx, req, nil, nil)
}

func (f *flakyProvider) CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, msgs []ToolMessage) (*CompletionResponse, error) {
	f.calls++
	if f.calls <= len(f.errs) {
		return nil, f.errs[f.calls-1]
	}
	return &CompletionResponse{Content: "ok"}, nil
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	f := &flakyProvider{errs: []error{
		&ProviderError{Message: "overloaded", StatusCode: 529},
		&ProviderError{Message: "reset"},
	}}
	p := WithRetry(f, fastPolicy(3))

	resp, err := p.CompleteWithTools(context.Background(), CompletionRequest{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, f.calls)
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	boom := &ProviderError{Message: "down", StatusCode: 503}
	f := &flakyProvider{errs: []error{boom, boom, boom, boom}}
	p := WithRetry(f, fastPolicy(2))

	_, err := p.Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, f.calls)
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	auth := &ProviderError{Message: "unauthorized", StatusCode: 401}
	f := &flakyProvider{errs: []error{auth}}
	p := WithRetry(f, fastPolicy(5))

	_, err := p.Complete(context.Background(), CompletionRequest{})
	assert.ErrorIs(t, err, auth)
	assert.Equal(t, 1, f.calls)

	plain := errors.New("not a provider error")
	f = &flakyProvider{errs: []error{plain}}
	_, err = WithRetry(f, fastPolicy(5)).Complete(context.Background(), CompletionRequest{})
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, 1, f.calls)
}

func TestSingleAttemptPolicyIsPassThrough(t *testing.T) {
	f := &flakyProvider{}
	assert.Same(t, ToolProvider(f), WithRetry(f, DefaultRetryPolicy()))
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, (&ProviderError{StatusCode: 429}).Retryable())
	assert.True(t, (&ProviderError{StatusCode: 500}).Retryable())
	assert.True(t, (&ProviderError{}).Retryable())
	assert.False(t, (&ProviderError{StatusCode: 400}).Retryable())
	assert.False(t, (&ProviderError{Err: context.Canceled}).Retryable())
	assert.False(t, ErrNoProvider.Retryable())
}

func TestRouterFallback(t *testing.T) {
	deep := &flakyProvider{}
	r := NewRouter(map[Tier]Provider{TierDeep: deep})

	assert.Same(t, Provider(deep), r.Resolve(TierFast))
	tp, err := r.ResolveTools(TierFast)
	require.NoError(t, err)
	assert.Same(t, ToolProvider(deep), tp)

	empty := NewRouter(nil)
	_, err = empty.ResolveTools(TierFast)
	assert.ErrorIs(t, err, ErrNoProvider)
	_, err = empty.Complete(context.Background(), TierDeep, CompletionRequest{})
	assert.ErrorIs(t, err, ErrNoProvider)
}
