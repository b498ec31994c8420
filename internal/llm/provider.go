// Package llm provides the model backends Iris reasons with: a provider
// interface, tier routing with fallback, Anthropic-format and
// OpenAI-format implementations and a capped retry wrapper.
package llm

import (
	"context"
	"errors"
	"net/http"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
}

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	StopReason   string     `json:"stop_reason"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "deepseek").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ToolProvider is a Provider that supports tool calling. toolMessages holds
// the tool exchange of the current turn, appended after req.Messages.
type ToolProvider interface {
	Provider
	CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) (*CompletionResponse, error)
}

// Tier represents the quality/cost tier for model selection.
type Tier int

const (
	TierFast Tier = iota // Cheap, fast: chat turns, tool calling
	TierMid              // Balanced
	TierDeep             // Thorough: nightly reflection
)

func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierMid:
		return "mid"
	case TierDeep:
		return "deep"
	}
	return "unknown"
}

// Router selects the appropriate provider based on task tier.
type Router struct {
	providers map[Tier]Provider
}

// NewRouter creates a provider router with the given tier mappings.
func NewRouter(providers map[Tier]Provider) *Router {
	return &Router{providers: providers}
}

// Complete routes a request to the appropriate provider based on tier.
// Fallback chain: requested tier, then deep, mid, fast.
func (r *Router) Complete(ctx context.Context, tier Tier, req CompletionRequest) (*CompletionResponse, error) {
	p := r.Resolve(tier)
	if p == nil {
		return nil, ErrNoProvider
	}
	return p.Complete(ctx, req)
}

// CompleteWithTools routes a request with tools to the appropriate provider.
// Providers without tool support get a plain Complete.
func (r *Router) CompleteWithTools(ctx context.Context, tier Tier, req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) (*CompletionResponse, error) {
	p := r.Resolve(tier)
	if p == nil {
		return nil, ErrNoProvider
	}
	if tp, ok := p.(ToolProvider); ok {
		return tp.CompleteWithTools(ctx, req, tools, toolMessages)
	}
	return p.Complete(ctx, req)
}

// Resolve finds the provider for tier using the fallback chain, or nil.
func (r *Router) Resolve(tier Tier) Provider {
	if p, ok := r.providers[tier]; ok {
		return p
	}
	for _, fallback := range []Tier{TierDeep, TierMid, TierFast} {
		if fallback == tier {
			continue
		}
		if p, ok := r.providers[fallback]; ok {
			return p
		}
	}
	return nil
}

// ResolveTools returns a tool-capable provider for tier. It prefers the
// tier's own provider and otherwise walks the fallback chain for one that
// supports tools.
func (r *Router) ResolveTools(tier Tier) (ToolProvider, error) {
	if tp, ok := r.Resolve(tier).(ToolProvider); ok {
		return tp, nil
	}
	for _, fallback := range []Tier{TierDeep, TierMid, TierFast} {
		if tp, ok := r.providers[fallback].(ToolProvider); ok {
			return tp, nil
		}
	}
	return nil, ErrNoProvider
}

// HasToolProvider returns true if the provider for tier supports tools.
func (r *Router) HasToolProvider(tier Tier) bool {
	_, ok := r.Resolve(tier).(ToolProvider)
	return ok
}

// ErrNoProvider is returned when no provider is configured for the requested tier.
var ErrNoProvider = &ProviderError{Message: "no provider configured for requested tier"}

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int // 0 for transport failures
	Provider   string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the request may succeed: rate limits,
// server errors and transport failures. Auth and request errors are final,
// and so is a cancelled or expired context.
func (e *ProviderError) Retryable() bool {
	if e == ErrNoProvider {
		return false
	}
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
		return false
	}
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}
