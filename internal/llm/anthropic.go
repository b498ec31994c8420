package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements ToolProvider for Claude and for any
// Anthropic-compatible endpoint (DeepSeek exposes one too).
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
	name   string
}

// NewAnthropic creates a provider for the Anthropic API.
func NewAnthropic(apiKey, model string) *AnthropicProvider {
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return newAnthropic("anthropic", "", apiKey, model)
}

// NewAnthropicCompat creates an Anthropic-compatible provider with a custom
// base URL.
func NewAnthropicCompat(name, baseURL, apiKey, model string) *AnthropicProvider {
	return newAnthropic(name, baseURL, apiKey, model)
}

func newAnthropic(name, baseURL, apiKey, model string) *AnthropicProvider {
	// Retries belong to RetryPolicy; the SDK's own retry loop is disabled so
	// attempts stay countable.
	opts := []option.RequestOption{
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{client: &client, model: model, name: name}
}

func (p *AnthropicProvider) Name() string {
	if p.name != "" {
		return p.name
	}
	return "anthropic"
}

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return p.CompleteWithTools(ctx, req, nil, nil)
}

// CompleteWithTools sends a completion request with tool definitions.
// toolMessages is the tool exchange of the current turn, appended after
// the conversation messages.
func (p *AnthropicProvider) CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) (*CompletionResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 4096,
		Messages:  anthropicMessages(req.Messages, toolMessages),
		Tools:     anthropicTools(tools),
	}
	if req.Model != "" {
		params.Model = anthropic.Model(req.Model)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	// Streaming keeps long requests alive past the SDK's non-streaming limit.
	stream := p.client.Messages.NewStreaming(ctx, params,
		option.WithRequestTimeout(10*time.Minute),
	)
	defer stream.Close()

	var msg anthropic.Message
	for stream.Next() {
		if err := msg.Accumulate(stream.Current()); err != nil {
			return nil, &ProviderError{
				Message:  fmt.Sprintf("stream accumulate: %v", err),
				Provider: p.Name(),
				Err:      err,
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, p.providerError(err)
	}

	resp := completionFromMessage(&msg)
	slog.Debug("anthropic completion",
		"provider", p.Name(),
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.ToolCalls),
	)
	return resp, nil
}

// anthropicMessages converts the conversation and the tool exchange into
// message params. Consecutive messages with the same role are folded into
// one message so the roles alternate.
func anthropicMessages(history []Message, exchange []ToolMessage) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	add := func(role string, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 || (role != "user" && role != "assistant") {
			return
		}
		if n := len(out); n > 0 && string(out[n-1].Role) == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		if role == "user" {
			out = append(out, anthropic.NewUserMessage(blocks...))
		} else {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}

	for _, m := range history {
		if m.Content != "" {
			add(m.Role, []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)})
		}
	}
	for _, tm := range exchange {
		add(tm.Role, toolBlocks(tm.Content))
	}
	return out
}

func toolBlocks(content []ContentBlock) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, b := range content {
		switch {
		case b.Type == "text" && b.Text != "":
			blocks = append(blocks, anthropic.NewTextBlock(b.Text))
		case b.Type == "tool_use" && b.ToolCall != nil:
			input := map[string]any{}
			if len(b.ToolCall.Input) > 0 {
				// a malformed call is replayed with empty input
				_ = json.Unmarshal(b.ToolCall.Input, &input)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolCall.ID, input, b.ToolCall.Name))
		case b.Type == "tool_result" && b.ToolResult != nil:
			r := b.ToolResult
			blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
		}
	}
	return blocks
}

func anthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, len(defs))
	for i, d := range defs {
		out[i] = anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: d.InputSchema,
				Required:   d.Required,
			},
		}}
	}
	return out
}

func completionFromMessage(msg *anthropic.Message) *CompletionResponse {
	resp := &CompletionResponse{
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		StopReason:   string(msg.StopReason),
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			input, _ := json.Marshal(v.Input)
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: v.ID, Name: v.Name, Input: input})
		}
	}
	resp.Content = text.String()
	return resp
}

func (p *AnthropicProvider) providerError(err error) *ProviderError {
	pe := &ProviderError{Message: err.Error(), Provider: p.Name(), Err: err}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.StatusCode
	}
	return pe
}
