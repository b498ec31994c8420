package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OpenAICompatProvider implements ToolProvider for any OpenAI-compatible
// chat completions API (DeepSeek, Kimi, local servers) using function
// calling.
type OpenAICompatProvider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAICompat creates a provider for OpenAI-compatible APIs.
func NewOpenAICompat(name, baseURL, apiKey, model string) *OpenAICompatProvider {
	return &OpenAICompatProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  openaiHTTPClient,
	}
}

func (p *OpenAICompatProvider) Name() string { return p.name }

func (p *OpenAICompatProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return p.CompleteWithTools(ctx, req, nil, nil)
}

// CompleteWithTools maps the tool exchange onto OpenAI's format: assistant
// messages carry tool_calls, each result is a "tool" role message.
func (p *OpenAICompatProvider) CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var messages []map[string]interface{}
	if req.System != "" {
		messages = append(messages, map[string]interface{}{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]interface{}{"role": m.Role, "content": m.Content})
	}
	messages = append(messages, openAIToolMessages(toolMessages)...)

	body := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
	}
	if len(tools) > 0 {
		body["tools"] = openAITools(tools)
	}

	resp, err := doOpenAIRequest(ctx, p.client, p.baseURL+"/chat/completions", p.apiKey, body)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) {
			pe.Provider = p.name
			return nil, pe
		}
		return nil, &ProviderError{Message: err.Error(), Provider: p.name, Err: err}
	}
	slog.Debug("openai completion",
		"provider", p.name,
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.ToolCalls),
	)
	return resp, nil
}

func openAITools(tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		params := map[string]interface{}{
			"type":       "object",
			"properties": t.InputSchema,
		}
		if len(t.Required) > 0 {
			params["required"] = t.Required
		}
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

func openAIToolMessages(toolMessages []ToolMessage) []map[string]interface{} {
	var out []map[string]interface{}
	for _, tm := range toolMessages {
		switch tm.Role {
		case "assistant":
			var text strings.Builder
			var calls []map[string]interface{}
			for _, b := range tm.Content {
				switch {
				case b.Type == "text":
					text.WriteString(b.Text)
				case b.Type == "tool_use" && b.ToolCall != nil:
					args := string(b.ToolCall.Input)
					if args == "" {
						args = "{}"
					}
					calls = append(calls, map[string]interface{}{
						"id":   b.ToolCall.ID,
						"type": "function",
						"function": map[string]interface{}{
							"name":      b.ToolCall.Name,
							"arguments": args,
						},
					})
				}
			}
			msg := map[string]interface{}{"role": "assistant", "content": text.String()}
			if len(calls) > 0 {
				msg["tool_calls"] = calls
			}
			out = append(out, msg)
		case "user":
			for _, b := range tm.Content {
				switch {
				case b.Type == "tool_result" && b.ToolResult != nil:
					out = append(out, map[string]interface{}{
						"role":         "tool",
						"tool_call_id": b.ToolResult.ToolCallID,
						"content":      b.ToolResult.Content,
					})
				case b.Type == "text" && b.Text != "":
					out = append(out, map[string]interface{}{"role": "user", "content": b.Text})
				}
			}
		}
	}
	return out
}

// openaiHTTPClient is a shared HTTP client for OpenAI-compatible requests
// with a generous timeout for large context windows.
var openaiHTTPClient = &http.Client{Timeout: 10 * time.Minute}

// doOpenAIRequest makes an HTTP request to an OpenAI-compatible endpoint.
// Non-200 statuses come back as *ProviderError with StatusCode set.
func doOpenAIRequest(ctx context.Context, client *http.Client, url, apiKey string, body map[string]interface{}) (*CompletionResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "iris/1.0")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("http request: %v", err), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("read response: %v", err), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncateBody(respBody, 500)),
			StatusCode: resp.StatusCode,
		}
	}

	var oaiResp struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}

	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	out := &CompletionResponse{
		Model:        oaiResp.Model,
		InputTokens:  oaiResp.Usage.PromptTokens,
		OutputTokens: oaiResp.Usage.CompletionTokens,
	}
	if len(oaiResp.Choices) == 0 {
		return out, nil
	}
	choice := oaiResp.Choices[0]
	out.Content = choice.Message.Content
	out.StopReason = choice.FinishReason
	for _, tc := range choice.Message.ToolCalls {
		id := tc.ID
		if id == "" {
			id = uuid.NewString()
		}
		args := json.RawMessage(tc.Function.Arguments)
		if len(bytes.TrimSpace(args)) == 0 {
			args = json.RawMessage("{}")
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:    id,
			Name:  tc.Function.Name,
			Input: args,
		})
	}
	return out, nil
}

func truncateBody(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
