package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAICompatToolRoundTrip(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"model": "deepseek-chat",
			"choices": [{
				"finish_reason": "tool_calls",
				"message": {
					"content": "",
					"tool_calls": [
						{"id": "call_1", "type": "function", "function": {"name": "ver_tarefas", "arguments": "{}"}},
						{"type": "function", "function": {"name": "adicionar_tarefa", "arguments": "{\"texto\":\"x\"}"}}
					]
				}
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAICompat("deepseek", srv.URL+"/", "sk-test", "deepseek-chat")
	tools := []ToolDefinition{{
		Name:        "adicionar_tarefa",
		Description: "adiciona",
		InputSchema: map[string]any{"texto": map[string]any{"type": "string"}},
		Required:    []string{"texto"},
	}}
	exchange := []ToolMessage{
		AssistantToolUse("vou ver", []ToolCall{{ID: "c0", Name: "ver_tarefas", Input: json.RawMessage(`{}`)}}),
		UserToolResults([]ToolResult{{ToolCallID: "c0", Content: "Nenhuma tarefa."}}),
	}

	resp, err := p.CompleteWithTools(context.Background(), CompletionRequest{
		System:   "sys",
		Messages: []Message{{Role: "user", Content: "oi"}},
	}, tools, exchange)
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.NotEmpty(t, resp.ToolCalls[1].ID)
	assert.JSONEq(t, `{"texto":"x"}`, string(resp.ToolCalls[1].Input))
	assert.Equal(t, 12, resp.InputTokens)

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assistant := msgs[2].(map[string]any)
	assert.Equal(t, "assistant", assistant["role"])
	assert.Len(t, assistant["tool_calls"], 1)
	toolMsg := msgs[3].(map[string]any)
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "c0", toolMsg["tool_call_id"])

	fn := got["tools"].([]any)[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "adicionar_tarefa", fn["name"])
	params := fn["parameters"].(map[string]any)
	assert.Equal(t, []any{"texto"}, params["required"])
}

func TestOpenAICompatStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAICompat("deepseek", srv.URL, "", "m")
	_, err := p.Complete(context.Background(), CompletionRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
	assert.Equal(t, "deepseek", pe.Provider)
	assert.True(t, pe.Retryable())
}

func TestAnthropicStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"bad key"}}`)
	}))
	defer srv.Close()

	p := NewAnthropicCompat("deepseek-anthropic", srv.URL, "bad", "deepseek-chat")
	_, err := p.CompleteWithTools(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "oi"}},
	}, nil, nil)
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	assert.False(t, pe.Retryable())
}
