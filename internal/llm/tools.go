package llm

import (
	"encoding/json"
)

// ToolDefinition describes a tool the LLM can call. InputSchema holds the
// JSON-schema properties keyed by parameter name.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	Required    []string               `json:"required,omitempty"`
}

// ToolCall represents the LLM requesting a tool execution.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the result of executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ContentBlock is one block of a tool exchange message: "text",
// "tool_use" (with ToolCall) or "tool_result" (with ToolResult).
type ContentBlock struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolMessage is one message of the in-turn tool exchange.
type ToolMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// AssistantToolUse builds the assistant message recording a round's text
// and tool calls.
func AssistantToolUse(text string, calls []ToolCall) ToolMessage {
	msg := ToolMessage{Role: "assistant"}
	if text != "" {
		msg.Content = append(msg.Content, ContentBlock{Type: "text", Text: text})
	}
	for i := range calls {
		tc := calls[i]
		msg.Content = append(msg.Content, ContentBlock{Type: "tool_use", ToolCall: &tc})
	}
	return msg
}

// UserToolResults builds the user message carrying a round's tool results.
func UserToolResults(results []ToolResult) ToolMessage {
	msg := ToolMessage{Role: "user"}
	for i := range results {
		tr := results[i]
		msg.Content = append(msg.Content, ContentBlock{Type: "tool_result", ToolResult: &tr})
	}
	return msg
}
