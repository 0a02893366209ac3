// Package llm provides an OpenAI-compatible chat completion client with
// tool calling and streaming support.
package llm

import "encoding/json"

// ChatCompletionRequest represents the OpenAI chat completion request.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []Tool        `json:"tools,omitempty"`
	ToolChoice  interface{}   `json:"tool_choice,omitempty"`
}

// ChatMessage represents a chat message.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Tool represents a tool definition exposed to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction represents a function definition.
type ToolFunction struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

// ToolCall represents a tool call from the assistant.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction represents the function in a tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionResponse represents the OpenAI chat completion response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *Delta       `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// Delta is the incremental payload of one streaming chunk.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is a fragment of a tool call, keyed by index. The id and
// function name arrive on the first fragment; arguments accrete across chunks.
type ToolCallDelta struct {
	Index    int                   `json:"index"`
	ID       string                `json:"id,omitempty"`
	Type     string                `json:"type,omitempty"`
	Function ToolCallFunctionDelta `json:"function"`
}

// ToolCallFunctionDelta carries partial function call data in a stream chunk.
type ToolCallFunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single SSE chunk from the stream.
type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError represents the error details.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// Accumulator assembles a full assistant message out of stream chunks:
// content from text deltas, tool calls from indexed fragments.
type Accumulator struct {
	content   []byte
	toolCalls []ToolCall
}

// Feed consumes one chunk.
func (a *Accumulator) Feed(chunk *StreamChunk) {
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
		return
	}
	delta := chunk.Choices[0].Delta
	if delta.Content != "" {
		a.content = append(a.content, delta.Content...)
	}
	for _, tc := range delta.ToolCalls {
		for tc.Index >= len(a.toolCalls) {
			a.toolCalls = append(a.toolCalls, ToolCall{Type: "function"})
		}
		cur := &a.toolCalls[tc.Index]
		if tc.ID != "" {
			cur.ID = tc.ID
		}
		if tc.Function.Name != "" {
			cur.Function.Name += tc.Function.Name
		}
		cur.Function.Arguments += tc.Function.Arguments
	}
}

// Message returns the assembled assistant message.
func (a *Accumulator) Message() ChatMessage {
	return ChatMessage{
		Role:      "assistant",
		Content:   string(a.content),
		ToolCalls: a.toolCalls,
	}
}

// HasToolCalls reports whether any tool call fragments were seen.
func (a *Accumulator) HasToolCalls() bool {
	return len(a.toolCalls) > 0
}

// ArgsJSON returns a tool call's arguments as raw JSON, substituting an empty
// object for blank or malformed argument strings.
func ArgsJSON(tc ToolCall) json.RawMessage {
	args := tc.Function.Arguments
	if args == "" || !json.Valid([]byte(args)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(args)
}
