package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is a scripted ModelClient for testing. Each call pops the next
// response off the script; streaming calls replay it as chunks.
type MockClient struct {
	mu        sync.Mutex
	script    []*ChatCompletionResponse
	callIndex int
	// Err, when set, is returned by every call.
	Err error
	// Requests records every request received, in order.
	Requests []*ChatCompletionRequest
}

// NewMockClient creates a mock client that replays the given responses.
func NewMockClient(script ...*ChatCompletionResponse) *MockClient {
	return &MockClient{script: script}
}

// Ensure MockClient implements ModelClient interface.
var _ ModelClient = (*MockClient)(nil)

// TextResponse builds a plain assistant text response for scripting.
func TextResponse(content string) *ChatCompletionResponse {
	return response(&ChatMessage{Role: "assistant", Content: content}, "stop")
}

// ToolCallResponse builds an assistant response carrying only tool calls.
func ToolCallResponse(calls ...ToolCall) *ChatCompletionResponse {
	return response(&ChatMessage{Role: "assistant", ToolCalls: calls}, "tool_calls")
}

func response(msg *ChatMessage, finishReason string) *ChatCompletionResponse {
	return &ChatCompletionResponse{
		ID:      fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "mock-model",
		Choices: []Choice{
			{Index: 0, Message: msg, FinishReason: finishReason},
		},
	}
}

func (m *MockClient) next(req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.callIndex >= len(m.script) {
		return TextResponse("[mock] script exhausted"), nil
	}
	resp := m.script[m.callIndex]
	m.callIndex++
	return resp, nil
}

// CreateChatCompletion pops the next scripted response.
func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	return m.next(req)
}

// CreateChatCompletionStream replays the next scripted response as chunks:
// text content split into pieces, tool calls as indexed fragments.
func (m *MockClient) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) error {
	resp, err := m.next(req)
	if err != nil {
		return err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil
	}
	msg := resp.Choices[0].Message

	emit := func(delta *Delta, finishReason string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return callback(&StreamChunk{
			ID:      resp.ID,
			Object:  "chat.completion.chunk",
			Created: resp.Created,
			Model:   resp.Model,
			Choices: []Choice{{Index: 0, Delta: delta, FinishReason: finishReason}},
		})
	}

	for _, chunk := range splitIntoChunks(msg.Content, 10) {
		if chunk == "" {
			continue
		}
		if err := emit(&Delta{Role: "assistant", Content: chunk}, ""); err != nil {
			return err
		}
	}

	for i, tc := range msg.ToolCalls {
		// First fragment carries the id and name, second the arguments.
		if err := emit(&Delta{ToolCalls: []ToolCallDelta{{
			Index:    i,
			ID:       tc.ID,
			Type:     tc.Type,
			Function: ToolCallFunctionDelta{Name: tc.Function.Name},
		}}}, ""); err != nil {
			return err
		}
		if err := emit(&Delta{ToolCalls: []ToolCallDelta{{
			Index:    i,
			Function: ToolCallFunctionDelta{Arguments: tc.Function.Arguments},
		}}}, ""); err != nil {
			return err
		}
	}

	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return emit(&Delta{}, finish)
}

// splitIntoChunks splits a string into chunks of approximately the given size.
func splitIntoChunks(s string, chunkSize int) []string {
	if len(s) == 0 {
		return nil
	}

	var chunks []string
	for i := 0; i < len(s); i += chunkSize {
		end := i + chunkSize
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}
