package domain

import "encoding/json"

// EventType identifies a frame on the streaming wire protocol.
type EventType string

const (
	EventTextDelta  EventType = "text-delta"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// StreamEvent is one orchestrator-internal event. The encoder serializes each
// event to exactly one wire frame, in emission order.
type StreamEvent struct {
	Type       EventType       `json:"type"`
	Delta      string          `json:"delta,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// TextDeltaEvent builds a text-delta event.
func TextDeltaEvent(delta string) StreamEvent {
	return StreamEvent{Type: EventTextDelta, Delta: delta}
}

// ToolCallEvent builds a tool-call event.
func ToolCallEvent(callID, name string, args json.RawMessage) StreamEvent {
	return StreamEvent{Type: EventToolCall, ToolCallID: callID, ToolName: name, Args: args}
}

// ToolResultEvent builds a tool-result event correlated by call id.
func ToolResultEvent(callID string, result json.RawMessage) StreamEvent {
	return StreamEvent{Type: EventToolResult, ToolCallID: callID, Result: result}
}

// ErrorEvent builds a turn-fatal error event.
func ErrorEvent(code, message string) StreamEvent {
	return StreamEvent{Type: EventError, Code: code, Message: message}
}

// DoneEvent builds the terminal frame marking unambiguous completion.
func DoneEvent() StreamEvent {
	return StreamEvent{Type: EventDone}
}
