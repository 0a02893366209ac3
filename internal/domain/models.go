// Package domain defines the core domain models for the agent core.
package domain

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolCallStatus represents the lifecycle of a single tool call within a turn.
type ToolCallStatus string

const (
	ToolCallStatusPending   ToolCallStatus = "pending"
	ToolCallStatusExecuting ToolCallStatus = "executing"
	ToolCallStatusCompleted ToolCallStatus = "completed"
	ToolCallStatusError     ToolCallStatus = "error"
)

// Session is a persisted conversation context bound to one upstream
// tool-router connection. RouterSessionID and MCPURL are set at creation
// and only change on reconnection.
type Session struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	RouterSessionID string          `json:"router_session_id"`
	MCPURL          string          `json:"mcp_url"`
	State           json.RawMessage `json:"state,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	LastActiveAt    time.Time       `json:"last_active_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// Expired reports whether the session is past its fixed TTL.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// SessionState is the structured metadata mutated after every completed turn.
type SessionState struct {
	TurnCount int `json:"turn_count"`
}

// Message is a single entry in a session transcript. Messages are strictly
// ordered by Timestamp; that order is the replay order fed back to the model.
// Content may be empty for assistant messages that only carry tool calls.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ToolCall is a model-requested tool invocation. It is not persisted on its
// own; the batch for a turn is embedded in the assistant message.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
	Status ToolCallStatus  `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ToolResult is the structured payload every tool executor returns. Executors
// never let failures escape their boundary; they report success=false instead.
type ToolResult struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ActivityType categorizes audit-log records sent to the CRM collaborator.
type ActivityType string

const (
	ActivityLeadCreated    ActivityType = "lead_created"
	ActivityLeadAssigned   ActivityType = "lead_assigned"
	ActivityEmailSent      ActivityType = "email_sent"
	ActivitySlackNotified  ActivityType = "slack_notified"
	ActivityInvoiceCreated ActivityType = "invoice_created"
	ActivityAgentAction    ActivityType = "agent_action"
)

// Activity is an audit record of a state-changing action. It lives in the
// external CRM store; the agent core only emits them.
type Activity struct {
	ID      string          `json:"id"`
	Type    ActivityType    `json:"type"`
	LeadID  string          `json:"leadId,omitempty"`
	Message string          `json:"message"`
	Status  string          `json:"status"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// ChatRequest is the body of POST /v1/agent/chat.
type ChatRequest struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}
