package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies the transport a message arrived on.
type ChannelType string

const (
	ChannelCLI      ChannelType = "cli"
	ChannelHTTP     ChannelType = "http"
	ChannelWebhook  ChannelType = "webhook"
	ChannelEmail    ChannelType = "email"
	ChannelTelegram ChannelType = "telegram"
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
	ChannelSystem   ChannelType = "system"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the unified message format across all channels and the
// on-disk history.jsonl record shape.
type Message struct {
	ID         string      `json:"id,omitempty"`
	SessionID  string      `json:"session_id,omitempty"`
	Channel    ChannelType `json:"channel,omitempty"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Timestamp  time.Time   `json:"ts,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Session represents a durable conversation thread serviced by one
// agent loop at a time.
type Session struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id,omitempty"`
	Channel    ChannelType `json:"channel"`
	CreatedAt  time.Time   `json:"created_at"`
	LastActive time.Time   `json:"last_active"`
}

// AgentResult is the envelope returned by one agent loop run.
type AgentResult struct {
	Output         string   `json:"output"`
	Signal         *Signal  `json:"signal,omitempty"`
	ToolsUsed      []string `json:"tools_used"`
	IterationCount int      `json:"iteration_count"`
	ExecutionMS    int64    `json:"execution_ms"`
	SessionID      string   `json:"session_id"`
	Cancelled      bool     `json:"cancelled,omitempty"`
}
