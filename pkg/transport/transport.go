// Package transport opens one ordered event stream to the agent backend
// per turn. Concrete backends translate their wire format into the event
// kinds the orchestrator understands.
package transport

import "context"

// EventKind tags a stream event.
type EventKind string

const (
	EventPartialOutput EventKind = "partial_output"
	EventToolCall      EventKind = "tool_call"
	EventResult        EventKind = "result"
	EventError         EventKind = "error"
)

// ToolCallPayload announces one backend-requested tool invocation.
type ToolCallPayload struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Usage reports token consumption for one exchange.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TurnResult is the terminal payload of one exchange.
type TurnResult struct {
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
	Usage      Usage  `json:"usage"`
}

// Event is one entry of the ordered per-turn stream.
type Event struct {
	Kind     EventKind        `json:"kind"`
	Text     string           `json:"text,omitempty"`
	ToolCall *ToolCallPayload `json:"tool_call,omitempty"`
	Result   *TurnResult      `json:"result,omitempty"`
	Message  string           `json:"message,omitempty"` // for error events
}

// Message is one conversation entry in the outbound request.
type Message struct {
	Role       string            `json:"role"` // system, user, assistant, tool
	Content    string            `json:"content"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCallPayload `json:"tool_calls,omitempty"`
	IsError    bool              `json:"is_error,omitempty"`
}

// ToolSpec advertises one local tool to the backend.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// TurnRequest is the outbound payload for one exchange.
type TurnRequest struct {
	TurnID      string     `json:"turn_id"`
	Model       string     `json:"model"`
	System      string     `json:"system,omitempty"`
	Messages    []Message  `json:"messages"`
	Tools       []ToolSpec `json:"tools,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Temperature float64    `json:"temperature,omitempty"`
}

// Stream yields events strictly in arrival order. After the terminal
// result event (or an error), Next returns io.EOF.
type Stream interface {
	Next() (Event, error)
	Close() error
}

// Transport opens streams and offers a best-effort server-side cancel.
type Transport interface {
	Open(ctx context.Context, req TurnRequest) (Stream, error)
	// Cancel asks the backend to stop the in-flight turn. Best-effort:
	// failure to reach the backend never blocks local cancellation.
	Cancel(ctx context.Context, turnID string) error
}
