// Package events defines the session event taxonomy and the fan-out that
// delivers events to subscribers without backpressuring the agent loop.
package events

import (
	"github.com/haasonsaas/loom/pkg/models"
)

// Type names a session event. These names are external contracts.
type Type string

const (
	AgentStart          Type = "agent_start"
	TurnStart           Type = "turn_start"
	MessageStart        Type = "message_start"
	MessageUpdate       Type = "message_update"
	MessageEnd          Type = "message_end"
	ToolExecutionStart  Type = "tool_execution_start"
	ToolExecutionUpdate Type = "tool_execution_update"
	ToolExecutionEnd    Type = "tool_execution_end"
	TurnEnd             Type = "turn_end"
	AgentEnd            Type = "agent_end"
	ErrorEvent          Type = "error"
	Canceled            Type = "canceled"
)

// DeltaKind names the producer sub-event carried by a message_update.
type DeltaKind string

const (
	DeltaText          DeltaKind = "text_delta"
	DeltaThinking      DeltaKind = "thinking_delta"
	DeltaToolCallStart DeltaKind = "tool_call_start"
	DeltaToolCallEnd   DeltaKind = "tool_call_end"
)

// Delta describes one streaming increment within an assistant message.
// Index addresses the content block the increment applies to.
type Delta struct {
	Kind  DeltaKind            `json:"kind"`
	Index int                  `json:"index"`
	Text  string               `json:"text,omitempty"`
	Block *models.ContentBlock `json:"block,omitempty"`
}

// Event is one session event. Seq is assigned by the fan-out and is
// totally ordered per session; subscribers observing two events observe
// them in Seq order.
type Event struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`

	// Message carries the running assistant snapshot for message_* and
	// the final message for turn_end.
	Message *models.Message `json:"message,omitempty"`

	// Delta is set on message_update.
	Delta *Delta `json:"delta,omitempty"`

	// Messages carries the turn's appended messages on turn_end and the
	// full exchange on agent_end.
	Messages []*models.Message `json:"messages,omitempty"`

	// Tool execution fields.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Arguments  map[string]any  `json:"arguments,omitempty"`
	Partial    *models.Content `json:"partial,omitempty"`
	Result     *models.Message `json:"result,omitempty"`
	IsError    bool            `json:"isError,omitempty"`

	// Error fields for the error event.
	ErrorKind    string `json:"errorKind,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	// Reason is set on canceled.
	Reason string `json:"reason,omitempty"`
}
