// Package models defines the wire-neutral data model shared by the session
// runtime: messages and their content blocks, usage counters, journal entries,
// and model descriptors. JSON field names are camelCase at every boundary.
package models

import (
	"encoding/json"
	"fmt"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// StopReason records why an assistant message stopped.
type StopReason string

const (
	StopReasonStop          StopReason = "stop"
	StopReasonToolUse       StopReason = "tool_use"
	StopReasonMaxTokens     StopReason = "max_tokens"
	StopReasonContentFilter StopReason = "content_filter"
	StopReasonAborted       StopReason = "aborted"
	StopReasonError         StopReason = "error"
)

// BlockType discriminates content blocks.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockThinking BlockType = "thinking"
	BlockToolCall BlockType = "tool_call"
	BlockImage    BlockType = "image"
)

// ContentBlock is one ordered element of message content.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_call
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// image (base64 payload)
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ThinkingBlock builds a thinking content block.
func ThinkingBlock(thinking string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Thinking: thinking}
}

// ToolCallBlock builds a tool_call content block.
func ToolCallBlock(id, name string, args map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolCall, ID: id, Name: name, Arguments: args}
}

// ImageBlock builds an image content block from base64 data.
func ImageBlock(data, mimeType string) ContentBlock {
	return ContentBlock{Type: BlockImage, Data: data, MimeType: mimeType}
}

// Content holds message content in one of two JSON forms: a bare string or an
// ordered list of content blocks. Blocks == nil means the string form, which
// round-trips plain user text exactly as it was stored.
type Content struct {
	Text   string
	Blocks []ContentBlock
}

// TextContent wraps a plain string.
func TextContent(text string) Content {
	return Content{Text: text}
}

// BlockContent wraps a block list.
func BlockContent(blocks ...ContentBlock) Content {
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	return Content{Blocks: blocks}
}

// BlockList returns the content as blocks regardless of form.
func (c Content) BlockList() []ContentBlock {
	if c.Blocks != nil {
		return c.Blocks
	}
	return []ContentBlock{TextBlock(c.Text)}
}

// JoinedText concatenates the text parts of the content. Thinking, tool-call
// arguments, and image payloads are not text parts.
func (c Content) JoinedText() string {
	if c.Blocks == nil {
		return c.Text
	}
	var out string
	for _, b := range c.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// MarshalJSON emits a string for string-form content and an array otherwise.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Blocks == nil {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

// UnmarshalJSON accepts a string, an array of blocks, or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = Content{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		c.Blocks = nil
		return json.Unmarshal(data, &c.Text)
	}
	c.Text = ""
	c.Blocks = []ContentBlock{}
	return json.Unmarshal(data, &c.Blocks)
}

// ToolCall is the extracted view of a tool_call content block.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is the polymorphic conversation message. Role selects which of the
// optional fields apply: stopReason and usage belong to assistant messages,
// toolCallId and isError to tool results.
type Message struct {
	Role       Role       `json:"role"`
	Content    Content    `json:"content"`
	StopReason StopReason `json:"stopReason,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	IsError    bool       `json:"isError,omitempty"`
	Timestamp  int64      `json:"timestamp,omitempty"`
}

// UnmarshalJSON accepts toolUseId as an alias for toolCallId. The canonical
// field wins when both are present.
func (m *Message) UnmarshalJSON(data []byte) error {
	type messageAlias Message
	aux := struct {
		*messageAlias
		ToolUseID string `json:"toolUseId,omitempty"`
	}{messageAlias: (*messageAlias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if m.ToolCallID == "" && aux.ToolUseID != "" {
		m.ToolCallID = aux.ToolUseID
	}
	return nil
}

// NewUserMessage builds a plain-text user message.
func NewUserMessage(text string) *Message {
	return &Message{Role: RoleUser, Content: TextContent(text)}
}

// NewToolResultMessage builds a tool result referencing a tool call.
func NewToolResultMessage(toolCallID string, blocks []ContentBlock, isError bool) *Message {
	return &Message{
		Role:       RoleToolResult,
		Content:    BlockContent(blocks...),
		ToolCallID: toolCallID,
		IsError:    isError,
	}
}

// ToolCalls extracts the tool_call blocks of an assistant message in order.
func (m *Message) ToolCalls() []ToolCall {
	if m == nil || m.Role != RoleAssistant || m.Content.Blocks == nil {
		return nil
	}
	var calls []ToolCall
	for _, b := range m.Content.Blocks {
		if b.Type == BlockToolCall {
			calls = append(calls, ToolCall{ID: b.ID, Name: b.Name, Arguments: b.Arguments})
		}
	}
	return calls
}

// IsToolUse reports whether the assistant message ended requesting tools.
func (m *Message) IsToolUse() bool {
	return m != nil && m.Role == RoleAssistant && m.StopReason == StopReasonToolUse
}

// Clone returns a deep copy. Streaming snapshots hand copies to subscribers so
// the loop can keep appending to its working message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Content.Blocks != nil {
		out.Content.Blocks = make([]ContentBlock, len(m.Content.Blocks))
		copy(out.Content.Blocks, m.Content.Blocks)
		for i, b := range m.Content.Blocks {
			if b.Arguments != nil {
				args := make(map[string]any, len(b.Arguments))
				for k, v := range b.Arguments {
					args[k] = v
				}
				out.Content.Blocks[i].Arguments = args
			}
		}
	}
	if m.Usage != nil {
		u := *m.Usage
		if m.Usage.TotalTokens != nil {
			t := *m.Usage.TotalTokens
			u.TotalTokens = &t
		}
		out.Usage = &u
	}
	return &out
}

// Usage carries token counters reported by a provider.
type Usage struct {
	Input       int  `json:"input,omitempty"`
	Output      int  `json:"output,omitempty"`
	CacheRead   int  `json:"cacheRead,omitempty"`
	CacheWrite  int  `json:"cacheWrite,omitempty"`
	TotalTokens *int `json:"totalTokens,omitempty"`
}

// Total returns totalTokens when reported, otherwise the sum of whichever
// counters are present.
func (u *Usage) Total() int {
	if u == nil {
		return 0
	}
	if u.TotalTokens != nil {
		return *u.TotalTokens
	}
	return u.Input + u.Output + u.CacheRead + u.CacheWrite
}

// Add accumulates counters from another usage report.
func (u *Usage) Add(other *Usage) {
	if u == nil || other == nil {
		return
	}
	u.Input += other.Input
	u.Output += other.Output
	u.CacheRead += other.CacheRead
	u.CacheWrite += other.CacheWrite
	if other.TotalTokens != nil {
		t := other.Total()
		if u.TotalTokens != nil {
			t += *u.TotalTokens
		}
		u.TotalTokens = &t
	}
}

// ImageAttachment is an inline image supplied with a prompt.
type ImageAttachment struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// Validate rejects attachments without payload or mime type.
func (a ImageAttachment) Validate() error {
	if a.Data == "" {
		return fmt.Errorf("image attachment: empty data")
	}
	if a.MimeType == "" {
		return fmt.Errorf("image attachment: empty mimeType")
	}
	return nil
}
