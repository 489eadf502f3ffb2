// Package stream defines the producer contract between the session loop and
// LLM providers: a StreamFn returns a channel of typed events describing one
// assistant message as it is generated. Concrete wire adapters live in
// internal/providers; the loop consumes only this contract.
package stream

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/loom/internal/abort"
	"github.com/haasonsaas/loom/pkg/models"
)

// Fn produces one assistant message as a stream of events. The returned
// channel is closed after a terminal event (done or error). Implementations
// must observe ctx and req.Signal between events.
type Fn func(ctx context.Context, model models.Model, req Request) (<-chan Event, error)

// ToolSchema is the wire-facing description of a registered tool.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is the prepared context for one LLM invocation.
type Request struct {
	System        string
	Messages      []models.Message
	Tools         []ToolSchema
	ThinkingLevel models.ThinkingLevel
	MaxTokens     int
	Signal        *abort.Signal
}

// Kind names a producer event.
type Kind string

const (
	KindStart         Kind = "start"
	KindTextStart     Kind = "text_start"
	KindTextDelta     Kind = "text_delta"
	KindTextEnd       Kind = "text_end"
	KindThinkingStart Kind = "thinking_start"
	KindThinkingDelta Kind = "thinking_delta"
	KindThinkingEnd   Kind = "thinking_end"
	KindToolCallStart Kind = "tool_call_start"
	KindToolCallEnd   Kind = "tool_call_end"
	KindUsage         Kind = "usage"
	KindDone          Kind = "done"
	KindError         Kind = "error"
)

// Event is one producer event. Message carries the running assistant
// snapshot; on done it is the final message. Index addresses the content
// block a delta applies to.
type Event struct {
	Kind       Kind
	Index      int
	Text       string                // text_delta / thinking_delta payload
	ToolCall   *models.ContentBlock  // tool_call_start (partial) and tool_call_end (final)
	Usage      *models.Usage         // usage; last report wins
	StopReason models.StopReason     // done
	Message    *models.Message
	Err        error                 // error; terminal
}

// Builder accumulates producer deltas into an assistant message so adapters
// can attach a consistent running snapshot to every event. Producer block
// indexes map to content block positions in arrival order.
type Builder struct {
	msg   models.Message
	pos   map[int]int
	args  map[int]string
	usage *models.Usage
}

// NewBuilder returns a builder holding an empty assistant skeleton.
func NewBuilder() *Builder {
	return &Builder{
		msg:  models.Message{Role: models.RoleAssistant, Content: models.BlockContent()},
		pos:  make(map[int]int),
		args: make(map[int]string),
	}
}

func (b *Builder) block(idx int, blockType models.BlockType) *models.ContentBlock {
	if p, ok := b.pos[idx]; ok {
		return &b.msg.Content.Blocks[p]
	}
	b.pos[idx] = len(b.msg.Content.Blocks)
	b.msg.Content.Blocks = append(b.msg.Content.Blocks, models.ContentBlock{Type: blockType})
	return &b.msg.Content.Blocks[b.pos[idx]]
}

// StartText opens a text block at idx.
func (b *Builder) StartText(idx int) {
	b.block(idx, models.BlockText)
}

// AppendText appends a text delta, opening the block if needed.
func (b *Builder) AppendText(idx int, chunk string) {
	b.block(idx, models.BlockText).Text += chunk
}

// StartThinking opens a thinking block at idx.
func (b *Builder) StartThinking(idx int) {
	b.block(idx, models.BlockThinking)
}

// AppendThinking appends a thinking delta, opening the block if needed.
func (b *Builder) AppendThinking(idx int, chunk string) {
	b.block(idx, models.BlockThinking).Thinking += chunk
}

// StartToolCall opens a tool_call block and returns a copy of the partial
// block for the tool_call_start event.
func (b *Builder) StartToolCall(idx int, id, name string) *models.ContentBlock {
	blk := b.block(idx, models.BlockToolCall)
	blk.ID = id
	blk.Name = name
	b.args[idx] = ""
	partial := *blk
	return &partial
}

// UpdateToolCall fills in id or name fragments that arrive after the block
// opened. Empty values leave the existing ones untouched.
func (b *Builder) UpdateToolCall(idx int, id, name string) {
	blk := b.block(idx, models.BlockToolCall)
	if id != "" {
		blk.ID = id
	}
	if name != "" {
		blk.Name = name
	}
}

// AppendArguments accumulates a streamed JSON fragment of the tool call's
// arguments at idx.
func (b *Builder) AppendArguments(idx int, fragment string) {
	b.args[idx] += fragment
}

// SetToolCall replaces the tool_call block at idx with an
// already-finished block, for consumers fed final blocks by an adapter
// that parsed the argument stream itself.
func (b *Builder) SetToolCall(idx int, final models.ContentBlock) *models.ContentBlock {
	blk := b.block(idx, models.BlockToolCall)
	*blk = final
	out := *blk
	return &out
}

// EndToolCall parses the accumulated argument JSON and returns a copy of the
// finished block. Empty or unparseable input yields an empty argument map.
func (b *Builder) EndToolCall(idx int) *models.ContentBlock {
	blk := b.block(idx, models.BlockToolCall)
	args := map[string]any{}
	if raw := b.args[idx]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			args = map[string]any{}
		}
	}
	blk.Arguments = args
	final := *blk
	return &final
}

// SetUsage records the latest usage report; the last one wins.
func (b *Builder) SetUsage(u *models.Usage) {
	if u != nil {
		b.usage = u
	}
}

// Usage returns the most recent usage report, or nil.
func (b *Builder) Usage() *models.Usage {
	return b.usage
}

// Snapshot returns a deep copy of the running assistant message.
func (b *Builder) Snapshot() *models.Message {
	return b.msg.Clone()
}

// Final stamps the stop reason and usage and returns the finished message.
func (b *Builder) Final(stop models.StopReason) *models.Message {
	msg := b.msg.Clone()
	msg.StopReason = stop
	msg.Usage = b.usage
	return msg
}
