package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/loom/internal/stream"
	"github.com/haasonsaas/loom/pkg/models"
)

// minThinkingBudget is the smallest extended-thinking budget the Messages
// API accepts.
const minThinkingBudget = 1024

// NewAnthropic returns a stream.Fn backed by the Anthropic Messages API.
func NewAnthropic(creds Credentials) stream.Fn {
	return func(ctx context.Context, model models.Model, req stream.Request) (<-chan stream.Event, error) {
		params, err := anthropicParams(model, req)
		if err != nil {
			return nil, stream.NewError("anthropic", model.ID, err).WithKind(stream.WireInvalidRequest)
		}

		opts := []option.RequestOption{option.WithAPIKey(creds.APIKey)}
		if base := pickBaseURL(model, creds); base != "" {
			opts = append(opts, option.WithBaseURL(base))
		}
		client := anthropic.NewClient(opts...)

		streamCtx, cancel := signalContext(ctx, req.Signal)
		sse := client.Messages.NewStreaming(streamCtx, params)

		out := make(chan stream.Event, eventBuffer)
		go func() {
			defer cancel()
			defer close(out)
			runAnthropicStream(sse, out, model)
		}()
		return out, nil
	}
}

// runAnthropicStream converts the SSE event sequence into producer events.
// Tool arguments arrive as input_json_delta fragments and are accumulated
// until the block stops; usage is reported from message_start (input side)
// and message_delta (output side).
func runAnthropicStream(sse *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- stream.Event, model models.Model) {
	defer func() { _ = sse.Close() }()

	e := newEmitter(out)
	var usage models.Usage
	blockTypes := make(map[int]string)
	stopReason := models.StopReasonStop

	for sse.Next() {
		event := sse.Current()
		switch event.Type {
		case "message_start":
			u := event.AsMessageStart().Message.Usage
			usage.Input = int(u.InputTokens)
			usage.CacheRead = int(u.CacheReadInputTokens)
			usage.CacheWrite = int(u.CacheCreationInputTokens)
			snapshot := usage
			e.b.SetUsage(&snapshot)
			e.send(stream.Event{Kind: stream.KindStart})
			e.send(stream.Event{Kind: stream.KindUsage, Usage: &snapshot})

		case "content_block_start":
			start := event.AsContentBlockStart()
			idx := int(start.Index)
			switch start.ContentBlock.Type {
			case "text":
				blockTypes[idx] = "text"
				e.b.StartText(idx)
				e.send(stream.Event{Kind: stream.KindTextStart, Index: idx})
			case "thinking":
				blockTypes[idx] = "thinking"
				e.b.StartThinking(idx)
				e.send(stream.Event{Kind: stream.KindThinkingStart, Index: idx})
			case "tool_use":
				blockTypes[idx] = "tool_use"
				tu := start.ContentBlock.AsToolUse()
				partial := e.b.StartToolCall(idx, tu.ID, tu.Name)
				e.send(stream.Event{Kind: stream.KindToolCallStart, Index: idx, ToolCall: partial})
			}

		case "content_block_delta":
			cbd := event.AsContentBlockDelta()
			idx := int(cbd.Index)
			switch cbd.Delta.Type {
			case "text_delta":
				if cbd.Delta.Text != "" {
					e.b.AppendText(idx, cbd.Delta.Text)
					e.send(stream.Event{Kind: stream.KindTextDelta, Index: idx, Text: cbd.Delta.Text})
				}
			case "thinking_delta":
				if cbd.Delta.Thinking != "" {
					e.b.AppendThinking(idx, cbd.Delta.Thinking)
					e.send(stream.Event{Kind: stream.KindThinkingDelta, Index: idx, Text: cbd.Delta.Thinking})
				}
			case "input_json_delta":
				if cbd.Delta.PartialJSON != "" {
					e.b.AppendArguments(idx, cbd.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			idx := int(event.AsContentBlockStop().Index)
			switch blockTypes[idx] {
			case "text":
				e.send(stream.Event{Kind: stream.KindTextEnd, Index: idx})
			case "thinking":
				e.send(stream.Event{Kind: stream.KindThinkingEnd, Index: idx})
			case "tool_use":
				final := e.b.EndToolCall(idx)
				e.send(stream.Event{Kind: stream.KindToolCallEnd, Index: idx, ToolCall: final})
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.Output = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				stopReason = mapAnthropicStop(string(md.Delta.StopReason))
			}
			snapshot := usage
			e.b.SetUsage(&snapshot)
			e.send(stream.Event{Kind: stream.KindUsage, Usage: &snapshot})

		case "message_stop":
			final := e.b.Final(stopReason)
			e.send(stream.Event{Kind: stream.KindDone, StopReason: stopReason, Message: final})
			return
		}
	}

	if err := sse.Err(); err != nil {
		e.send(stream.Event{Kind: stream.KindError, Err: wrapAnthropicError(model, err)})
	}
	// A close without message_stop or an error falls through; the retry
	// layer synthesizes the network failure.
}

func anthropicParams(model models.Model, req stream.Request) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model.ID),
		Messages:  anthropicMessages(req.Messages),
		MaxTokens: int64(maxTokensFor(model, req)),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	if budget := req.ThinkingLevel.Budget(); budget > 0 {
		if budget < minThinkingBudget {
			budget = minThinkingBudget
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
	}

	return params, nil
}

// anthropicMessages converts the transcript. Tool results become user-role
// tool_result blocks; assistant thinking blocks are not replayed.
func anthropicMessages(msgs []models.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for i := range msgs {
		msg := &msgs[i]
		var blocks []anthropic.ContentBlockParamUnion

		switch msg.Role {
		case models.RoleToolResult:
			blocks = append(blocks, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content.JoinedText(), msg.IsError))
			out = append(out, anthropic.NewUserMessage(blocks...))

		case models.RoleAssistant:
			for _, blk := range msg.Content.BlockList() {
				switch blk.Type {
				case models.BlockText:
					if blk.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(blk.Text))
					}
				case models.BlockToolCall:
					args := blk.Arguments
					if args == nil {
						args = map[string]any{}
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(blk.ID, args, blk.Name))
				}
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}

		default:
			for _, blk := range msg.Content.BlockList() {
				switch blk.Type {
				case models.BlockText:
					if blk.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(blk.Text))
					}
				case models.BlockImage:
					blocks = append(blocks, anthropic.NewImageBlockBase64(blk.MimeType, blk.Data))
				}
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return out
}

func anthropicTools(tools []stream.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: invalid schema: %w", t.Name, err)
			}
		}

		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool %s: missing tool definition", t.Name)
		}
		if t.Description != "" {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

func mapAnthropicStop(reason string) models.StopReason {
	switch reason {
	case "tool_use":
		return models.StopReasonToolUse
	case "max_tokens":
		return models.StopReasonMaxTokens
	case "refusal":
		return models.StopReasonContentFilter
	default:
		// end_turn, stop_sequence, pause_turn
		return models.StopReasonStop
	}
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func wrapAnthropicError(model models.Model, err error) *stream.Error {
	serr := stream.NewError("anthropic", model.ID, err)

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		serr = serr.WithStatus(apiErr.StatusCode)
		var payload anthropicErrorPayload
		if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				serr = serr.WithMessage(payload.Error.Message)
			}
			if payload.Error.Type == "overloaded_error" {
				serr = serr.WithKind(stream.WireOverloaded)
			}
		}
	}
	return serr
}
