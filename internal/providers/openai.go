package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/loom/internal/stream"
	"github.com/haasonsaas/loom/pkg/models"
)

// NewOpenAI returns a stream.Fn backed by the OpenAI Chat Completions API.
func NewOpenAI(creds Credentials) stream.Fn {
	return func(ctx context.Context, model models.Model, req stream.Request) (<-chan stream.Event, error) {
		cfg := openai.DefaultConfig(creds.APIKey)
		if base := pickBaseURL(model, creds); base != "" {
			cfg.BaseURL = base
		}
		client := openai.NewClientWithConfig(cfg)

		streamCtx, cancel := signalContext(ctx, req.Signal)
		sse, err := client.CreateChatCompletionStream(streamCtx, openaiRequest(model, req))
		if err != nil {
			cancel()
			return nil, wrapOpenAIError(model, err)
		}

		out := make(chan stream.Event, eventBuffer)
		go func() {
			defer cancel()
			defer close(out)
			runOpenAIStream(sse, out, model)
		}()
		return out, nil
	}
}

// runOpenAIStream converts chat completion chunks into producer events.
// Chat completions stream one text channel plus tool calls addressed by
// their own index; tool calls are offset by one block position so text
// keeps block index 0. A finish_reason chunk is not terminal: with
// include_usage the API sends one more chunk carrying usage, so the loop
// runs to EOF and finalizes there.
func runOpenAIStream(sse *openai.ChatCompletionStream, out chan<- stream.Event, model models.Model) {
	defer func() { _ = sse.Close() }()

	e := newEmitter(out)
	e.send(stream.Event{Kind: stream.KindStart})

	textOpen := false
	openTools := make(map[int]bool)
	stopReason := models.StopReasonStop

	finish := func() {
		if textOpen {
			e.send(stream.Event{Kind: stream.KindTextEnd, Index: 0})
		}
		indexes := make([]int, 0, len(openTools))
		for idx := range openTools {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			final := e.b.EndToolCall(idx)
			e.send(stream.Event{Kind: stream.KindToolCallEnd, Index: idx, ToolCall: final})
		}
		final := e.b.Final(stopReason)
		e.send(stream.Event{Kind: stream.KindDone, StopReason: stopReason, Message: final})
	}

	for {
		resp, err := sse.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				finish()
				return
			}
			e.send(stream.Event{Kind: stream.KindError, Err: wrapOpenAIError(model, err)})
			return
		}

		if resp.Usage != nil {
			total := resp.Usage.TotalTokens
			u := &models.Usage{
				Input:       resp.Usage.PromptTokens,
				Output:      resp.Usage.CompletionTokens,
				TotalTokens: &total,
			}
			e.b.SetUsage(u)
			e.send(stream.Event{Kind: stream.KindUsage, Usage: u})
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			if !textOpen {
				textOpen = true
				e.b.StartText(0)
				e.send(stream.Event{Kind: stream.KindTextStart, Index: 0})
			}
			e.b.AppendText(0, choice.Delta.Content)
			e.send(stream.Event{Kind: stream.KindTextDelta, Index: 0, Text: choice.Delta.Content})
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			blockIdx := idx + 1

			if !openTools[blockIdx] {
				openTools[blockIdx] = true
				partial := e.b.StartToolCall(blockIdx, tc.ID, tc.Function.Name)
				e.send(stream.Event{Kind: stream.KindToolCallStart, Index: blockIdx, ToolCall: partial})
			} else {
				e.b.UpdateToolCall(blockIdx, tc.ID, tc.Function.Name)
			}
			if tc.Function.Arguments != "" {
				e.b.AppendArguments(blockIdx, tc.Function.Arguments)
			}
		}

		if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
			stopReason = mapOpenAIFinish(choice.FinishReason)
		}
	}
}

func openaiRequest(model models.Model, req stream.Request) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:         model.ID,
		Messages:      openaiMessages(req.System, req.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		MaxTokens:     maxTokensFor(model, req),
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openaiTools(req.Tools)
	}
	if effort := openaiReasoningEffort(req.ThinkingLevel); effort != "" {
		chatReq.ReasoningEffort = effort
	}
	return chatReq
}

// openaiMessages converts the transcript. The system prompt becomes the
// first message; each tool result becomes its own tool-role message.
func openaiMessages(system string, msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case models.RoleToolResult:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content.JoinedText(),
				ToolCallID: msg.ToolCallID,
			})

		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content.JoinedText(),
			}
			for _, call := range msg.ToolCalls() {
				args := []byte("{}")
				if call.Arguments != nil {
					if encoded, err := json.Marshal(call.Arguments); err == nil {
						args = encoded
					}
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:       call.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: call.Name, Arguments: string(args)},
				})
			}
			out = append(out, m)

		default:
			images := imageBlocks(msg)
			if len(images) == 0 {
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: msg.Content.JoinedText(),
				})
				continue
			}

			parts := make([]openai.ChatMessagePart, 0, len(images)+1)
			if text := msg.Content.JoinedText(); text != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: text,
				})
			}
			for _, blk := range images {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    "data:" + blk.MimeType + ";base64," + blk.Data,
						Detail: openai.ImageURLDetailAuto,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:         openai.ChatMessageRoleUser,
				MultiContent: parts,
			})
		}
	}
	return out
}

func imageBlocks(msg *models.Message) []models.ContentBlock {
	var out []models.ContentBlock
	for _, blk := range msg.Content.BlockList() {
		if blk.Type == models.BlockImage {
			out = append(out, blk)
		}
	}
	return out
}

func openaiTools(tools []stream.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &params); err != nil {
				params = nil
			}
		}
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func openaiReasoningEffort(level models.ThinkingLevel) string {
	switch level {
	case models.ThinkingMinimal, models.ThinkingLow:
		return "low"
	case models.ThinkingMedium:
		return "medium"
	case models.ThinkingHigh, models.ThinkingXHigh:
		return "high"
	default:
		return ""
	}
}

func mapOpenAIFinish(reason openai.FinishReason) models.StopReason {
	switch reason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return models.StopReasonToolUse
	case openai.FinishReasonLength:
		return models.StopReasonMaxTokens
	case openai.FinishReasonContentFilter:
		return models.StopReasonContentFilter
	default:
		return models.StopReasonStop
	}
}

func wrapOpenAIError(model models.Model, err error) *stream.Error {
	serr := stream.NewError("openai", model.ID, err)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		serr = serr.WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			serr = serr.WithMessage(apiErr.Message)
		}
		return serr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		serr = serr.WithStatus(reqErr.HTTPStatusCode)
	}
	return serr
}
