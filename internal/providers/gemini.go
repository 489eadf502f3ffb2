package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"google.golang.org/genai"

	"github.com/haasonsaas/loom/internal/stream"
	"github.com/haasonsaas/loom/pkg/models"
)

// NewGemini returns a stream.Fn backed by the Gemini API.
func NewGemini(creds Credentials) stream.Fn {
	return func(ctx context.Context, model models.Model, req stream.Request) (<-chan stream.Event, error) {
		cfg := &genai.ClientConfig{
			APIKey:  creds.APIKey,
			Backend: genai.BackendGeminiAPI,
		}
		if base := pickBaseURL(model, creds); base != "" {
			cfg.HTTPOptions.BaseURL = base
		}
		client, err := genai.NewClient(ctx, cfg)
		if err != nil {
			return nil, stream.NewError("google", model.ID, err)
		}

		streamCtx, cancel := signalContext(ctx, req.Signal)
		seq := client.Models.GenerateContentStream(streamCtx, model.ID, geminiContents(req.Messages), geminiConfig(model, req))

		out := make(chan stream.Event, eventBuffer)
		go func() {
			defer cancel()
			defer close(out)
			runGeminiStream(seq, out, model)
		}()
		return out, nil
	}
}

// runGeminiStream converts GenerateContentStream responses into producer
// events. Gemini has no block start/stop markers: text and thought deltas
// arrive as flagged parts and function calls arrive whole, so block indexes
// are allocated as content transitions and every function call closes
// immediately. A function call with STOP finish reason still means tool use.
func runGeminiStream(seq iter.Seq2[*genai.GenerateContentResponse, error], out chan<- stream.Event, model models.Model) {
	e := newEmitter(out)
	started := false
	nextIdx := 0
	textIdx, thinkIdx := -1, -1
	sawToolCall := false
	stopReason := models.StopReasonStop

	start := func() {
		if !started {
			started = true
			e.send(stream.Event{Kind: stream.KindStart})
		}
	}
	closeText := func() {
		if textIdx >= 0 {
			e.send(stream.Event{Kind: stream.KindTextEnd, Index: textIdx})
			textIdx = -1
		}
	}
	closeThinking := func() {
		if thinkIdx >= 0 {
			e.send(stream.Event{Kind: stream.KindThinkingEnd, Index: thinkIdx})
			thinkIdx = -1
		}
	}

	for resp, err := range seq {
		if err != nil {
			e.send(stream.Event{Kind: stream.KindError, Err: wrapGeminiError(model, err)})
			return
		}
		if resp == nil {
			continue
		}
		start()

		if resp.UsageMetadata != nil {
			u := &models.Usage{
				Input:     int(resp.UsageMetadata.PromptTokenCount),
				Output:    int(resp.UsageMetadata.CandidatesTokenCount) + int(resp.UsageMetadata.ThoughtsTokenCount),
				CacheRead: int(resp.UsageMetadata.CachedContentTokenCount),
			}
			if total := int(resp.UsageMetadata.TotalTokenCount); total > 0 {
				u.TotalTokens = &total
			}
			e.b.SetUsage(u)
			e.send(stream.Event{Kind: stream.KindUsage, Usage: u})
		}

		for _, cand := range resp.Candidates {
			if cand == nil {
				continue
			}
			if cand.FinishReason != "" {
				stopReason = mapGeminiFinish(cand.FinishReason)
			}
			if cand.Content == nil {
				continue
			}

			for _, part := range cand.Content.Parts {
				if part == nil {
					continue
				}
				switch {
				case part.Text != "" && part.Thought:
					closeText()
					if thinkIdx < 0 {
						thinkIdx = nextIdx
						nextIdx++
						e.b.StartThinking(thinkIdx)
						e.send(stream.Event{Kind: stream.KindThinkingStart, Index: thinkIdx})
					}
					e.b.AppendThinking(thinkIdx, part.Text)
					e.send(stream.Event{Kind: stream.KindThinkingDelta, Index: thinkIdx, Text: part.Text})

				case part.Text != "":
					closeThinking()
					if textIdx < 0 {
						textIdx = nextIdx
						nextIdx++
						e.b.StartText(textIdx)
						e.send(stream.Event{Kind: stream.KindTextStart, Index: textIdx})
					}
					e.b.AppendText(textIdx, part.Text)
					e.send(stream.Event{Kind: stream.KindTextDelta, Index: textIdx, Text: part.Text})

				case part.FunctionCall != nil:
					closeThinking()
					closeText()
					sawToolCall = true
					idx := nextIdx
					nextIdx++

					fc := part.FunctionCall
					id := fc.ID
					if id == "" {
						id = fmt.Sprintf("call_%s_%d", fc.Name, idx)
					}
					partial := e.b.StartToolCall(idx, id, fc.Name)
					e.send(stream.Event{Kind: stream.KindToolCallStart, Index: idx, ToolCall: partial})
					if len(fc.Args) > 0 {
						if raw, err := json.Marshal(fc.Args); err == nil {
							e.b.AppendArguments(idx, string(raw))
						}
					}
					final := e.b.EndToolCall(idx)
					e.send(stream.Event{Kind: stream.KindToolCallEnd, Index: idx, ToolCall: final})
				}
			}
		}
	}

	if !started {
		// Nothing arrived; the retry layer treats the silent close as a
		// network failure.
		return
	}

	closeThinking()
	closeText()
	if sawToolCall && stopReason == models.StopReasonStop {
		stopReason = models.StopReasonToolUse
	}
	final := e.b.Final(stopReason)
	e.send(stream.Event{Kind: stream.KindDone, StopReason: stopReason, Message: final})
}

func geminiConfig(model models.Model, req stream.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	if max := maxTokensFor(model, req); max > 0 {
		config.MaxOutputTokens = int32(max)
	}

	if len(req.Tools) > 0 {
		config.Tools = geminiTools(req.Tools)
	}

	if budget := req.ThinkingLevel.Budget(); budget > 0 {
		b := int32(budget)
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  &b,
		}
	}

	return config
}

// geminiContents converts the transcript. Assistant messages map to the
// model role, tool results to user-role function responses. Gemini matches
// function responses by name, so the name is recovered from the originating
// tool call.
func geminiContents(msgs []models.Message) []*genai.Content {
	var out []*genai.Content
	for i := range msgs {
		msg := &msgs[i]
		content := &genai.Content{}

		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
			for _, blk := range msg.Content.BlockList() {
				switch blk.Type {
				case models.BlockText:
					if blk.Text != "" {
						content.Parts = append(content.Parts, &genai.Part{Text: blk.Text})
					}
				case models.BlockToolCall:
					args := blk.Arguments
					if args == nil {
						args = map[string]any{}
					}
					content.Parts = append(content.Parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{ID: blk.ID, Name: blk.Name, Args: args},
					})
				}
			}

		case models.RoleToolResult:
			content.Role = genai.RoleUser
			text := msg.Content.JoinedText()
			var response map[string]any
			if err := json.Unmarshal([]byte(text), &response); err != nil {
				response = map[string]any{"result": text, "error": msg.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     functionNameFor(msg.ToolCallID, msgs[:i]),
					Response: response,
				},
			})

		default:
			content.Role = genai.RoleUser
			for _, blk := range msg.Content.BlockList() {
				switch blk.Type {
				case models.BlockText:
					if blk.Text != "" {
						content.Parts = append(content.Parts, &genai.Part{Text: blk.Text})
					}
				case models.BlockImage:
					data, err := base64.StdEncoding.DecodeString(blk.Data)
					if err != nil {
						continue
					}
					content.Parts = append(content.Parts, &genai.Part{
						InlineData: &genai.Blob{MIMEType: blk.MimeType, Data: data},
					})
				}
			}
		}

		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

// functionNameFor finds the tool name behind a call id in the preceding
// transcript. Unmatched ids fall back to the id itself.
func functionNameFor(callID string, history []models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		for _, call := range history[i].ToolCalls() {
			if call.ID == callID {
				return call.Name
			}
		}
	}
	return callID
}

func geminiTools(tools []stream.ToolSchema) []*genai.Tool {
	out := make([]*genai.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				schema = nil
			}
		}
		out = append(out, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  toGeminiSchema(schema),
				},
			},
		})
	}
	return out
}

// toGeminiSchema converts the JSON-Schema subset Gemini understands into its
// typed schema. Unsupported keywords are dropped.
func toGeminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genaiType(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGeminiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, v := range enum {
			if es, ok := v.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

func genaiType(t string) genai.Type {
	switch t {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.Type(t)
	}
}

func mapGeminiFinish(reason genai.FinishReason) models.StopReason {
	switch reason {
	case genai.FinishReasonStop:
		return models.StopReasonStop
	case genai.FinishReasonMaxTokens:
		return models.StopReasonMaxTokens
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return models.StopReasonContentFilter
	default:
		return models.StopReasonStop
	}
}

func wrapGeminiError(model models.Model, err error) *stream.Error {
	serr := stream.NewError("google", model.ID, err)

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		serr = serr.WithStatus(apiErr.Code)
		if apiErr.Message != "" {
			serr = serr.WithMessage(apiErr.Message)
		}
	}
	return serr
}
