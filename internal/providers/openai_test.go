package providers

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/loom/internal/stream"
	"github.com/haasonsaas/loom/pkg/models"
)

func TestOpenAIMessages(t *testing.T) {
	msgs := []models.Message{
		*models.NewUserMessage("read main.go"),
		{
			Role: models.RoleAssistant,
			Content: models.BlockContent(
				models.TextBlock("Reading it."),
				models.ToolCallBlock("call_1", "read_file", map[string]any{"path": "main.go"}),
			),
		},
		*models.NewToolResultMessage("call_1", []models.ContentBlock{models.TextBlock("package main")}, false),
	}

	out := openaiMessages("You are helpful.", msgs)
	if len(out) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(out))
	}

	if out[0].Role != openai.ChatMessageRoleSystem || out[0].Content != "You are helpful." {
		t.Errorf("unexpected system message: %+v", out[0])
	}
	if out[1].Role != openai.ChatMessageRoleUser || out[1].Content != "read main.go" {
		t.Errorf("unexpected user message: %+v", out[1])
	}

	asst := out[2]
	if asst.Role != openai.ChatMessageRoleAssistant || asst.Content != "Reading it." {
		t.Fatalf("unexpected assistant message: %+v", asst)
	}
	if len(asst.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(asst.ToolCalls))
	}
	tc := asst.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "read_file" {
		t.Errorf("unexpected tool call: %+v", tc)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil || args["path"] != "main.go" {
		t.Errorf("unexpected arguments: %q", tc.Function.Arguments)
	}

	result := out[3]
	if result.Role != openai.ChatMessageRoleTool || result.ToolCallID != "call_1" || result.Content != "package main" {
		t.Errorf("unexpected tool result message: %+v", result)
	}
}

func TestOpenAIMessagesNilArguments(t *testing.T) {
	msgs := []models.Message{
		{
			Role:    models.RoleAssistant,
			Content: models.BlockContent(models.ToolCallBlock("call_1", "ping", nil)),
		},
	}

	out := openaiMessages("", msgs)
	if len(out) != 1 || len(out[0].ToolCalls) != 1 {
		t.Fatalf("unexpected conversion: %+v", out)
	}
	if out[0].ToolCalls[0].Function.Arguments != "{}" {
		t.Errorf("expected empty object arguments, got %q", out[0].ToolCalls[0].Function.Arguments)
	}
}

func TestOpenAIMessagesImage(t *testing.T) {
	msgs := []models.Message{
		{
			Role: models.RoleUser,
			Content: models.BlockContent(
				models.TextBlock("what is this?"),
				models.ImageBlock("aGVsbG8=", "image/png"),
			),
		},
	}

	out := openaiMessages("", msgs)
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}

	msg := out[0]
	if msg.Content != "" || len(msg.MultiContent) != 2 {
		t.Fatalf("expected multi-content message, got %+v", msg)
	}
	if msg.MultiContent[0].Type != openai.ChatMessagePartTypeText || msg.MultiContent[0].Text != "what is this?" {
		t.Errorf("unexpected text part: %+v", msg.MultiContent[0])
	}
	img := msg.MultiContent[1]
	if img.Type != openai.ChatMessagePartTypeImageURL || img.ImageURL == nil {
		t.Fatalf("unexpected image part: %+v", img)
	}
	if img.ImageURL.URL != "data:image/png;base64,aGVsbG8=" {
		t.Errorf("unexpected data URL: %q", img.ImageURL.URL)
	}
}

func TestOpenAIRequest(t *testing.T) {
	model := models.Model{Provider: "openai", ID: "gpt-4o", MaxOutputTokens: 4096}
	req := stream.Request{
		System:        "sys",
		Messages:      []models.Message{*models.NewUserMessage("hi")},
		ThinkingLevel: models.ThinkingHigh,
		Tools: []stream.ToolSchema{
			{Name: "read_file", Parameters: json.RawMessage(`{"type":"object"}`)},
		},
	}

	chatReq := openaiRequest(model, req)
	if chatReq.Model != "gpt-4o" || !chatReq.Stream {
		t.Errorf("unexpected request: %+v", chatReq)
	}
	if chatReq.StreamOptions == nil || !chatReq.StreamOptions.IncludeUsage {
		t.Error("expected include_usage to be set")
	}
	if chatReq.MaxTokens != 4096 {
		t.Errorf("expected max tokens 4096, got %d", chatReq.MaxTokens)
	}
	if chatReq.ReasoningEffort != "high" {
		t.Errorf("expected high reasoning effort, got %q", chatReq.ReasoningEffort)
	}
	if len(chatReq.Tools) != 1 || chatReq.Tools[0].Function.Name != "read_file" {
		t.Errorf("unexpected tools: %+v", chatReq.Tools)
	}
}

func TestOpenAITools(t *testing.T) {
	out := openaiTools([]stream.ToolSchema{
		{Name: "bad", Parameters: json.RawMessage(`{not json`)},
		{Name: "none"},
	})
	if len(out) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(out))
	}
	// Malformed or missing schemas fall back to an empty object schema.
	for _, tool := range out {
		params, ok := tool.Function.Parameters.(map[string]any)
		if !ok || params["type"] != "object" {
			t.Errorf("tool %s: unexpected parameters %+v", tool.Function.Name, tool.Function.Parameters)
		}
	}
}

func TestOpenAIReasoningEffort(t *testing.T) {
	tests := []struct {
		level models.ThinkingLevel
		want  string
	}{
		{models.ThinkingOff, ""},
		{models.ThinkingMinimal, "low"},
		{models.ThinkingLow, "low"},
		{models.ThinkingMedium, "medium"},
		{models.ThinkingHigh, "high"},
		{models.ThinkingXHigh, "high"},
	}
	for _, tt := range tests {
		if got := openaiReasoningEffort(tt.level); got != tt.want {
			t.Errorf("openaiReasoningEffort(%s) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestMapOpenAIFinish(t *testing.T) {
	tests := []struct {
		reason openai.FinishReason
		want   models.StopReason
	}{
		{openai.FinishReasonStop, models.StopReasonStop},
		{openai.FinishReasonToolCalls, models.StopReasonToolUse},
		{openai.FinishReasonFunctionCall, models.StopReasonToolUse},
		{openai.FinishReasonLength, models.StopReasonMaxTokens},
		{openai.FinishReasonContentFilter, models.StopReasonContentFilter},
	}
	for _, tt := range tests {
		if got := mapOpenAIFinish(tt.reason); got != tt.want {
			t.Errorf("mapOpenAIFinish(%q) = %s, want %s", tt.reason, got, tt.want)
		}
	}
}

func TestWrapOpenAIError(t *testing.T) {
	serr := wrapOpenAIError(models.Model{ID: "gpt-4o"}, &openai.APIError{
		HTTPStatusCode: 429,
		Message:        "rate limited",
	})
	if serr.Kind != stream.WireRateLimit || serr.Status != 429 {
		t.Errorf("unexpected classification: %+v", serr)
	}
}
