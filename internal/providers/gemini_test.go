package providers

import (
	"iter"
	"testing"

	"google.golang.org/genai"

	"github.com/haasonsaas/loom/internal/stream"
	"github.com/haasonsaas/loom/pkg/models"
)

type geminiStep struct {
	resp *genai.GenerateContentResponse
	err  error
}

func seqOf(steps ...geminiStep) iter.Seq2[*genai.GenerateContentResponse, error] {
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, s := range steps {
			if !yield(s.resp, s.err) {
				return
			}
		}
	}
}

func partsResp(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: parts}}},
	}
}

var geminiTestModel = models.Model{Provider: "google", ID: "gemini-2.5-pro"}

func collectGemini(t *testing.T, seq iter.Seq2[*genai.GenerateContentResponse, error]) []stream.Event {
	t.Helper()
	out := make(chan stream.Event, 64)
	go func() {
		defer close(out)
		runGeminiStream(seq, out, geminiTestModel)
	}()
	var events []stream.Event
	for ev := range out {
		events = append(events, ev)
	}
	return events
}

func TestGeminiStreamThinkingTextAndToolCall(t *testing.T) {
	last := partsResp(&genai.Part{
		FunctionCall: &genai.FunctionCall{Name: "search", Args: map[string]any{"query": "go iterators"}},
	})
	last.Candidates[0].FinishReason = genai.FinishReasonStop
	last.UsageMetadata = &genai.GenerateContentResponseUsageMetadata{
		PromptTokenCount:     7,
		CandidatesTokenCount: 20,
		ThoughtsTokenCount:   5,
		TotalTokenCount:      32,
	}

	events := collectGemini(t, seqOf(
		geminiStep{resp: partsResp(&genai.Part{Text: "Considering.", Thought: true})},
		geminiStep{resp: partsResp(&genai.Part{Text: "The answer."})},
		geminiStep{resp: last},
	))

	want := []stream.Kind{
		stream.KindStart,
		stream.KindThinkingStart, stream.KindThinkingDelta,
		stream.KindThinkingEnd, stream.KindTextStart, stream.KindTextDelta,
		stream.KindUsage,
		stream.KindTextEnd, stream.KindToolCallStart, stream.KindToolCallEnd,
		stream.KindDone,
	}
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("expected kinds %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	done := events[len(events)-1]
	// STOP with a pending function call still means tool use.
	if done.StopReason != models.StopReasonToolUse {
		t.Errorf("expected tool_use stop reason, got %s", done.StopReason)
	}

	blocks := done.Message.Content.Blocks
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %+v", blocks)
	}
	if blocks[0].Type != models.BlockThinking || blocks[0].Thinking != "Considering." {
		t.Errorf("unexpected thinking block: %+v", blocks[0])
	}
	if blocks[1].Type != models.BlockText || blocks[1].Text != "The answer." {
		t.Errorf("unexpected text block: %+v", blocks[1])
	}

	call := blocks[2]
	if call.Type != models.BlockToolCall || call.Name != "search" {
		t.Fatalf("unexpected tool call: %+v", call)
	}
	if call.ID == "" {
		t.Error("expected a synthesized call id")
	}
	if call.Arguments["query"] != "go iterators" {
		t.Errorf("unexpected arguments: %+v", call.Arguments)
	}

	if done.Message.Usage == nil {
		t.Fatal("expected usage on the final message")
	}
	u := done.Message.Usage
	if u.Input != 7 || u.Output != 25 {
		t.Errorf("unexpected usage: %+v", u)
	}
	if u.TotalTokens == nil || *u.TotalTokens != 32 {
		t.Errorf("expected total 32, got %+v", u.TotalTokens)
	}
}

func TestGeminiStreamError(t *testing.T) {
	events := collectGemini(t, seqOf(
		geminiStep{resp: partsResp(&genai.Part{Text: "partial"})},
		geminiStep{err: genai.APIError{Code: 429, Message: "quota exceeded"}},
	))

	last := events[len(events)-1]
	if last.Kind != stream.KindError {
		t.Fatalf("expected trailing error event, got %s", last.Kind)
	}

	serr, ok := stream.AsError(last.Err)
	if !ok {
		t.Fatalf("expected classified error, got %v", last.Err)
	}
	if serr.Provider != "google" {
		t.Errorf("unexpected provider: %q", serr.Provider)
	}
	if serr.Kind != stream.WireRateLimit {
		t.Errorf("expected rate_limit, got %s", serr.Kind)
	}
	if serr.Status != 429 {
		t.Errorf("expected status 429, got %d", serr.Status)
	}
}

func TestGeminiStreamSilentClose(t *testing.T) {
	events := collectGemini(t, seqOf())
	if len(events) != 0 {
		t.Fatalf("expected no events for an empty stream, got %v", kinds(events))
	}
}

func TestGeminiContents(t *testing.T) {
	msgs := []models.Message{
		*models.NewUserMessage("look this up"),
		{
			Role: models.RoleAssistant,
			Content: models.BlockContent(
				models.TextBlock("Searching."),
				models.ToolCallBlock("call_1", "search", map[string]any{"query": "x"}),
			),
		},
		*models.NewToolResultMessage("call_1", []models.ContentBlock{models.TextBlock(`{"count":3}`)}, false),
		*models.NewToolResultMessage("call_1", []models.ContentBlock{models.TextBlock("plain text")}, true),
	}

	contents := geminiContents(msgs)
	if len(contents) != 4 {
		t.Fatalf("expected 4 contents, got %d", len(contents))
	}

	if contents[0].Role != genai.RoleUser || contents[0].Parts[0].Text != "look this up" {
		t.Errorf("unexpected user content: %+v", contents[0])
	}

	asst := contents[1]
	if asst.Role != genai.RoleModel || len(asst.Parts) != 2 {
		t.Fatalf("unexpected assistant content: %+v", asst)
	}
	fc := asst.Parts[1].FunctionCall
	if fc == nil || fc.Name != "search" || fc.ID != "call_1" {
		t.Errorf("unexpected function call part: %+v", asst.Parts[1])
	}

	// JSON tool output passes through; the name comes from the matching call.
	fr := contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "search" || fr.ID != "call_1" {
		t.Fatalf("unexpected function response: %+v", contents[2].Parts[0])
	}
	if count, ok := fr.Response["count"].(float64); !ok || count != 3 {
		t.Errorf("expected parsed JSON response, got %+v", fr.Response)
	}

	// Non-JSON output is wrapped with the error flag.
	fr = contents[3].Parts[0].FunctionResponse
	if fr == nil || fr.Response["result"] != "plain text" || fr.Response["error"] != true {
		t.Errorf("unexpected wrapped response: %+v", fr)
	}
}

func TestGeminiContentsImage(t *testing.T) {
	msgs := []models.Message{
		{
			Role: models.RoleUser,
			Content: models.BlockContent(
				models.TextBlock("what is this?"),
				models.ImageBlock("aGVsbG8=", "image/png"),
			),
		},
	}

	contents := geminiContents(msgs)
	if len(contents) != 1 || len(contents[0].Parts) != 2 {
		t.Fatalf("unexpected contents: %+v", contents)
	}
	blob := contents[0].Parts[1].InlineData
	if blob == nil || blob.MIMEType != "image/png" || string(blob.Data) != "hello" {
		t.Errorf("unexpected inline data: %+v", blob)
	}
}

func TestFunctionNameFor(t *testing.T) {
	history := []models.Message{
		{
			Role:    models.RoleAssistant,
			Content: models.BlockContent(models.ToolCallBlock("call_7", "read_file", nil)),
		},
	}
	if got := functionNameFor("call_7", history); got != "read_file" {
		t.Errorf("expected read_file, got %q", got)
	}
	if got := functionNameFor("call_missing", history); got != "call_missing" {
		t.Errorf("expected fallback to id, got %q", got)
	}
}

func TestToGeminiSchema(t *testing.T) {
	schema := toGeminiSchema(map[string]any{
		"type":        "object",
		"description": "params",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
			"mode": map[string]any{"type": "string", "enum": []any{"read", "write"}},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []any{"path"},
	})

	if schema.Type != genai.TypeObject || schema.Description != "params" {
		t.Fatalf("unexpected root schema: %+v", schema)
	}
	if schema.Properties["path"].Type != genai.TypeString {
		t.Errorf("unexpected path schema: %+v", schema.Properties["path"])
	}
	if got := schema.Properties["mode"].Enum; len(got) != 2 || got[0] != "read" {
		t.Errorf("unexpected enum: %v", got)
	}
	if schema.Properties["tags"].Items == nil || schema.Properties["tags"].Items.Type != genai.TypeString {
		t.Errorf("unexpected items schema: %+v", schema.Properties["tags"])
	}
	if len(schema.Required) != 1 || schema.Required[0] != "path" {
		t.Errorf("unexpected required: %v", schema.Required)
	}

	if toGeminiSchema(nil) != nil {
		t.Error("expected nil schema to stay nil")
	}
}

func TestMapGeminiFinish(t *testing.T) {
	tests := []struct {
		reason genai.FinishReason
		want   models.StopReason
	}{
		{genai.FinishReasonStop, models.StopReasonStop},
		{genai.FinishReasonMaxTokens, models.StopReasonMaxTokens},
		{genai.FinishReasonSafety, models.StopReasonContentFilter},
		{genai.FinishReasonRecitation, models.StopReasonContentFilter},
		{genai.FinishReason("OTHER"), models.StopReasonStop},
	}
	for _, tt := range tests {
		if got := mapGeminiFinish(tt.reason); got != tt.want {
			t.Errorf("mapGeminiFinish(%q) = %s, want %s", tt.reason, got, tt.want)
		}
	}
}
