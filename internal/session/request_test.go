package session

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/loom/internal/journal"
	"github.com/haasonsaas/loom/pkg/models"
)

func seedMessages(t *testing.T, jnl *journal.Journal, texts ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(texts))
	role := models.RoleUser
	for _, text := range texts {
		id, err := jnl.AppendHead(context.Background(), models.NewMessageEntry(&models.Message{
			Role:    role,
			Content: models.TextContent(text),
		}))
		if err != nil {
			t.Fatalf("seed append: %v", err)
		}
		ids = append(ids, id)
		if role == models.RoleUser {
			role = models.RoleAssistant
		} else {
			role = models.RoleUser
		}
	}
	return ids
}

func TestBranchViewNoSummary(t *testing.T) {
	jnl := journal.New(journal.WithStore(journal.NewMemStore()))
	ids := seedMessages(t, jnl, "a", "b", "c")

	s := newTestSession(t, &fakeStream{}, func(c *Config) { c.Journal = jnl })
	view := s.branchView()

	if len(view.live) != len(ids) {
		t.Fatalf("live has %d entries, want %d", len(view.live), len(ids))
	}
	for i, id := range ids {
		if view.live[i].ID != id {
			t.Fatalf("live[%d] = %s, want %s", i, view.live[i].ID, id)
		}
	}
}

func TestBranchViewWithSummary(t *testing.T) {
	jnl := journal.New(journal.WithStore(journal.NewMemStore()))
	ids := seedMessages(t, jnl, "a", "b", "c", "d", "e")
	if _, err := jnl.AppendHead(context.Background(), models.NewSummaryEntry("earlier talk", ids[0], ids[2])); err != nil {
		t.Fatalf("append summary: %v", err)
	}

	s := newTestSession(t, &fakeStream{}, func(c *Config) { c.Journal = jnl })
	view := s.branchView()

	if len(view.live) != 3 {
		t.Fatalf("live has %d entries, want 3", len(view.live))
	}
	if view.live[0].Type != models.EntrySummary {
		t.Fatalf("live[0] type = %s, want summary", view.live[0].Type)
	}
	if view.live[1].ID != ids[3] || view.live[2].ID != ids[4] {
		t.Fatalf("kept entries = %s, %s; want %s, %s", view.live[1].ID, view.live[2].ID, ids[3], ids[4])
	}

	msgs := view.requestMessages()
	if len(msgs) != 3 {
		t.Fatalf("rendered %d messages, want 3", len(msgs))
	}
	first := msgs[0]
	if first.Role != models.RoleUser {
		t.Fatalf("summary rendered as %s, want user", first.Role)
	}
	if !strings.HasPrefix(first.Content.JoinedText(), "Summary of the conversation so far:") {
		t.Fatalf("summary text = %q", first.Content.JoinedText())
	}
	if !strings.HasSuffix(first.Content.JoinedText(), "earlier talk") {
		t.Fatalf("summary text = %q", first.Content.JoinedText())
	}
}

func TestBranchViewRollsOlderSummaryIntoNewest(t *testing.T) {
	jnl := journal.New(journal.WithStore(journal.NewMemStore()))
	ids := seedMessages(t, jnl, "a", "b", "c")
	s1, err := jnl.AppendHead(context.Background(), models.NewSummaryEntry("first summary", ids[0], ids[1]))
	if err != nil {
		t.Fatalf("append s1: %v", err)
	}
	idD, err := jnl.AppendHead(context.Background(), models.NewMessageEntry(models.NewUserMessage("d")))
	if err != nil {
		t.Fatalf("append d: %v", err)
	}
	// The second compaction summarized the live slice [s1, c]; its cut
	// is entry c, positionally before s1 on the raw branch.
	if _, err := jnl.AppendHead(context.Background(), models.NewSummaryEntry("second summary", s1, ids[2])); err != nil {
		t.Fatalf("append s2: %v", err)
	}

	s := newTestSession(t, &fakeStream{}, func(c *Config) { c.Journal = jnl })
	view := s.branchView()

	if len(view.live) != 2 {
		t.Fatalf("live has %d entries, want 2: %+v", len(view.live), view.live)
	}
	if view.live[0].SummaryText != "second summary" {
		t.Fatalf("live[0] = %q, want newest summary", view.live[0].SummaryText)
	}
	if view.live[1].ID != idD {
		t.Fatalf("live[1] = %s, want %s", view.live[1].ID, idD)
	}
}

func TestBranchViewSummaryWithMissingCut(t *testing.T) {
	jnl := journal.New(journal.WithStore(journal.NewMemStore()))
	seedMessages(t, jnl, "a", "b")
	// ReplacedRange points at entries that are not on this branch (the
	// head was reset inside the replaced range and re-grown).
	if _, err := jnl.AppendHead(context.Background(), models.NewSummaryEntry("orphan summary", "gone-1", "gone-2")); err != nil {
		t.Fatalf("append summary: %v", err)
	}
	idAfter, err := jnl.AppendHead(context.Background(), models.NewMessageEntry(models.NewUserMessage("after")))
	if err != nil {
		t.Fatalf("append after: %v", err)
	}

	s := newTestSession(t, &fakeStream{}, func(c *Config) { c.Journal = jnl })
	view := s.branchView()

	// Only entries appended after the summary itself are kept.
	if len(view.live) != 2 {
		t.Fatalf("live has %d entries, want 2", len(view.live))
	}
	if view.live[0].Type != models.EntrySummary || view.live[1].ID != idAfter {
		t.Fatalf("live = [%s %s]", view.live[0].Type, view.live[1].Type)
	}
}

func TestRequestMessagesSkipsNonModelEntries(t *testing.T) {
	content := models.TextContent("note for the model")
	view := branchView{live: []*models.SessionEntry{
		{Type: models.EntryMessage, Message: models.NewUserMessage("hi")},
		{Type: models.EntryModelChange, Provider: "fake", ModelID: "fake-2"},
		{Type: models.EntryCustomMessage, CustomType: "note", Content: &content},
		{Type: models.EntryCustomMessage, CustomType: "marker"},
		{Type: models.EntryMessage, Message: &models.Message{Role: models.RoleAssistant, Content: models.TextContent("hello")}},
	}}

	msgs := view.requestMessages()
	if len(msgs) != 3 {
		t.Fatalf("rendered %d messages, want 3", len(msgs))
	}
	if msgs[1].Role != models.RoleUser || msgs[1].Content.JoinedText() != "note for the model" {
		t.Fatalf("custom message rendered as %+v", msgs[1])
	}
	if msgs[2].Role != models.RoleAssistant {
		t.Fatalf("messages out of order: %+v", msgs)
	}
}

func TestRepairDanglingResults(t *testing.T) {
	paired := models.NewToolResultMessage("kept", []models.ContentBlock{models.TextBlock("ok")}, false)
	dangling := models.NewToolResultMessage("lost", []models.ContentBlock{models.TextBlock("output")}, false)
	msgs := []models.Message{
		{Role: models.RoleAssistant, Content: models.BlockContent(models.ToolCallBlock("kept", "add", nil))},
		*paired,
		*dangling,
		*models.NewUserMessage("next"),
	}

	out := repairDanglingResults(msgs)

	if out[1].Role != models.RoleToolResult || out[1].ToolCallID != "kept" {
		t.Fatalf("paired result rewritten: %+v", out[1])
	}
	if out[2].Role != models.RoleUser {
		t.Fatalf("dangling result not rewritten: %+v", out[2])
	}
	text := out[2].Content.JoinedText()
	if !strings.Contains(text, "lost") || !strings.Contains(text, "output") {
		t.Fatalf("rewritten text = %q", text)
	}
	if out[3].Content.JoinedText() != "next" {
		t.Fatalf("unrelated message touched: %+v", out[3])
	}
}

func TestToolSchemasRenderRegistry(t *testing.T) {
	s := newTestSession(t, &fakeStream{}, func(c *Config) {
		c.Tools = toolRegistry(t, addTool())
	})

	schemas := s.toolSchemas()
	if len(schemas) != 1 || schemas[0].Name != "add" {
		t.Fatalf("schemas = %+v", schemas)
	}
	if len(s.schemaJSON()) != 1 {
		t.Fatalf("schemaJSON = %v", s.schemaJSON())
	}
}
