package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/loom/internal/journal"
	"github.com/haasonsaas/loom/internal/workspace"
	"github.com/haasonsaas/loom/pkg/models"
)

const (
	userLine      = `{"id":"e1","parentId":null,"type":"message","timestamp":1,"message":{"role":"user","content":"hello world"}}`
	assistantLine = `{"id":"e2","parentId":"e1","type":"message","timestamp":2,"message":{"role":"assistant","content":[{"type":"text","text":"hi there"}],"stopReason":"stop"}}`
)

func newTestCmd(buf *bytes.Buffer) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetOut(buf)
	cmd.SetContext(context.Background())
	return cmd
}

func seedSession(t *testing.T, dir, id string, lines ...string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	path := filepath.Join(dir, id+".jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func currentProjectDir(t *testing.T, home string) string {
	t.Helper()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error = %v", err)
	}
	return filepath.Join(home, "sessions", workspace.EncodeCwd(cwd))
}

func TestSessionsListCurrentProject(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LOOM_HOME", home)
	seedSession(t, currentProjectDir(t, home), "abc", userLine, assistantLine)

	var buf bytes.Buffer
	if err := runSessionsList(newTestCmd(&buf), false); err != nil {
		t.Fatalf("runSessionsList() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"abc", "hello world", "2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSessionsListEmpty(t *testing.T) {
	t.Setenv("LOOM_HOME", t.TempDir())

	var buf bytes.Buffer
	if err := runSessionsList(newTestCmd(&buf), false); err != nil {
		t.Fatalf("runSessionsList() error = %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "No sessions found." {
		t.Errorf("output = %q", got)
	}
}

func TestSessionsListAllShowsProjects(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LOOM_HOME", home)
	seedSession(t, filepath.Join(home, "sessions", workspace.EncodeCwd("/tmp/alpha")), "s1", userLine)
	seedSession(t, filepath.Join(home, "sessions", workspace.EncodeCwd("/tmp/beta")), "s2", userLine)

	var buf bytes.Buffer
	if err := runSessionsList(newTestCmd(&buf), true); err != nil {
		t.Fatalf("runSessionsList() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"PROJECT", "s1", "s2", "/tmp/alpha", "/tmp/beta"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSessionsShowTranscript(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LOOM_HOME", home)
	seedSession(t, currentProjectDir(t, home), "abc", userLine, assistantLine)

	var buf bytes.Buffer
	if err := runSessionsShow(newTestCmd(&buf), "abc", false); err != nil {
		t.Fatalf("runSessionsShow() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"session abc (2 entries", "user> hello world", "assistant> hi there"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSessionsShowJSON(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LOOM_HOME", home)
	seedSession(t, currentProjectDir(t, home), "abc", userLine, assistantLine)

	var buf bytes.Buffer
	if err := runSessionsShow(newTestCmd(&buf), "abc", true); err != nil {
		t.Fatalf("runSessionsShow() error = %v", err)
	}
	var entries []*models.SessionEntry
	if err := json.Unmarshal(buf.Bytes(), &entries); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if got := entries[0].Message.Content.JoinedText(); got != "hello world" {
		t.Errorf("first entry text = %q", got)
	}
}

func TestSessionsShowFindsOtherProjects(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LOOM_HOME", home)
	seedSession(t, filepath.Join(home, "sessions", workspace.EncodeCwd("/tmp/elsewhere")), "far", userLine)

	var buf bytes.Buffer
	if err := runSessionsShow(newTestCmd(&buf), "far", false); err != nil {
		t.Fatalf("runSessionsShow() error = %v", err)
	}
	if !strings.Contains(buf.String(), "user> hello world") {
		t.Errorf("output = %q", buf.String())
	}
}

func seedSQLite(t *testing.T, path, sessionID string, prompts ...string) {
	t.Helper()
	store, err := journal.NewSQLiteStore(path, sessionID)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer store.Close()
	for i, p := range prompts {
		e := &models.SessionEntry{
			ID:        fmt.Sprintf("%s-e%d", sessionID, i),
			Type:      models.EntryMessage,
			Timestamp: int64(i + 1),
			Message:   models.NewUserMessage(p),
		}
		if err := store.Append(context.Background(), e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
}

func TestSessionsListSQLiteStore(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LOOM_HOME", home)
	writeFile(t, filepath.Join(home, "config.yaml"), "journal:\n  store: sqlite\n")
	seedSQLite(t, filepath.Join(home, "sessions.db"), "dbsess", "query the db")

	var buf bytes.Buffer
	if err := runSessionsList(newTestCmd(&buf), false); err != nil {
		t.Fatalf("runSessionsList() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"dbsess", "query the db"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSessionsShowSQLiteStore(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LOOM_HOME", home)
	writeFile(t, filepath.Join(home, "config.yaml"), "journal:\n  store: sqlite\n")
	seedSQLite(t, filepath.Join(home, "sessions.db"), "dbsess", "query the db")

	var buf bytes.Buffer
	if err := runSessionsShow(newTestCmd(&buf), "dbsess", false); err != nil {
		t.Fatalf("runSessionsShow() error = %v", err)
	}
	if !strings.Contains(buf.String(), "user> query the db") {
		t.Errorf("output = %q", buf.String())
	}

	err := runSessionsShow(newTestCmd(&buf), "ghost", false)
	if err == nil || !strings.Contains(err.Error(), "unknown session") {
		t.Fatalf("error = %v, want unknown session", err)
	}
}

func TestSessionsShowUnknownIDCreatesNothing(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LOOM_HOME", home)
	dir := currentProjectDir(t, home)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	var buf bytes.Buffer
	err := runSessionsShow(newTestCmd(&buf), "nope", false)
	if err == nil || !strings.Contains(err.Error(), "unknown session") {
		t.Fatalf("error = %v, want unknown session", err)
	}
	// Inspecting an id must never create its journal.
	if _, statErr := os.Stat(filepath.Join(dir, "nope.jsonl")); !os.IsNotExist(statErr) {
		t.Errorf("show created a journal file: stat err = %v", statErr)
	}
}

func TestRenderEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry *models.SessionEntry
		want  []string
		empty bool
	}{
		{
			name:  "user message",
			entry: &models.SessionEntry{Type: models.EntryMessage, Message: &models.Message{Role: models.RoleUser, Content: models.TextContent("fix the bug")}},
			want:  []string{"user> fix the bug"},
		},
		{
			name: "assistant blocks",
			entry: &models.SessionEntry{Type: models.EntryMessage, Message: &models.Message{
				Role: models.RoleAssistant,
				Content: models.BlockContent(
					models.ThinkingBlock("pondering"),
					models.TextBlock("answer"),
					models.ToolCallBlock("c1", "bash", map[string]any{"cmd": "ls"}),
				),
			}},
			want: []string{"thinking> pondering", "assistant> answer", `tool-call> bash({"cmd":"ls"}) [c1]`},
		},
		{
			name: "tool result error",
			entry: &models.SessionEntry{Type: models.EntryMessage, Message: &models.Message{
				Role: models.RoleToolResult, ToolCallID: "c1", IsError: true,
				Content: models.TextContent("boom"),
			}},
			want: []string{"tool-result> error [c1] boom"},
		},
		{
			name:  "summary",
			entry: models.NewSummaryEntry("the gist", "e1", "e5"),
			want:  []string{"[summary replacing e1..e5]", "the gist"},
		},
		{
			name:  "model change",
			entry: models.NewModelChangeEntry("openai", "gpt-5"),
			want:  []string{"[model -> openai:gpt-5]"},
		},
		{
			name:  "hidden custom message",
			entry: models.NewCustomMessageEntry("note", contentPtr("remember"), false),
			empty: true,
		},
		{
			name:  "displayed custom message",
			entry: models.NewCustomMessageEntry("note", contentPtr("remember"), true),
			want:  []string{"[note] remember"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderEntry(tt.entry)
			if tt.empty {
				if got != "" {
					t.Fatalf("renderEntry() = %q, want empty", got)
				}
				return
			}
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("renderEntry() missing %q:\n%s", want, got)
				}
			}
		})
	}
}

func contentPtr(text string) *models.Content {
	c := models.TextContent(text)
	return &c
}

func TestFirstPromptSkipsNonUserEntries(t *testing.T) {
	entries := []*models.SessionEntry{
		models.NewModelChangeEntry("openai", "gpt-5"),
		{Type: models.EntryMessage, Message: &models.Message{Role: models.RoleAssistant, Content: models.TextContent("ignored")}},
		{Type: models.EntryMessage, Message: &models.Message{Role: models.RoleUser, Content: models.TextContent("  fix\nthe   parser  ")}},
	}
	if got := firstPrompt(entries); got != "fix the parser" {
		t.Errorf("firstPrompt() = %q", got)
	}
	if got := firstPrompt(nil); got != "" {
		t.Errorf("firstPrompt(nil) = %q", got)
	}
}

func TestFirstPromptTruncates(t *testing.T) {
	long := strings.Repeat("x", firstPromptPreview+20)
	entries := []*models.SessionEntry{
		{Type: models.EntryMessage, Message: &models.Message{Role: models.RoleUser, Content: models.TextContent(long)}},
	}
	got := firstPrompt(entries)
	if want := long[:firstPromptPreview] + "..."; got != want {
		t.Errorf("firstPrompt() = %q, want %q", got, want)
	}
}

func TestFormatModified(t *testing.T) {
	if got := formatModified(time.Time{}); got != "-" {
		t.Errorf("formatModified(zero) = %q", got)
	}
	ts := time.Date(2025, 3, 9, 14, 30, 0, 0, time.UTC)
	if got := formatModified(ts); got != "2025-03-09 14:30" {
		t.Errorf("formatModified() = %q", got)
	}
}

func TestProjectLabel(t *testing.T) {
	encoded := workspace.EncodeCwd("/Users/me/my-app")
	if got := projectLabel(encoded); got != "/Users/me/my-app" {
		t.Errorf("projectLabel(%q) = %q", encoded, got)
	}
	// Undecodable names display as stored.
	if got := projectLabel("not%ZZok"); got != "not%ZZok" {
		t.Errorf("projectLabel() = %q", got)
	}
}
