package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/loom/pkg/models"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	st, err := NewSQLiteStore(":memory:", "s1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	j := New(WithStore(st), WithIDs(seqIDs("e")), WithClock(seqClock(10, 20, 30)))
	j.AppendHead(ctx, userEntry("hello"))
	j.AppendHead(ctx, &models.SessionEntry{
		Type: models.EntryMessage,
		Message: &models.Message{
			Role:       models.RoleAssistant,
			Content:    models.BlockContent(models.ToolCallBlock("tc1", "read", map[string]any{"path": "/tmp/x"})),
			StopReason: models.StopReasonToolUse,
		},
	})
	j.AppendHead(ctx, &models.SessionEntry{
		Type:       models.EntryCustomMessage,
		CustomType: "note",
		Content:    &models.Content{Text: "remember this"},
		Display:    true,
	})
	if err := j.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	j2 := New(WithStore(st))
	if err := j2.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if j2.Len() != 3 {
		t.Fatalf("Len = %d, want 3", j2.Len())
	}
	got := j2.Entries()
	if got[0].ID != "e1" || got[1].ID != "e2" || got[2].ID != "e3" {
		t.Errorf("replay order = %s %s %s", got[0].ID, got[1].ID, got[2].ID)
	}
	calls := got[1].Message.ToolCalls()
	if len(calls) != 1 || calls[0].Name != "read" || calls[0].Arguments["path"] != "/tmp/x" {
		t.Errorf("tool call did not survive storage: %+v", calls)
	}
	if !got[2].Display || got[2].CustomType != "note" {
		t.Errorf("custom entry = %+v", got[2])
	}
}

func TestSQLiteStoreScopesBySession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	a, err := NewSQLiteStore(path, "session-a")
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	b, err := NewSQLiteStore(path, "session-b")
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()

	a.Append(ctx, &models.SessionEntry{ID: "a1", Type: models.EntryMessage, Timestamp: 1, Message: models.NewUserMessage("mine")})
	b.Append(ctx, &models.SessionEntry{ID: "b1", Type: models.EntryMessage, Timestamp: 1, Message: models.NewUserMessage("theirs")})
	b.Append(ctx, &models.SessionEntry{ID: "b2", Type: models.EntryMessage, Timestamp: 2, Message: models.NewUserMessage("more")})

	got, err := a.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a1" {
		t.Errorf("session-a sees %d entries", len(got))
	}
	gotB, _ := b.Load(ctx)
	if len(gotB) != 2 {
		t.Errorf("session-b sees %d entries, want 2", len(gotB))
	}
}

func TestSQLiteStoreRequiresSessionID(t *testing.T) {
	if _, err := NewSQLiteStore(":memory:", ""); err == nil {
		t.Fatal("empty session id accepted")
	}
}
