package journal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/loom/pkg/models"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	ctx := context.Background()

	st, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j := New(WithStore(st), WithIDs(seqIDs("e")), WithClock(seqClock(10, 20, 30, 40)))

	j.AppendHead(ctx, userEntry("hello"))
	j.AppendHead(ctx, &models.SessionEntry{
		Type: models.EntryMessage,
		Message: &models.Message{
			Role:       models.RoleAssistant,
			Content:    models.BlockContent(models.TextBlock("hi there")),
			StopReason: models.StopReasonStop,
		},
	})
	j.AppendHead(ctx, &models.SessionEntry{
		Type:     models.EntryModelChange,
		Provider: "anthropic",
		ModelID:  "claude-x",
	})
	j.AppendHead(ctx, &models.SessionEntry{
		Type:          models.EntrySummary,
		SummaryText:   "compacted",
		ReplacedRange: []string{"e1", "e2"},
	})
	if err := j.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	j2 := New(WithStore(st2))
	if err := j2.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	defer j2.Close()

	if j2.Len() != 4 {
		t.Fatalf("Len = %d, want 4", j2.Len())
	}
	want := j.Entries()
	got := j2.Entries()
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Type != want[i].Type || got[i].Timestamp != want[i].Timestamp {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if got[3].SummaryText != "compacted" || len(got[3].ReplacedRange) != 2 {
		t.Errorf("summary entry = %+v", got[3])
	}
	if head := j2.Head(); head == nil || head.ID != want[3].ID {
		t.Errorf("head = %+v", head)
	}
}

func TestFileStoreAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	ctx := context.Background()

	st, _ := OpenFile(path)
	j := New(WithStore(st))
	j.AppendHead(ctx, userEntry("one"))
	j.Save(ctx)
	j.Close()

	st2, _ := OpenFile(path)
	j2 := New(WithStore(st2))
	if err := j2.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	j2.AppendHead(ctx, userEntry("two"))
	j2.Save(ctx)
	j2.Close()

	st3, _ := OpenFile(path)
	defer st3.Close()
	entries, err := st3.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[1].ParentID == nil || *entries[1].ParentID != entries[0].ID {
		t.Errorf("second entry not linked to first across reopen")
	}
}

func TestFileStoreDiscardsTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	ctx := context.Background()

	st, _ := OpenFile(path)
	j := New(WithStore(st), WithIDs(seqIDs("e")))
	j.AppendHead(ctx, userEntry("kept one"))
	j.AppendHead(ctx, userEntry("kept two"))
	j.Save(ctx)
	j.Close()

	// Simulate a crash mid-write.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for truncation: %v", err)
	}
	f.WriteString(`{"id":"e3","parentId":"e2","type":"mess`)
	f.Close()

	st2, _ := OpenFile(path)
	defer st2.Close()
	j2 := New(WithStore(st2))
	if err := j2.Load(ctx); err != nil {
		t.Fatalf("load with torn tail: %v", err)
	}
	if j2.Len() != 2 {
		t.Fatalf("Len = %d, want 2", j2.Len())
	}
	if head := j2.Head(); head == nil || head.ID != "e2" {
		t.Errorf("head = %+v, want e2", head)
	}
}

func TestFileStoreRejectsMidFileCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	content := `{"id":"a","parentId":null,"type":"message","timestamp":1,"message":{"role":"user","content":"x"}}
not json at all
{"id":"b","parentId":"a","type":"message","timestamp":2,"message":{"role":"user","content":"y"}}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	st, _ := OpenFile(path)
	defer st.Close()
	if _, err := st.Load(context.Background()); err == nil {
		t.Fatal("mid-file corruption accepted")
	}
}

func TestFileStoreMissingFileLoadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.jsonl")
	st := &FileStore{path: path}
	entries, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}

func TestFileStoreWritesCamelCase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	ctx := context.Background()

	st, _ := OpenFile(path)
	j := New(WithStore(st))
	j.AppendHead(ctx, userEntry("hi"))
	j.AppendHead(ctx, &models.SessionEntry{
		Type:     models.EntryModelChange,
		Provider: "openai",
		ModelID:  "gpt-x",
	})
	j.Save(ctx)
	j.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(raw)
	for _, key := range []string{`"parentId":null`, `"parentId":"`, `"modelId":"gpt-x"`, `"timestamp":`} {
		if !strings.Contains(text, key) {
			t.Errorf("missing %s in journal file:\n%s", key, text)
		}
	}
	if strings.Contains(text, "parent_id") || strings.Contains(text, "model_id") {
		t.Errorf("snake_case leaked into journal file:\n%s", text)
	}
}
