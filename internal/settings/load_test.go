package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestLoadFileJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json5")
	writeFile(t, path, `{
	// personal prefs, trailing comma tolerated
	theme: "json5",
	reserveTokens: 4096,
	defaultModel: "anthropic:claude-sonnet-4",
}`)

	s, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if s.Theme == nil || *s.Theme != "json5" {
		t.Errorf("Theme = %v", s.Theme)
	}
	if s.ReserveTokens == nil || *s.ReserveTokens != 4096 {
		t.Errorf("ReserveTokens = %v", s.ReserveTokens)
	}
	if s.DefaultModel == nil || s.DefaultModel.Provider != "anthropic" {
		t.Errorf("DefaultModel = %+v", s.DefaultModel)
	}
}

func TestLoadFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeFile(t, path, strings.TrimSpace(`
default_model: openai:gpt-5
default_thinking_level: low
compaction_enabled: false
extension_paths:
  - ext/one
`))

	s, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if s.DefaultModel == nil || s.DefaultModel.String() != "openai:gpt-5" {
		t.Errorf("DefaultModel = %+v", s.DefaultModel)
	}
	if s.DefaultThinkingLevel == nil || *s.DefaultThinkingLevel != models.ThinkingLow {
		t.Errorf("DefaultThinkingLevel = %v", s.DefaultThinkingLevel)
	}
	if s.CompactionEnabled == nil || *s.CompactionEnabled {
		t.Errorf("CompactionEnabled = %v", s.CompactionEnabled)
	}
	if len(s.ExtensionPaths) != 1 || s.ExtensionPaths[0] != "ext/one" {
		t.Errorf("ExtensionPaths = %v", s.ExtensionPaths)
	}
}

func TestLoadFileExpandsEnv(t *testing.T) {
	t.Setenv("LOOM_TEST_API_KEY", "sk-test-123")
	path := filepath.Join(t.TempDir(), "settings.json")
	writeFile(t, path, `{"providers": {"openai": {"apiKey": "${LOOM_TEST_API_KEY}"}}}`)

	s, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if s.Providers["openai"].APIKey != "sk-test-123" {
		t.Errorf("APIKey = %q, want expanded env value", s.Providers["openai"].APIKey)
	}
}

func TestLoadFileEmptyYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeFile(t, path, "")

	s, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if s.DefaultThinkingLevel == nil || *s.DefaultThinkingLevel != models.ThinkingOff {
		t.Errorf("thinking = %v, want off for empty file", s.DefaultThinkingLevel)
	}
}

func TestLoadFileRejectsMultiDocYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeFile(t, path, "theme: one\n---\ntheme: two\n")

	_, err := LoadFile(path)
	if err == nil {
		t.Fatalf("expected error for multi-document file")
	}
	if !strings.Contains(err.Error(), "single document") {
		t.Fatalf("error = %v", err)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile("  "); err == nil {
		t.Errorf("expected error for blank path")
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json5")); err == nil {
		t.Errorf("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "settings.json5")
	writeFile(t, path, `{theme: "unterminated`)
	_, err := LoadFile(path)
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if !strings.Contains(err.Error(), "failed to parse settings") {
		t.Fatalf("error = %v", err)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json5")
	writeFile(t, path, `{theme: "one"}`)

	ch := make(chan *Settings, 8)
	w, err := Watch(path, WatchConfig{Debounce: 20 * time.Millisecond}, func(s *Settings) {
		ch <- s
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer w.Close()

	writeFile(t, path, `{theme: "two"}`)

	select {
	case s := <-ch:
		if s.Theme == nil || *s.Theme != "two" {
			t.Fatalf("reloaded theme = %v, want two", s.Theme)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload after write")
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestWatchSkipsBrokenReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json5")
	writeFile(t, path, `{theme: "ok"}`)

	ch := make(chan *Settings, 8)
	w, err := Watch(path, WatchConfig{Debounce: 20 * time.Millisecond}, func(s *Settings) {
		ch <- s
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer w.Close()

	// A half-written file must not reach onChange.
	writeFile(t, path, `{theme: "broken`)
	select {
	case s := <-ch:
		t.Fatalf("unexpected reload from broken file: %+v", s)
	case <-time.After(300 * time.Millisecond):
	}

	writeFile(t, path, `{theme: "fixed"}`)
	select {
	case s := <-ch:
		if s.Theme == nil || *s.Theme != "fixed" {
			t.Fatalf("reloaded theme = %v, want fixed", s.Theme)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload after repair")
	}
}

func TestWatchIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json5")
	writeFile(t, path, `{theme: "one"}`)

	ch := make(chan *Settings, 8)
	w, err := Watch(path, WatchConfig{Debounce: 20 * time.Millisecond}, func(s *Settings) {
		ch <- s
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer w.Close()

	writeFile(t, filepath.Join(dir, "other.json5"), `{theme: "noise"}`)

	select {
	case s := <-ch:
		t.Fatalf("unexpected reload from sibling file: %+v", s)
	case <-time.After(300 * time.Millisecond):
	}
}
