package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEncodeCwdKeepsLegacyShapeForPlainPaths(t *testing.T) {
	got := EncodeCwd("/Users/me/project")
	if got != "-Users-me-project" {
		t.Errorf("EncodeCwd = %q, want -Users-me-project", got)
	}
}

func TestEncodeCwdEscapesDashes(t *testing.T) {
	got := EncodeCwd("/srv/my-app")
	if got != "-srv-my%2Dapp" {
		t.Errorf("EncodeCwd = %q, want -srv-my%%2Dapp", got)
	}
}

func TestEncodeCwdRoundTrips(t *testing.T) {
	paths := []string{
		"",
		"/",
		"/Users/me/project",
		"/home/user/my-project",
		"/tmp/with space/dir",
		"/srv/100%/done",
		"/home/üser/pröjekt",
		"/a-b/c-d/e_f.g",
		"relative/with-dash",
	}
	for _, path := range paths {
		encoded := EncodeCwd(path)
		if strings.ContainsAny(encoded, "/\\ ") {
			t.Errorf("EncodeCwd(%q) = %q, not a single safe segment", path, encoded)
		}
		decoded, err := DecodeCwd(encoded)
		if err != nil {
			t.Errorf("DecodeCwd(%q) error = %v", encoded, err)
			continue
		}
		if decoded != path {
			t.Errorf("round trip %q -> %q -> %q", path, encoded, decoded)
		}
	}
}

func TestDecodeCwdErrors(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"truncated escape", "abc%2"},
		{"invalid escape", "abc%ZZ"},
		{"unencoded byte", "a b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeCwd(tt.encoded); err == nil {
				t.Fatalf("DecodeCwd(%q) succeeded, want error", tt.encoded)
			}
		})
	}
}

func TestHomePrefersEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOOM_HOME", dir)

	got, err := Home()
	if err != nil {
		t.Fatalf("Home() error = %v", err)
	}
	if got != dir {
		t.Errorf("Home() = %q, want %q", got, dir)
	}

	t.Setenv("LOOM_HOME", "")
	got, err = Home()
	if err != nil {
		t.Fatalf("Home() error = %v", err)
	}
	if filepath.Base(got) != ".loom" {
		t.Errorf("Home() = %q, want a .loom directory", got)
	}
}

func TestEnsureNotesDirIdempotent(t *testing.T) {
	t.Setenv("LOOM_HOME", t.TempDir())

	first, err := EnsureNotesDir("/home/user/my-project", "sess-1")
	if err != nil {
		t.Fatalf("EnsureNotesDir() error = %v", err)
	}
	second, err := EnsureNotesDir("/home/user/my-project", "sess-1")
	if err != nil {
		t.Fatalf("second EnsureNotesDir() error = %v", err)
	}
	if first != second {
		t.Errorf("paths differ: %q vs %q", first, second)
	}

	info, err := os.Stat(first)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if !info.IsDir() {
		t.Errorf("%q is not a directory", first)
	}
	if !strings.Contains(first, filepath.Join("notes", EncodeCwd("/home/user/my-project"), "sess-1")) {
		t.Errorf("unexpected layout: %q", first)
	}
}

func TestEnsureNotesDirSeparatesProjects(t *testing.T) {
	t.Setenv("LOOM_HOME", t.TempDir())

	a, err := EnsureNotesDir("/srv/alpha", "sess-1")
	if err != nil {
		t.Fatalf("EnsureNotesDir() error = %v", err)
	}
	b, err := EnsureNotesDir("/srv/beta", "sess-1")
	if err != nil {
		t.Fatalf("EnsureNotesDir() error = %v", err)
	}
	if a == b {
		t.Errorf("projects share a notes dir: %q", a)
	}
}

func TestEnsureNotesDirValidatesInput(t *testing.T) {
	t.Setenv("LOOM_HOME", t.TempDir())

	if _, err := EnsureNotesDir("", "sess-1"); err == nil {
		t.Errorf("expected error for empty cwd")
	}
	if _, err := EnsureNotesDir("/srv/app", "  "); err == nil {
		t.Errorf("expected error for blank session id")
	}
	if _, err := EnsureNotesDir("/srv/app", "../escape"); err == nil {
		t.Errorf("expected error for session id with separator")
	}
}
