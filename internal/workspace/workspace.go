// Package workspace resolves the on-disk layout for session state: the
// loom home directory, per-project notes directories, and the cache of
// extension source paths.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Home resolves the loom state directory: $LOOM_HOME when set, otherwise
// ~/.loom.
func Home() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("LOOM_HOME")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".loom"), nil
}

// EnsureNotesDir creates, if needed, the notes directory for a session,
// keyed by the project it ran in, and returns its path. Safe to call
// repeatedly.
func EnsureNotesDir(cwd, sessionID string) (string, error) {
	if strings.TrimSpace(cwd) == "" {
		return "", fmt.Errorf("cwd is required")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	// Session ids must stay a single path segment or they would escape
	// the notes root.
	if strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("session id %q contains a path separator", sessionID)
	}

	root, err := Home()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, "notes", EncodeCwd(cwd), sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create notes dir: %w", err)
	}
	return dir, nil
}

const hexDigits = "0123456789ABCDEF"

// EncodeCwd flattens a working-directory path into a single
// directory-name-safe segment. Separators become dashes, keeping the
// familiar readable form, and every other unsafe byte is %XX-escaped.
// Escaping literal dashes is what makes the encoding reversible; the
// historical scheme folded "-" and "/" together and could not decode.
func EncodeCwd(path string) string {
	var b strings.Builder
	b.Grow(len(path) + 8)
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case c == '/':
			b.WriteByte('-')
		case safeCwdByte(c):
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0xF])
		}
	}
	return b.String()
}

// DecodeCwd recovers the path EncodeCwd flattened.
func DecodeCwd(encoded string) (string, error) {
	var b strings.Builder
	b.Grow(len(encoded))
	for i := 0; i < len(encoded); i++ {
		switch c := encoded[i]; c {
		case '-':
			b.WriteByte('/')
		case '%':
			if i+2 >= len(encoded) {
				return "", fmt.Errorf("truncated escape at offset %d", i)
			}
			hi, ok1 := unhex(encoded[i+1])
			lo, ok2 := unhex(encoded[i+2])
			if !ok1 || !ok2 {
				return "", fmt.Errorf("invalid escape %q at offset %d", encoded[i:i+3], i)
			}
			b.WriteByte(hi<<4 | lo)
			i += 2
		default:
			if !safeCwdByte(c) {
				return "", fmt.Errorf("unexpected byte %q at offset %d", c, i)
			}
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func safeCwdByte(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '.' || c == '_'
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
