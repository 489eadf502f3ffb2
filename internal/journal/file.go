package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/haasonsaas/loom/pkg/models"
)

// FileStore persists entries as newline-delimited JSON, one object per
// line in append order. Field names are camelCase at the boundary.
type FileStore struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenFile opens or creates the journal file at path for appending.
func OpenFile(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	return &FileStore{path: path, f: f}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Append(ctx context.Context, e *models.SessionEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

// Load reads every line of the file. A final line that does not parse is
// treated as a torn write and discarded; a malformed line anywhere else
// is corruption and fails the load.
func (s *FileStore) Load(ctx context.Context) ([]*models.SessionEntry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	defer f.Close()

	var entries []*models.SessionEntry
	r := bufio.NewReader(f)
	lineNo := 0
	for {
		line, readErr := r.ReadBytes('\n')
		atEOF := readErr == io.EOF
		if readErr != nil && !atEOF {
			return nil, fmt.Errorf("failed to read journal file: %w", readErr)
		}
		lineNo++

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var e models.SessionEntry
			if err := json.Unmarshal(trimmed, &e); err != nil {
				if atEOF {
					// Torn final line from an interrupted write.
					break
				}
				return nil, fmt.Errorf("malformed entry on line %d: %w", lineNo, err)
			}
			entries = append(entries, &e)
		}
		if atEOF {
			break
		}
	}
	return entries, nil
}

// Flush fsyncs the file.
func (s *FileStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal file: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
