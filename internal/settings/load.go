package settings

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/loom/internal/observability"
)

// LoadFile reads and decodes a settings file. .json and .json5 parse as
// JSON5, anything else as a single YAML document. ${ENV} references are
// expanded before parsing.
func LoadFile(path string) (*Settings, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))
	raw, err := parseRaw([]byte(expanded), path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	return FromMap(raw)
}

func parseRaw(data []byte, pathHint string) (map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(pathHint))
	if ext == ".json" || ext == ".json5" {
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		if err == io.EOF {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("expected a single document")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// WatchConfig tunes a settings watcher.
type WatchConfig struct {
	// Debounce coalesces event bursts from editors that write in several
	// syscalls. Zero means 250ms.
	Debounce time.Duration

	// Logger receives reload and watch failures. Nil drops them.
	Logger *observability.Logger
}

// Watcher reloads a settings file when it changes on disk.
type Watcher struct {
	fs        *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Watch invokes onChange with freshly loaded settings after every write,
// create, or rename of path. Reload failures are logged and skipped so a
// half-written file never clobbers live settings. The parent directory is
// watched rather than the file itself because editors typically replace the
// file on save.
func Watch(path string, cfg WatchConfig, onChange func(*Settings)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	w := &Watcher{fs: fw, done: make(chan struct{})}
	w.wg.Add(1)
	go w.loop(abs, debounce, cfg.Logger, onChange)
	return w, nil
}

func (w *Watcher) loop(path string, debounce time.Duration, logger *observability.Logger, onChange func(*Settings)) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			s, err := LoadFile(path)
			if err != nil {
				if logger != nil {
					logger.Warn(context.Background(), "settings reload failed",
						"path", path, "error", err)
				}
				return
			}
			onChange(s)
		})
	}

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Name != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			if logger != nil {
				logger.Warn(context.Background(), "settings watch error", "error", err)
			}
		}
	}
}

// Close stops the watcher. A reload already scheduled by the debounce timer
// may still fire once.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.closeErr = w.fs.Close()
		w.wg.Wait()
	})
	return w.closeErr
}
