package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/journal"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/settings"
	"github.com/haasonsaas/loom/internal/stream"
	"github.com/haasonsaas/loom/internal/workspace"
	"github.com/haasonsaas/loom/pkg/models"
)

// settingsFileNames are tried in order inside each settings directory.
var settingsFileNames = []string{"settings.json5", "settings.json", "settings.yaml", "settings.yml"}

// settingsStack is the layered settings view the CLI runs with.
type settingsStack struct {
	// GlobalPath and ProjectPath are the files that were found; either
	// may be empty.
	GlobalPath  string
	ProjectPath string
	Merged      *settings.Settings
}

// WatchPath is the file hot reload follows: the project file when
// present, else the global one.
func (s settingsStack) WatchPath() string {
	if s.ProjectPath != "" {
		return s.ProjectPath
	}
	return s.GlobalPath
}

// loadSettingsStack loads global ($LOOM_HOME) and project (./.loom)
// settings and merges them, project over global. An explicit path
// bypasses the stack.
func loadSettingsStack(explicit string) (settingsStack, error) {
	if explicit != "" {
		s, err := settings.LoadFile(explicit)
		if err != nil {
			return settingsStack{}, err
		}
		return settingsStack{ProjectPath: explicit, Merged: s}, nil
	}

	var stack settingsStack
	var global, project *settings.Settings

	if home, err := workspace.Home(); err == nil {
		if path := firstSettingsFile(home); path != "" {
			s, err := settings.LoadFile(path)
			if err != nil {
				return settingsStack{}, err
			}
			stack.GlobalPath, global = path, s
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		if path := firstSettingsFile(filepath.Join(cwd, ".loom")); path != "" {
			s, err := settings.LoadFile(path)
			if err != nil {
				return settingsStack{}, err
			}
			stack.ProjectPath, project = path, s
		}
	}

	stack.Merged = settings.Merge(global, project)
	return stack, nil
}

func firstSettingsFile(dir string) string {
	for _, name := range settingsFileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// resolveModel picks the session model: an explicit ref wins, enriched
// from scopedModels when the same provider:modelId is declared there, and
// settings.defaultModel applies otherwise.
func resolveModel(ref string, r settings.Resolved) (models.Model, error) {
	if ref == "" {
		if r.DefaultModel == nil {
			return models.Model{}, fmt.Errorf("no model configured: pass --model provider:modelId or set defaultModel in settings")
		}
		return *r.DefaultModel, nil
	}
	m, err := models.ParseModelRef(ref)
	if err != nil {
		return models.Model{}, err
	}
	for _, scoped := range r.ScopedModels {
		if scoped.Provider == m.Provider && scoped.ID == m.ID {
			return scoped, nil
		}
	}
	return m, nil
}

// credentialsFor resolves provider credentials from settings, falling
// back to the conventional environment variables.
func credentialsFor(provider string, r settings.Resolved) providers.Credentials {
	var creds providers.Credentials
	if p, ok := r.Providers[strings.ToLower(provider)]; ok {
		creds.APIKey = p.APIKey
		creds.BaseURL = p.BaseURL
	}
	if creds.APIKey == "" {
		for _, env := range apiKeyEnvVars(provider) {
			if v := os.Getenv(env); v != "" {
				creds.APIKey = v
				break
			}
		}
	}
	return creds
}

func apiKeyEnvVars(provider string) []string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "anthropic":
		return []string{"ANTHROPIC_API_KEY"}
	case "openai":
		return []string{"OPENAI_API_KEY"}
	case "google", "gemini":
		return []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}
	default:
		return []string{strings.ToUpper(strings.TrimSpace(provider)) + "_API_KEY"}
	}
}

// providerRouter is a stream.Fn that dispatches on the request model's
// provider, so a mid-session /model switch can cross providers. Adapters
// are built lazily and rebuilt after a settings reload so new
// credentials apply to subsequent requests.
type providerRouter struct {
	registry *providers.Registry

	mu       sync.Mutex
	resolved settings.Resolved
	cache    map[string]stream.Fn
}

func newProviderRouter(reg *providers.Registry, r settings.Resolved) *providerRouter {
	return &providerRouter{
		registry: reg,
		resolved: r,
		cache:    make(map[string]stream.Fn),
	}
}

// Update swaps in freshly resolved settings and drops cached adapters.
func (p *providerRouter) Update(r settings.Resolved) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolved = r
	p.cache = make(map[string]stream.Fn)
}

// Stream implements stream.Fn.
func (p *providerRouter) Stream(ctx context.Context, model models.Model, req stream.Request) (<-chan stream.Event, error) {
	p.mu.Lock()
	fn, ok := p.cache[model.Provider]
	if !ok {
		var err error
		fn, err = p.registry.New(model.Provider, credentialsFor(model.Provider, p.resolved))
		if err != nil {
			p.mu.Unlock()
			return nil, stream.NewError(model.Provider, model.ID, err).WithKind(stream.WireInvalidRequest)
		}
		p.cache[model.Provider] = fn
	}
	p.mu.Unlock()
	return fn(ctx, model, req)
}

// sessionsRoot is where jsonl journals live, one subdirectory per
// project.
func sessionsRoot() (string, error) {
	home, err := workspace.Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "sessions"), nil
}

// sessionsDirFor returns the journal directory for one project.
func sessionsDirFor(cwd string) (string, error) {
	root, err := sessionsRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, workspace.EncodeCwd(cwd)), nil
}

// loadServiceConfig reads <home>/config.yaml; a missing file is
// defaults.
func loadServiceConfig() (*config.Config, error) {
	home, err := workspace.Home()
	if err != nil {
		return nil, err
	}
	return config.Load(filepath.Join(home, "config.yaml"))
}

// sqlitePath resolves the sqlite database file for the configured
// journal.
func sqlitePath(svc *config.Config) (string, error) {
	if svc.Journal.Path != "" {
		return svc.Journal.Path, nil
	}
	home, err := workspace.Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "sessions.db"), nil
}

// openJournalStore builds the configured journal backend for one
// session. The jsonl layout keys by project directory; the database
// stores key by session id alone. The returned string describes where
// the journal lives for the chat banner.
func openJournalStore(svc *config.Config, sessionID string, resuming bool) (journal.Store, string, error) {
	switch svc.Journal.Store {
	case config.StoreSQLite:
		path, err := sqlitePath(svc)
		if err != nil {
			return nil, "", err
		}
		store, err := journal.NewSQLiteStore(path, sessionID)
		if err != nil {
			return nil, "", err
		}
		return store, "sqlite " + path, nil

	case config.StorePostgres:
		store, err := journal.NewPostgresStoreFromDSN(svc.Journal.DSN, nil, sessionID)
		if err != nil {
			return nil, "", err
		}
		return store, "postgres", nil

	default:
		cwd, err := os.Getwd()
		if err != nil {
			return nil, "", err
		}
		dir, err := sessionsDirFor(cwd)
		if err != nil {
			return nil, "", err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, "", fmt.Errorf("create sessions dir: %w", err)
		}
		path := filepath.Join(dir, sessionID+".jsonl")
		if resuming {
			// OpenFile creates missing journals, so check first:
			// resuming an unknown id should fail instead of starting an
			// empty session.
			if _, err := os.Stat(path); err != nil {
				return nil, "", fmt.Errorf("resume session %s: %w", sessionID, err)
			}
		}
		store, err := journal.OpenFile(path)
		if err != nil {
			return nil, "", err
		}
		return store, path, nil
	}
}
