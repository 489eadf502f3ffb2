// Package settings loads and merges user configuration. Fields are pointers
// so a file that never mentions a key cannot clobber one that does: merges
// only override what was actually set, and Resolved applies defaults at the
// end.
package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/loom/internal/retry"
	"github.com/haasonsaas/loom/pkg/models"
)

// Provider carries per-provider credentials.
type Provider struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// Settings is the parsed form of a settings file. Nil means the key was
// absent.
type Settings struct {
	DefaultModel         *models.Model
	ScopedModels         []models.Model
	DefaultThinkingLevel *models.ThinkingLevel
	Providers            map[string]Provider

	CompactionEnabled *bool
	ReserveTokens     *int
	KeepRecentTokens  *int

	RetryEnabled *bool
	MaxRetries   *int
	BaseDelayMs  *int

	ShellPath     *string
	CommandPrefix *string

	AutoResizeImages *bool
	ExtensionPaths   []string
	Theme            *string
}

// Default returns the constructor defaults. Note the thinking level: a
// directly constructed Settings defaults to medium, while FromMap resolves
// an absent key to off.
func Default() *Settings {
	return &Settings{
		DefaultThinkingLevel: ptr(models.ThinkingMedium),
		Providers:            map[string]Provider{},
		CompactionEnabled:    ptr(true),
		ReserveTokens:        ptr(defaultReserveTokens),
		KeepRecentTokens:     ptr(defaultKeepRecentTokens),
		RetryEnabled:         ptr(true),
		MaxRetries:           ptr(defaultMaxRetries),
		BaseDelayMs:          ptr(defaultBaseDelayMs),
		AutoResizeImages:     ptr(true),
		Theme:                ptr(defaultTheme),
	}
}

const (
	defaultReserveTokens    = 16384
	defaultKeepRecentTokens = 20000
	defaultMaxRetries       = 3
	defaultBaseDelayMs      = 1000
	defaultTheme            = "default"
)

// FromMap decodes a raw settings map. camelCase keys are canonical,
// snake_case spellings are accepted, and camelCase wins when both appear.
// Unknown keys are ignored. An absent defaultThinkingLevel resolves to off.
func FromMap(raw map[string]any) (*Settings, error) {
	s := &Settings{}
	if raw == nil {
		raw = map[string]any{}
	}

	if v, ok := lookup(raw, "defaultModel", "default_model"); ok {
		model, err := decodeModel(v)
		if err != nil {
			return nil, fmt.Errorf("defaultModel: %w", err)
		}
		s.DefaultModel = model
	}

	if v, ok := lookup(raw, "scopedModels", "scoped_models"); ok {
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("scopedModels: expected a list, got %T", v)
		}
		for i, entry := range list {
			model, err := decodeModel(entry)
			if err != nil {
				return nil, fmt.Errorf("scopedModels[%d]: %w", i, err)
			}
			s.ScopedModels = append(s.ScopedModels, *model)
		}
	}

	level := models.ThinkingOff
	if v, ok := lookup(raw, "defaultThinkingLevel", "default_thinking_level"); ok {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("defaultThinkingLevel: expected a string, got %T", v)
		}
		parsed, err := models.ParseThinkingLevel(str)
		if err != nil {
			return nil, fmt.Errorf("defaultThinkingLevel: %w", err)
		}
		level = parsed
	}
	s.DefaultThinkingLevel = &level

	if v, ok := raw["providers"]; ok {
		provs, err := decodeProviders(v)
		if err != nil {
			return nil, err
		}
		s.Providers = provs
	}

	var err error
	if s.CompactionEnabled, err = boolKey(raw, "compactionEnabled", "compaction_enabled"); err != nil {
		return nil, err
	}
	if s.ReserveTokens, err = intKey(raw, "reserveTokens", "reserve_tokens"); err != nil {
		return nil, err
	}
	if s.KeepRecentTokens, err = intKey(raw, "keepRecentTokens", "keep_recent_tokens"); err != nil {
		return nil, err
	}
	if s.RetryEnabled, err = boolKey(raw, "retryEnabled", "retry_enabled"); err != nil {
		return nil, err
	}
	if s.MaxRetries, err = intKey(raw, "maxRetries", "max_retries"); err != nil {
		return nil, err
	}
	if s.BaseDelayMs, err = intKey(raw, "baseDelayMs", "base_delay_ms"); err != nil {
		return nil, err
	}
	if s.ShellPath, err = stringKey(raw, "shellPath", "shell_path"); err != nil {
		return nil, err
	}
	if s.CommandPrefix, err = stringKey(raw, "commandPrefix", "command_prefix"); err != nil {
		return nil, err
	}
	if s.AutoResizeImages, err = boolKey(raw, "autoResizeImages", "auto_resize_images"); err != nil {
		return nil, err
	}
	if s.Theme, err = stringKey(raw, "theme", "theme"); err != nil {
		return nil, err
	}

	if v, ok := lookup(raw, "extensionPaths", "extension_paths"); ok {
		paths, err := stringSlice(v)
		if err != nil {
			return nil, fmt.Errorf("extensionPaths: %w", err)
		}
		s.ExtensionPaths = paths
	}

	return s, nil
}

// Merge layers project settings over global ones: project scalars win when
// set, extensionPaths and scopedModels concatenate global-then-project, and
// provider maps shallow-merge with project keys overriding.
func Merge(global, project *Settings) *Settings {
	if global == nil {
		global = &Settings{}
	}
	if project == nil {
		project = &Settings{}
	}

	merged := global.clone()

	if project.DefaultModel != nil {
		m := *project.DefaultModel
		merged.DefaultModel = &m
	}
	merged.ScopedModels = append(merged.ScopedModels, project.ScopedModels...)
	if project.DefaultThinkingLevel != nil {
		merged.DefaultThinkingLevel = ptr(*project.DefaultThinkingLevel)
	}

	if len(project.Providers) > 0 {
		if merged.Providers == nil {
			merged.Providers = make(map[string]Provider, len(project.Providers))
		}
		for name, p := range project.Providers {
			merged.Providers[name] = p
		}
	}

	overrideBool(&merged.CompactionEnabled, project.CompactionEnabled)
	overrideInt(&merged.ReserveTokens, project.ReserveTokens)
	overrideInt(&merged.KeepRecentTokens, project.KeepRecentTokens)
	overrideBool(&merged.RetryEnabled, project.RetryEnabled)
	overrideInt(&merged.MaxRetries, project.MaxRetries)
	overrideInt(&merged.BaseDelayMs, project.BaseDelayMs)
	overrideString(&merged.ShellPath, project.ShellPath)
	overrideString(&merged.CommandPrefix, project.CommandPrefix)
	overrideBool(&merged.AutoResizeImages, project.AutoResizeImages)
	overrideString(&merged.Theme, project.Theme)

	merged.ExtensionPaths = append(merged.ExtensionPaths, project.ExtensionPaths...)

	return merged
}

// Resolved is the settings view the runtime consumes, every default applied.
type Resolved struct {
	DefaultModel      *models.Model
	ScopedModels      []models.Model
	ThinkingLevel     models.ThinkingLevel
	Providers         map[string]Provider
	CompactionEnabled bool
	ReserveTokens     int
	KeepRecentTokens  int
	RetryEnabled      bool
	MaxRetries        int
	BaseDelayMs       int
	ShellPath         string
	CommandPrefix     string
	AutoResizeImages  bool
	ExtensionPaths    []string
	Theme             string
}

// Resolved applies defaults to every unset field.
func (s *Settings) Resolved() Resolved {
	if s == nil {
		s = &Settings{}
	}
	r := Resolved{
		ThinkingLevel:     models.ThinkingMedium,
		Providers:         make(map[string]Provider, len(s.Providers)),
		CompactionEnabled: true,
		ReserveTokens:     defaultReserveTokens,
		KeepRecentTokens:  defaultKeepRecentTokens,
		RetryEnabled:      true,
		MaxRetries:        defaultMaxRetries,
		BaseDelayMs:       defaultBaseDelayMs,
		AutoResizeImages:  true,
		Theme:             defaultTheme,
	}

	if s.DefaultModel != nil {
		m := *s.DefaultModel
		r.DefaultModel = &m
	}
	r.ScopedModels = append(r.ScopedModels, s.ScopedModels...)
	if s.DefaultThinkingLevel != nil {
		r.ThinkingLevel = *s.DefaultThinkingLevel
	}
	for name, p := range s.Providers {
		r.Providers[name] = p
	}
	if s.CompactionEnabled != nil {
		r.CompactionEnabled = *s.CompactionEnabled
	}
	if s.ReserveTokens != nil {
		r.ReserveTokens = *s.ReserveTokens
	}
	if s.KeepRecentTokens != nil {
		r.KeepRecentTokens = *s.KeepRecentTokens
	}
	if s.RetryEnabled != nil {
		r.RetryEnabled = *s.RetryEnabled
	}
	if s.MaxRetries != nil {
		r.MaxRetries = *s.MaxRetries
	}
	if s.BaseDelayMs != nil {
		r.BaseDelayMs = *s.BaseDelayMs
	}
	if s.ShellPath != nil {
		r.ShellPath = *s.ShellPath
	}
	if s.CommandPrefix != nil {
		r.CommandPrefix = *s.CommandPrefix
	}
	if s.AutoResizeImages != nil {
		r.AutoResizeImages = *s.AutoResizeImages
	}
	r.ExtensionPaths = append(r.ExtensionPaths, s.ExtensionPaths...)
	if s.Theme != nil {
		r.Theme = *s.Theme
	}

	return r
}

// RetryPolicy builds the stream retry policy. A disabled retry setting
// yields a zero-retry policy rather than no policy at all.
func (r Resolved) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.BaseDelay = time.Duration(r.BaseDelayMs) * time.Millisecond
	if r.RetryEnabled {
		p.MaxRetries = r.MaxRetries
	} else {
		p.MaxRetries = 0
	}
	return p
}

func (s *Settings) clone() *Settings {
	if s == nil {
		return &Settings{}
	}
	out := &Settings{}

	if s.DefaultModel != nil {
		m := *s.DefaultModel
		out.DefaultModel = &m
	}
	out.ScopedModels = append(out.ScopedModels, s.ScopedModels...)
	if s.DefaultThinkingLevel != nil {
		out.DefaultThinkingLevel = ptr(*s.DefaultThinkingLevel)
	}
	if s.Providers != nil {
		out.Providers = make(map[string]Provider, len(s.Providers))
		for name, p := range s.Providers {
			out.Providers[name] = p
		}
	}

	if s.CompactionEnabled != nil {
		out.CompactionEnabled = ptr(*s.CompactionEnabled)
	}
	if s.ReserveTokens != nil {
		out.ReserveTokens = ptr(*s.ReserveTokens)
	}
	if s.KeepRecentTokens != nil {
		out.KeepRecentTokens = ptr(*s.KeepRecentTokens)
	}
	if s.RetryEnabled != nil {
		out.RetryEnabled = ptr(*s.RetryEnabled)
	}
	if s.MaxRetries != nil {
		out.MaxRetries = ptr(*s.MaxRetries)
	}
	if s.BaseDelayMs != nil {
		out.BaseDelayMs = ptr(*s.BaseDelayMs)
	}
	if s.ShellPath != nil {
		out.ShellPath = ptr(*s.ShellPath)
	}
	if s.CommandPrefix != nil {
		out.CommandPrefix = ptr(*s.CommandPrefix)
	}
	if s.AutoResizeImages != nil {
		out.AutoResizeImages = ptr(*s.AutoResizeImages)
	}
	out.ExtensionPaths = append(out.ExtensionPaths, s.ExtensionPaths...)
	if s.Theme != nil {
		out.Theme = ptr(*s.Theme)
	}

	return out
}

// lookup resolves the camelCase key, falling back to the snake_case
// spelling; camelCase wins when both are present.
func lookup(raw map[string]any, camel, snake string) (any, bool) {
	if v, ok := raw[camel]; ok {
		return v, true
	}
	if v, ok := raw[snake]; ok {
		return v, true
	}
	return nil, false
}

func decodeModel(v any) (*models.Model, error) {
	switch typed := v.(type) {
	case string:
		m, err := models.ParseModelRef(typed)
		if err != nil {
			return nil, err
		}
		return &m, nil

	case map[string]any:
		m := models.Model{}
		if p, ok := typed["provider"]; ok {
			m.Provider, _ = p.(string)
		}
		if id, ok := lookup(typed, "modelId", "model_id"); ok {
			m.ID, _ = id.(string)
		}
		if base, ok := lookup(typed, "baseUrl", "base_url"); ok {
			m.BaseURL, _ = base.(string)
		}
		if cw, ok := lookup(typed, "contextWindow", "context_window"); ok {
			m.ContextWindow = asInt(cw)
		}
		if mot, ok := lookup(typed, "maxOutputTokens", "max_output_tokens"); ok {
			m.MaxOutputTokens = asInt(mot)
		}
		if m.Provider == "" || m.ID == "" {
			return nil, fmt.Errorf("model config requires provider and modelId")
		}
		return &m, nil

	default:
		return nil, fmt.Errorf("expected a string or object, got %T", v)
	}
}

func decodeProviders(v any) (map[string]Provider, error) {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("providers: expected an object, got %T", v)
	}
	out := make(map[string]Provider, len(raw))
	for name, entry := range raw {
		cfg, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("providers.%s: expected an object, got %T", name, entry)
		}
		var p Provider
		if key, ok := lookup(cfg, "apiKey", "api_key"); ok {
			p.APIKey, _ = key.(string)
		}
		if base, ok := lookup(cfg, "baseUrl", "base_url"); ok {
			p.BaseURL, _ = base.(string)
		}
		out[strings.ToLower(strings.TrimSpace(name))] = p
	}
	return out, nil
}

func boolKey(raw map[string]any, camel, snake string) (*bool, error) {
	v, ok := lookup(raw, camel, snake)
	if !ok {
		return nil, nil
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("%s: expected a bool, got %T", camel, v)
	}
	return ptr(b), nil
}

func intKey(raw map[string]any, camel, snake string) (*int, error) {
	v, ok := lookup(raw, camel, snake)
	if !ok {
		return nil, nil
	}
	switch v.(type) {
	case int, int64, float64:
		return ptr(asInt(v)), nil
	default:
		return nil, fmt.Errorf("%s: expected a number, got %T", camel, v)
	}
}

func stringKey(raw map[string]any, camel, snake string) (*string, error) {
	v, ok := lookup(raw, camel, snake)
	if !ok {
		return nil, nil
	}
	str, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%s: expected a string, got %T", camel, v)
	}
	return ptr(str), nil
}

func stringSlice(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	out := make([]string, 0, len(list))
	for i, entry := range list {
		str, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("entry %d: expected a string, got %T", i, entry)
		}
		out = append(out, str)
	}
	return out, nil
}

// asInt converts the numeric types json5 and yaml decoders produce.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func overrideBool(dst **bool, src *bool) {
	if src != nil {
		*dst = ptr(*src)
	}
}

func overrideInt(dst **int, src *int) {
	if src != nil {
		*dst = ptr(*src)
	}
}

func overrideString(dst **string, src *string) {
	if src != nil {
		*dst = ptr(*src)
	}
}

func ptr[T any](v T) *T { return &v }
