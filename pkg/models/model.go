package models

import (
	"fmt"
	"strings"
)

// Model describes the acting LLM for a session.
type Model struct {
	Provider        string `json:"provider"`
	ID              string `json:"modelId"`
	BaseURL         string `json:"baseUrl,omitempty"`
	ContextWindow   int    `json:"contextWindow,omitempty"`
	MaxOutputTokens int    `json:"maxOutputTokens,omitempty"`
}

// String renders the provider:modelId form.
func (m Model) String() string {
	return m.Provider + ":" + m.ID
}

// ParseModelRef parses a "provider:modelId" reference.
func ParseModelRef(ref string) (Model, error) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Model{}, fmt.Errorf("invalid model reference %q, want provider:modelId", ref)
	}
	return Model{Provider: parts[0], ID: parts[1]}, nil
}

// ThinkingLevel is a model-facing reasoning-effort hint.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingXHigh   ThinkingLevel = "xhigh"
)

// ThinkingBudgets maps levels to provider token budgets.
var ThinkingBudgets = map[ThinkingLevel]int{
	ThinkingOff:     0,
	ThinkingMinimal: 1024,
	ThinkingLow:     4096,
	ThinkingMedium:  16384,
	ThinkingHigh:    65536,
	ThinkingXHigh:   100000,
}

// Valid reports whether the level is one of the recognized values.
func (l ThinkingLevel) Valid() bool {
	_, ok := ThinkingBudgets[l]
	return ok
}

// Budget returns the token budget for the level, 0 for unknown levels.
func (l ThinkingLevel) Budget() int {
	return ThinkingBudgets[l]
}

// ParseThinkingLevel validates a level string.
func ParseThinkingLevel(s string) (ThinkingLevel, error) {
	l := ThinkingLevel(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("invalid thinking level %q", s)
	}
	return l, nil
}
