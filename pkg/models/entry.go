package models

import "fmt"

// EntryType discriminates journal entries.
type EntryType string

const (
	EntryMessage       EntryType = "message"
	EntryCustomMessage EntryType = "custom_message"
	EntryModelChange   EntryType = "model_change"
	EntrySummary       EntryType = "summary"
)

// SessionEntry is one immutable node of the session journal tree. ParentID is
// nil for roots. Per-type fields follow the discriminator: message entries
// embed a Message; custom_message entries carry customType/content/display;
// model_change entries carry provider/modelId; summary entries carry
// summaryText and the inclusive id range they replace.
type SessionEntry struct {
	ID        string    `json:"id"`
	ParentID  *string   `json:"parentId"`
	Type      EntryType `json:"type"`
	Timestamp int64     `json:"timestamp"`

	Message *Message `json:"message,omitempty"`

	CustomType string   `json:"customType,omitempty"`
	Content    *Content `json:"content,omitempty"`
	Display    bool     `json:"display,omitempty"`

	Provider string `json:"provider,omitempty"`
	ModelID  string `json:"modelId,omitempty"`

	SummaryText   string   `json:"summaryText,omitempty"`
	ReplacedRange []string `json:"replacedRange,omitempty"`
}

// NewMessageEntry wraps a message for appending.
func NewMessageEntry(msg *Message) *SessionEntry {
	return &SessionEntry{Type: EntryMessage, Message: msg}
}

// NewCustomMessageEntry wraps an annotation for appending. Content may be nil.
func NewCustomMessageEntry(customType string, content *Content, display bool) *SessionEntry {
	return &SessionEntry{Type: EntryCustomMessage, CustomType: customType, Content: content, Display: display}
}

// NewModelChangeEntry records a mid-session model switch.
func NewModelChangeEntry(provider, modelID string) *SessionEntry {
	return &SessionEntry{Type: EntryModelChange, Provider: provider, ModelID: modelID}
}

// NewSummaryEntry records a compaction result replacing [firstID, lastID].
func NewSummaryEntry(summaryText, firstID, lastID string) *SessionEntry {
	return &SessionEntry{Type: EntrySummary, SummaryText: summaryText, ReplacedRange: []string{firstID, lastID}}
}

// Validate checks the per-type shape of an entry.
func (e *SessionEntry) Validate() error {
	if e == nil {
		return fmt.Errorf("entry: nil")
	}
	switch e.Type {
	case EntryMessage:
		if e.Message == nil {
			return fmt.Errorf("entry %s: message entry without message", e.ID)
		}
	case EntryCustomMessage:
		if e.CustomType == "" {
			return fmt.Errorf("entry %s: custom_message without customType", e.ID)
		}
	case EntryModelChange:
		if e.Provider == "" || e.ModelID == "" {
			return fmt.Errorf("entry %s: model_change without provider/modelId", e.ID)
		}
	case EntrySummary:
		if len(e.ReplacedRange) != 2 {
			return fmt.Errorf("entry %s: summary without replacedRange", e.ID)
		}
	default:
		return fmt.Errorf("entry %s: unknown type %q", e.ID, e.Type)
	}
	return nil
}

// Role returns the embedded message role, or "" for non-message entries.
func (e *SessionEntry) Role() Role {
	if e == nil || e.Type != EntryMessage || e.Message == nil {
		return ""
	}
	return e.Message.Role
}
