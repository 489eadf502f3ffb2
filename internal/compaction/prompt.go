package compaction

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/loom/pkg/models"
)

const (
	// toolResultTruncateLen bounds tool output in the summary prompt.
	toolResultTruncateLen = 500

	// messageTruncateLen bounds ordinary message text in the summary prompt.
	messageTruncateLen = 200
)

// FormatEntriesForSummary renders the prefix as a compact transcript for
// the summarization call. Tool results are truncated at 500 characters,
// everything else at 200.
func FormatEntriesForSummary(entries []*models.SessionEntry) string {
	var b strings.Builder
	for _, e := range entries {
		switch e.Type {
		case models.EntryMessage:
			formatMessage(&b, e.Message)
		case models.EntryCustomMessage:
			if e.Content != nil {
				fmt.Fprintf(&b, "[note:%s]: %s\n", e.CustomType,
					truncateString(e.Content.JoinedText(), messageTruncateLen))
			}
		case models.EntrySummary:
			fmt.Fprintf(&b, "[earlier summary]: %s\n",
				truncateString(e.SummaryText, toolResultTruncateLen))
		case models.EntryModelChange:
			fmt.Fprintf(&b, "[model switched to %s:%s]\n", e.Provider, e.ModelID)
		}
	}
	return b.String()
}

func formatMessage(b *strings.Builder, m *models.Message) {
	if m == nil {
		return
	}
	switch m.Role {
	case models.RoleUser:
		fmt.Fprintf(b, "[user]: %s\n", truncateString(m.Content.JoinedText(), messageTruncateLen))
	case models.RoleAssistant:
		if text := m.Content.JoinedText(); text != "" {
			fmt.Fprintf(b, "[assistant]: %s\n", truncateString(text, messageTruncateLen))
		}
		for _, call := range m.ToolCalls() {
			args, _ := json.Marshal(call.Arguments)
			fmt.Fprintf(b, "[assistant tool call]: %s(%s)\n",
				call.Name, truncateString(string(args), messageTruncateLen))
		}
	case models.RoleToolResult:
		text := m.Content.JoinedText()
		if m.IsError {
			fmt.Fprintf(b, "[tool error %s]: %s\n", m.ToolCallID,
				truncateString(text, toolResultTruncateLen))
		} else {
			fmt.Fprintf(b, "[tool result %s]: %s\n", m.ToolCallID,
				truncateString(text, toolResultTruncateLen))
		}
	}
}

// summaryPrompt wraps the rendered transcript with instructions for the
// summarization call.
func summaryPrompt(entries []*models.SessionEntry) string {
	var b strings.Builder
	b.WriteString("Summarize the following conversation segment concisely. ")
	b.WriteString("Preserve key facts, decisions, file paths, tool outcomes, and any unresolved questions. ")
	b.WriteString("Write in the past tense, as context for continuing the conversation.\n\n")
	b.WriteString(FormatEntriesForSummary(entries))
	return b.String()
}

// truncateString shortens s to at most maxLen runes, marking the cut.
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
