// Package compaction decides when and where to shorten a conversation
// branch so the next model call fits the context window, and produces the
// summary entry that replaces the trimmed prefix.
package compaction

import (
	"unicode/utf8"

	"github.com/haasonsaas/loom/pkg/models"
)

// EstimateTextTokens estimates tokens for a string as codepoints divided
// by four, rounded down. Deterministic and cheap; no tokenizer call.
func EstimateTextTokens(s string) int {
	return utf8.RuneCountInString(s) / 4
}

// EstimateMessageTokens sums the text-extractable portion of a message:
// plain string content and text blocks, including tool-result text.
// Images, thinking blocks, and tool-call argument payloads do not count.
func EstimateMessageTokens(m *models.Message) int {
	if m == nil {
		return 0
	}
	if m.Content.Blocks == nil {
		return EstimateTextTokens(m.Content.Text)
	}
	total := 0
	for _, b := range m.Content.Blocks {
		if b.Type == models.BlockText {
			total += EstimateTextTokens(b.Text)
		}
	}
	return total
}

// EstimateEntryTokens estimates the weight of a journal entry when it is
// rendered into a model request.
func EstimateEntryTokens(e *models.SessionEntry) int {
	if e == nil {
		return 0
	}
	switch e.Type {
	case models.EntryMessage:
		return EstimateMessageTokens(e.Message)
	case models.EntryCustomMessage:
		if e.Content == nil {
			return 0
		}
		if e.Content.Blocks == nil {
			return EstimateTextTokens(e.Content.Text)
		}
		total := 0
		for _, b := range e.Content.Blocks {
			if b.Type == models.BlockText {
				total += EstimateTextTokens(b.Text)
			}
		}
		return total
	case models.EntrySummary:
		return EstimateTextTokens(e.SummaryText)
	default:
		return 0
	}
}

// EstimateContextTokens sums message estimates. Additive by construction:
// the estimate of a concatenation is the sum of the estimates.
func EstimateContextTokens(msgs []*models.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessageTokens(m)
	}
	return total
}

// EstimateRequestTokens estimates a full request: messages, the system
// prompt, and the serialized schema of every offered tool.
func EstimateRequestTokens(msgs []*models.Message, systemPrompt string, toolSchemas []string) int {
	total := EstimateContextTokens(msgs) + EstimateTextTokens(systemPrompt)
	for _, schema := range toolSchemas {
		total += EstimateTextTokens(schema)
	}
	return total
}
