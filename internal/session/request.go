package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/loom/internal/abort"
	"github.com/haasonsaas/loom/internal/stream"
	"github.com/haasonsaas/loom/pkg/models"
)

// summaryPreface introduces the rolled-up summary when it is rendered
// as the first request message.
const summaryPreface = "Summary of the conversation so far:\n\n"

// branchView is the live slice of the current branch: the newest
// summary (when one exists) followed by the entries kept verbatim.
// Older summaries fold into the newest one, so at most one summary is
// ever live.
type branchView struct {
	branch []*models.SessionEntry
	live   []*models.SessionEntry
}

// branchView snapshots the journal and derives the live slice.
func (s *Session) branchView() branchView {
	branch := s.journal.CurrentBranch()
	view := branchView{branch: branch}

	newest := -1
	for i := len(branch) - 1; i >= 0; i-- {
		if branch[i].Type == models.EntrySummary {
			newest = i
			break
		}
	}
	if newest < 0 {
		view.live = branch
		return view
	}

	summary := branch[newest]
	// The cut entry is the last one the summary replaced; everything
	// positioned after it is kept verbatim. A summary with a missing
	// cut (a reset landed inside the replaced range) keeps only entries
	// appended after the summary itself.
	cutIdx := newest
	if len(summary.ReplacedRange) == 2 {
		for i, e := range branch {
			if e.ID == summary.ReplacedRange[1] {
				cutIdx = i
				break
			}
		}
	}

	live := make([]*models.SessionEntry, 0, len(branch)-cutIdx)
	live = append(live, summary)
	for _, e := range branch[cutIdx+1:] {
		if e.Type == models.EntrySummary {
			continue
		}
		live = append(live, e)
	}
	view.live = live
	return view
}

// requestMessages renders the live slice as the LLM transcript.
// Model-change entries carry no content; custom messages join only when
// they have model-visible content.
func (v branchView) requestMessages() []models.Message {
	msgs := make([]models.Message, 0, len(v.live))
	for _, e := range v.live {
		switch e.Type {
		case models.EntrySummary:
			msgs = append(msgs, *models.NewUserMessage(summaryPreface + e.SummaryText))
		case models.EntryMessage:
			if e.Message != nil {
				msgs = append(msgs, *e.Message)
			}
		case models.EntryCustomMessage:
			if e.Content != nil {
				msgs = append(msgs, models.Message{
					Role:      models.RoleUser,
					Content:   *e.Content,
					Timestamp: e.Timestamp,
				})
			}
		}
	}
	return repairDanglingResults(msgs)
}

// repairDanglingResults rewrites tool results whose calls were
// summarized away into plain user text, so the transcript never carries
// a result the provider cannot pair.
func repairDanglingResults(msgs []models.Message) []models.Message {
	known := make(map[string]bool)
	for i := range msgs {
		switch msgs[i].Role {
		case models.RoleAssistant:
			for _, call := range msgs[i].ToolCalls() {
				if call.ID != "" {
					known[call.ID] = true
				}
			}
		case models.RoleToolResult:
			if known[msgs[i].ToolCallID] {
				continue
			}
			text := msgs[i].Content.JoinedText()
			msgs[i] = models.Message{
				Role:      models.RoleUser,
				Content:   models.TextContent(fmt.Sprintf("[tool result %s]\n%s", msgs[i].ToolCallID, text)),
				Timestamp: msgs[i].Timestamp,
			}
		}
	}
	return msgs
}

func (s *Session) buildRequest(sig *abort.Signal, thinking models.ThinkingLevel) stream.Request {
	view := s.branchView()
	return stream.Request{
		System:        s.systemPrompt,
		Messages:      view.requestMessages(),
		Tools:         s.toolSchemas(),
		ThinkingLevel: thinking,
		MaxTokens:     s.maxTokens,
		Signal:        sig,
	}
}

func (s *Session) toolSchemas() []stream.ToolSchema {
	list := s.registry.List()
	if len(list) == 0 {
		return nil
	}
	schemas := make([]stream.ToolSchema, 0, len(list))
	for _, t := range list {
		schemas = append(schemas, stream.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return schemas
}

// schemaJSON renders tool schemas for token estimation.
func (s *Session) schemaJSON() []string {
	schemas := s.toolSchemas()
	if len(schemas) == 0 {
		return nil
	}
	out := make([]string, 0, len(schemas))
	for _, sc := range schemas {
		raw, err := json.Marshal(sc)
		if err != nil {
			continue
		}
		out = append(out, string(raw))
	}
	return out
}

// modelSummarizer produces compaction summaries with the session's own
// model and stream fn, no tools attached.
type modelSummarizer struct {
	s *Session
}

func (m *modelSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	s := m.s
	req := stream.Request{
		Messages:  []models.Message{*models.NewUserMessage(prompt)},
		MaxTokens: s.maxTokens,
		Signal:    s.currentSignal(),
	}
	ch, err := s.fn(ctx, s.currentModel(), req)
	if err != nil {
		return "", err
	}
	b := stream.NewBuilder()
	for ev := range ch {
		switch ev.Kind {
		case stream.KindTextDelta:
			b.AppendText(ev.Index, ev.Text)
		case stream.KindDone:
			if ev.Message != nil {
				return ev.Message.Content.JoinedText(), nil
			}
			return b.Snapshot().Content.JoinedText(), nil
		case stream.KindError:
			if ev.Err != nil {
				return "", ev.Err
			}
			return "", errors.New("summary stream failed")
		}
	}
	return "", errors.New("summary stream closed without a terminal event")
}
