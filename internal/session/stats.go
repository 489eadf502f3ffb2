package session

import (
	"time"

	"github.com/haasonsaas/loom/internal/compaction"
	"github.com/haasonsaas/loom/pkg/models"
)

// Stats summarizes a session's lifetime activity. All reads snapshot
// the current branch without blocking the loop.
type Stats struct {
	SessionID       string       `json:"sessionId"`
	State           State        `json:"state"`
	Turns           int          `json:"turns"`
	ToolCalls       int          `json:"toolCalls"`
	Compactions     int          `json:"compactions"`
	Usage           models.Usage `json:"usage"`
	EntryCount      int          `json:"entryCount"`
	LiveMessages    int          `json:"liveMessages"`
	EstimatedTokens int          `json:"estimatedTokens"`
	CreatedAt       time.Time    `json:"createdAt"`
	LastActivity    time.Time    `json:"lastActivity"`
}

// Diagnostics exposes the loop's moving parts for inspection.
type Diagnostics struct {
	SessionID        string               `json:"sessionId"`
	State            State                `json:"state"`
	Model            models.Model         `json:"model"`
	ThinkingLevel    models.ThinkingLevel `json:"thinkingLevel"`
	QueuedSteering   int                  `json:"queuedSteering"`
	QueuedFollowUps  int                  `json:"queuedFollowUps"`
	Subscribers      int                  `json:"subscribers"`
	PendingToolCalls int                  `json:"pendingToolCalls"`
	JournalEntries   int                  `json:"journalEntries"`
	HeadID           *string              `json:"headId"`
	LastError        string               `json:"lastError,omitempty"`
}

// Health is a minimal liveness view.
type Health struct {
	State       State  `json:"state"`
	IsStreaming bool   `json:"isStreaming"`
	LastError   string `json:"lastError,omitempty"`
	UptimeMs    int64  `json:"uptimeMs"`
}

// State reports the loop state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns the conversation messages on the current branch,
// oldest first. The returned messages are clones.
func (s *Session) Messages() []*models.Message {
	branch := s.journal.CurrentBranch()
	msgs := make([]*models.Message, 0, len(branch))
	for _, e := range branch {
		if e.Type == models.EntryMessage && e.Message != nil {
			msgs = append(msgs, e.Message.Clone())
		}
	}
	return msgs
}

// Entries snapshots the current branch, oldest first.
func (s *Session) Entries() []*models.SessionEntry {
	return s.journal.CurrentBranch()
}

// Stats snapshots lifetime counters plus the estimated weight of the
// next request.
func (s *Session) Stats() Stats {
	view := s.branchView()
	msgs := view.requestMessages()
	ptrs := make([]*models.Message, len(msgs))
	for i := range msgs {
		ptrs[i] = &msgs[i]
	}
	est := compaction.EstimateRequestTokens(ptrs, s.systemPrompt, s.schemaJSON())

	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SessionID:       s.id,
		State:           s.state,
		Turns:           s.turns,
		ToolCalls:       s.toolCalls,
		Compactions:     s.compactions,
		Usage:           s.usage,
		EntryCount:      s.journal.Len(),
		LiveMessages:    len(msgs),
		EstimatedTokens: est,
		CreatedAt:       s.createdAt,
		LastActivity:    s.lastActivity,
	}
}

// Diagnostics snapshots queue depths, subscriber count, and the active
// model.
func (s *Session) Diagnostics() Diagnostics {
	steering, followUps := s.queue.Lengths()
	subs := s.fanout.SubscriberCount()
	entries := s.journal.Len()
	head := s.journal.HeadID()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Diagnostics{
		SessionID:        s.id,
		State:            s.state,
		Model:            s.model,
		ThinkingLevel:    s.thinking,
		QueuedSteering:   steering,
		QueuedFollowUps:  followUps,
		Subscribers:      subs,
		PendingToolCalls: s.pendingTools,
		JournalEntries:   entries,
		HeadID:           head,
		LastError:        s.lastError,
	}
}

// HealthCheck reports liveness. IsStreaming is false once an abort has
// fully drained.
func (s *Session) HealthCheck() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{
		State:       s.state,
		IsStreaming: s.state != StateIdle,
		LastError:   s.lastError,
		UptimeMs:    time.Since(s.createdAt).Milliseconds(),
	}
}
