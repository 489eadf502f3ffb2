package compaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/loom/internal/abort"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

// ErrCannotCompact is returned when no valid cut point exists.
var ErrCannotCompact = errors.New("cannot compact")

const (
	// DefaultReserveTokens is the headroom kept free below the context
	// window before compaction triggers.
	DefaultReserveTokens = 16384

	// DefaultKeepRecentTokens is how much recent conversation survives a
	// compaction verbatim.
	DefaultKeepRecentTokens = 20000
)

// Config controls the trigger policy and the kept suffix size.
type Config struct {
	// Enabled defaults to true when nil.
	Enabled *bool

	// ReserveTokens defaults to DefaultReserveTokens when zero.
	ReserveTokens int

	// KeepRecentTokens defaults to DefaultKeepRecentTokens when zero.
	KeepRecentTokens int
}

func (c Config) enabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c Config) reserveTokens() int {
	if c.ReserveTokens <= 0 {
		return DefaultReserveTokens
	}
	return c.ReserveTokens
}

func (c Config) keepRecentTokens() int {
	if c.KeepRecentTokens <= 0 {
		return DefaultKeepRecentTokens
	}
	return c.KeepRecentTokens
}

// CountBudget is a provider-specific message-count budget that forces
// compaction independent of the token estimate.
type CountBudget struct {
	// RequestLimit is the hard per-request message cap of the provider.
	RequestLimit int

	// TriggerCount forces compaction once the live branch reaches this
	// many messages.
	TriggerCount int

	// KeepRecentMessages is the minimum number of messages the cut must
	// keep verbatim.
	KeepRecentMessages int
}

// Options tune a single compaction run.
type Options struct {
	// Force waives the token and message-count thresholds when the
	// kept-suffix scan cannot satisfy them. A satisfiable scan still
	// wins, so KeepRecentMessages binds forced runs too. Validity
	// rules always hold.
	Force bool

	// KeepRecentMessages additionally requires this many kept messages
	// before a cut target is declared.
	KeepRecentMessages int

	// Summary, when non-empty, is used verbatim instead of calling the
	// summarizer.
	Summary string

	// Signal aborts the run between steps and before the model call.
	Signal *abort.Signal
}

// Summarizer turns a rendered prefix prompt into summary text. The
// default implementation prompts the session's model; tests substitute
// a canned function.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// SummarizeFunc adapts a function to the Summarizer interface.
type SummarizeFunc func(ctx context.Context, prompt string) (string, error)

func (f SummarizeFunc) Summarize(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// ShouldCompact reports whether the estimated context exceeds the window
// minus the reserve. Strictly greater: hitting the boundary exactly does
// not trigger.
func ShouldCompact(ctxTokens, contextWindow int, cfg Config) bool {
	if !cfg.enabled() {
		return false
	}
	return ctxTokens > contextWindow-cfg.reserveTokens()
}

// ShouldForceForCount reports whether a message-count budget forces
// compaction at the given live message count.
func ShouldForceForCount(liveMessages int, budget *CountBudget, cfg Config) bool {
	if !cfg.enabled() || budget == nil || budget.TriggerCount <= 0 {
		return false
	}
	return liveMessages >= budget.TriggerCount
}

// FindCutPoint selects the last entry to summarize. Entries after the cut
// are kept verbatim. The branch is scanned tail to head accumulating kept
// tokens; once the kept suffix holds at least keepRecentTokens (and
// opts.KeepRecentMessages messages, when set), the next older entry is
// the target. The nearest valid cut at or before the target is returned.
//
// A valid cut is a user or assistant message or a custom message. Tool
// results never cut. An assistant whose content carries tool calls is
// valid only when every call's matching result (ids must be non-empty)
// sits later in the branch and before the kept suffix; a result that
// would be kept while its call is summarized, or a missing result,
// disqualifies the candidate.
func FindCutPoint(branch []*models.SessionEntry, keepRecentTokens int, opts Options) (string, error) {
	if len(branch) <= 1 {
		return "", ErrCannotCompact
	}

	target := -1
	keptStart := len(branch)
	acc := 0
	keptMessages := 0
	for i := len(branch) - 1; i >= 0; i-- {
		acc += EstimateEntryTokens(branch[i])
		if isMessageEntry(branch[i]) {
			keptMessages++
		}
		if acc >= keepRecentTokens &&
			(opts.KeepRecentMessages <= 0 || keptMessages >= opts.KeepRecentMessages) {
			keptStart = i
			target = i - 1
			break
		}
	}
	if target < 0 {
		if !opts.Force {
			return "", ErrCannotCompact
		}
		// The branch cannot satisfy the thresholds at all; forced runs
		// fall back to keeping only the newest entry.
		keptStart = len(branch) - 1
		target = len(branch) - 2
	}

	for t := target; t >= 0; t-- {
		if validCut(branch, t, keptStart) {
			return branch[t].ID, nil
		}
	}
	return "", ErrCannotCompact
}

func isMessageEntry(e *models.SessionEntry) bool {
	return e != nil && (e.Type == models.EntryMessage || e.Type == models.EntryCustomMessage)
}

func validCut(branch []*models.SessionEntry, t, keptStart int) bool {
	e := branch[t]
	if e == nil {
		return false
	}
	switch e.Type {
	case models.EntryCustomMessage:
		return true
	case models.EntryMessage:
		if e.Message == nil {
			return false
		}
		switch e.Message.Role {
		case models.RoleUser:
			return true
		case models.RoleAssistant:
			return assistantCutKeepsPairs(branch, t, keptStart)
		default:
			return false
		}
	default:
		return false
	}
}

// assistantCutKeepsPairs checks that cutting at branch[t] does not strand
// any of its tool calls: each call's result must appear after t and
// before the kept suffix, so call and result are summarized together.
func assistantCutKeepsPairs(branch []*models.SessionEntry, t, keptStart int) bool {
	for _, call := range branch[t].Message.ToolCalls() {
		if call.ID == "" {
			continue
		}
		found := false
		for r := t + 1; r < len(branch); r++ {
			e := branch[r]
			if e == nil || e.Type != models.EntryMessage || e.Message == nil {
				continue
			}
			if e.Message.Role != models.RoleToolResult || e.Message.ToolCallID != call.ID {
				continue
			}
			if r >= keptStart {
				return false
			}
			found = true
			break
		}
		if !found {
			return false
		}
	}
	return true
}

// Engine runs the full compaction pipeline: cut selection, prefix
// summarization, and construction of the replacement entry.
type Engine struct {
	cfg    Config
	sum    Summarizer
	logger *observability.Logger
}

// NewEngine creates an engine. The summarizer may be nil when every run
// supplies Options.Summary.
func NewEngine(cfg Config, sum Summarizer, logger *observability.Logger) *Engine {
	return &Engine{cfg: cfg, sum: sum, logger: logger}
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

// Result describes an applied cut. Entry is not yet journaled; the
// caller appends it so that ids and timestamps come from the journal.
type Result struct {
	// Entry is the summary entry replacing the summarized prefix.
	Entry *models.SessionEntry

	// CutID is the last summarized entry.
	CutID string

	// Summarized is the replaced prefix, oldest first.
	Summarized []*models.SessionEntry

	// TokensBefore and TokensAfter estimate the branch weight around the
	// run for logging and metrics.
	TokensBefore int
	TokensAfter  int
}

// Compact selects a cut on branch and produces the summary entry. An
// already aborted signal returns abort.ErrAborted before any model call.
func (e *Engine) Compact(ctx context.Context, branch []*models.SessionEntry, opts Options) (*Result, error) {
	if opts.Signal != nil && opts.Signal.Aborted() {
		return nil, abort.ErrAborted
	}

	cutID, err := FindCutPoint(branch, e.cfg.keepRecentTokens(), opts)
	if err != nil {
		return nil, err
	}

	cutIdx := -1
	for i, entry := range branch {
		if entry.ID == cutID {
			cutIdx = i
			break
		}
	}
	if cutIdx < 0 {
		return nil, fmt.Errorf("cut entry %s vanished from branch", cutID)
	}
	summarized := branch[:cutIdx+1]

	summary := opts.Summary
	if summary == "" {
		if e.sum == nil {
			return nil, errors.New("no summarizer configured")
		}
		prompt := summaryPrompt(summarized)
		if opts.Signal != nil && opts.Signal.Aborted() {
			return nil, abort.ErrAborted
		}
		summary, err = e.sum.Summarize(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("failed to summarize prefix: %w", err)
		}
	}

	before := 0
	for _, entry := range branch {
		before += EstimateEntryTokens(entry)
	}
	after := EstimateTextTokens(summary)
	for _, entry := range branch[cutIdx+1:] {
		after += EstimateEntryTokens(entry)
	}

	res := &Result{
		Entry: &models.SessionEntry{
			Type:          models.EntrySummary,
			SummaryText:   summary,
			ReplacedRange: []string{summarized[0].ID, cutID},
		},
		CutID:        cutID,
		Summarized:   summarized,
		TokensBefore: before,
		TokensAfter:  after,
	}
	if e.logger != nil {
		e.logger.Info(ctx, "compacted branch",
			"cut_id", cutID,
			"replaced", len(summarized),
			"tokens_before", before,
			"tokens_after", after)
	}
	return res, nil
}
