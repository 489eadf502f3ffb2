// Package session implements the conversation runtime. A Session owns
// one journal and drives agent turns against a streaming model fn,
// fanning events out to subscribers as the turn progresses.
//
// All state mutation happens on a single owner goroutine. Command
// methods (Prompt, Steer, Abort, ...) forward a request to that
// goroutine and wait for an acknowledgement; read methods snapshot
// state without blocking the loop. While a turn is streaming, the owner
// keeps serving commands at its suspension points, so steering, aborts,
// subscriptions, and reads stay live throughout.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/abort"
	"github.com/haasonsaas/loom/internal/compaction"
	"github.com/haasonsaas/loom/internal/events"
	"github.com/haasonsaas/loom/internal/hooks"
	"github.com/haasonsaas/loom/internal/journal"
	"github.com/haasonsaas/loom/internal/media"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/retry"
	"github.com/haasonsaas/loom/internal/stream"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

// State is the lifecycle phase of the loop.
type State string

const (
	// StateIdle means no LLM call or tool execution is active.
	StateIdle State = "idle"

	// StateStreaming means a turn is in flight.
	StateStreaming State = "streaming"

	// StateAborting means abort has been signaled and the loop is
	// draining in-flight work.
	StateAborting State = "aborting"
)

var (
	// ErrAlreadyStreaming rejects commands that require an idle loop.
	ErrAlreadyStreaming = errors.New("session is already streaming")

	// ErrClosed rejects commands issued after Close.
	ErrClosed = errors.New("session is closed")
)

// hookBuffer sizes the mailbox that feeds the hook registry.
const hookBuffer = 256

// Config assembles a session's collaborators. Stream is the only
// required field; everything else has a working default.
type Config struct {
	// SessionID identifies the session in events, logs, and traces.
	// Generated when empty.
	SessionID string

	// Model is the initial model. The newest model_change entry on a
	// loaded journal branch overrides it.
	Model models.Model

	// SystemPrompt is sent with every request.
	SystemPrompt string

	// ThinkingLevel is the initial reasoning-effort hint.
	ThinkingLevel models.ThinkingLevel

	// MaxTokens caps per-turn output. Zero lets the provider default
	// apply.
	MaxTokens int

	// ContextWindow is the token window used for compaction checks when
	// Model.ContextWindow is zero.
	ContextWindow int

	// Stream produces assistant events for a request.
	Stream stream.Fn

	// Tools supplies schemas and execution. May be nil.
	Tools *tools.Registry

	// Journal stores the entry tree. A memory-backed journal is created
	// when nil.
	Journal *journal.Journal

	// Compaction tunes the engine. The zero value applies defaults.
	Compaction compaction.Config

	// CountBudget optionally forces compaction on live message count.
	CountBudget *compaction.CountBudget

	// Retry shapes backoff for retryable stream failures. Nil uses
	// retry.DefaultPolicy; a zero-MaxRetries policy disables retries.
	Retry *retry.Policy

	// AutoResizeImages scales oversized prompt images before they are
	// journaled. Nil means enabled.
	AutoResizeImages *bool

	// Hooks, when set, receives every published event in order.
	Hooks *hooks.Registry

	Logger *observability.Logger
	Tracer *observability.Tracer
}

type cmdKind int

const (
	cmdPrompt cmdKind = iota
	cmdSteer
	cmdFollowUp
	cmdAbort
	cmdResetTo
	cmdSave
	cmdSwitchModel
	cmdSetThinking
)

type command struct {
	kind    cmdKind
	text    string
	images  []models.ImageAttachment
	entryID *string
	model   models.Model
	level   models.ThinkingLevel
	reply   chan error
}

// Session is a single conversation owned by one goroutine.
type Session struct {
	id       string
	fn       stream.Fn
	registry *tools.Registry
	executor *tools.Executor
	journal  *journal.Journal
	fanout   *events.FanOut
	engine   *compaction.Engine
	budget   *compaction.CountBudget
	hooks    *hooks.Registry
	hookSub  *events.MailboxSub
	logger   *observability.Logger
	tracer   *observability.Tracer

	systemPrompt  string
	maxTokens     int
	contextWindow int
	resizeImages  bool

	queue promptQueue
	cmds  chan command

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}

	mu           sync.Mutex
	state        State
	model        models.Model
	thinking     models.ThinkingLevel
	signal       *abort.Signal
	turns        int
	toolCalls    int
	compactions  int
	usage        models.Usage
	pendingTools int
	lastError    string
	createdAt    time.Time
	lastActivity time.Time
}

// New builds the session and starts its owner goroutine.
func New(cfg Config) (*Session, error) {
	if cfg.Stream == nil {
		return nil, errors.New("stream fn is required")
	}

	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	jnl := cfg.Journal
	if jnl == nil {
		jnl = journal.New(journal.WithStore(journal.NewMemStore()), journal.WithLogger(cfg.Logger))
	}
	registry := cfg.Tools
	if registry == nil {
		registry = tools.NewRegistry()
	}
	policy := retry.DefaultPolicy()
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "loom"})
	}

	now := time.Now()
	s := &Session{
		id:            id,
		registry:      registry,
		journal:       jnl,
		fanout:        events.NewFanOut(id),
		budget:        cfg.CountBudget,
		hooks:         cfg.Hooks,
		logger:        cfg.Logger,
		tracer:        tracer,
		systemPrompt:  cfg.SystemPrompt,
		maxTokens:     cfg.MaxTokens,
		contextWindow: cfg.ContextWindow,
		resizeImages:  cfg.AutoResizeImages == nil || *cfg.AutoResizeImages,
		cmds:          make(chan command),
		closing:       make(chan struct{}),
		done:          make(chan struct{}),
		state:         StateIdle,
		model:         cfg.Model,
		thinking:      cfg.ThinkingLevel,
		createdAt:     now,
		lastActivity:  now,
	}
	s.fn = stream.WithRetry(cfg.Stream, policy, cfg.Logger)
	s.executor = tools.NewExecutor(registry,
		tools.WithLogger(cfg.Logger),
		tools.WithTracer(tracer))
	s.engine = compaction.NewEngine(cfg.Compaction, &modelSummarizer{s: s}, cfg.Logger)

	// The newest model change recorded on the branch wins over the
	// configured model, so a reloaded session resumes where it left off.
	for _, e := range jnl.CurrentBranch() {
		if e.Type != models.EntryModelChange {
			continue
		}
		if e.Provider == s.model.Provider && e.ModelID == s.model.ID {
			continue
		}
		s.model = models.Model{Provider: e.Provider, ID: e.ModelID}
	}

	if s.hooks != nil {
		s.hookSub = s.fanout.SubscribeMailbox(hookBuffer)
		go s.drainHooks()
	}

	observability.ActiveSessions.Inc()
	go s.run()
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Prompt appends a user entry and starts a run. It fails with
// ErrAlreadyStreaming unless the session is idle.
func (s *Session) Prompt(ctx context.Context, text string, images ...models.ImageAttachment) error {
	return s.send(ctx, command{kind: cmdPrompt, text: text, images: images})
}

// Steer behaves like Prompt when idle. While streaming it queues text
// to be injected at the next assistant-message boundary without
// interrupting tool execution.
func (s *Session) Steer(ctx context.Context, text string) error {
	return s.send(ctx, command{kind: cmdSteer, text: text})
}

// FollowUp queues a prompt to run after the current run fully drains.
// When idle it behaves like Prompt.
func (s *Session) FollowUp(ctx context.Context, text string) error {
	return s.send(ctx, command{kind: cmdFollowUp, text: text})
}

// Abort signals the current run. The in-flight assistant message
// finalizes with stop reason aborted and running tools observe
// cancellation. Queued steering survives; follow-ups are discarded.
// Aborting an idle session is a no-op.
func (s *Session) Abort(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdAbort})
}

// ResetTo forks the branch: the head moves to the given entry, or to
// the root when nil. Existing entries remain in the journal tree. It
// fails with ErrAlreadyStreaming while a run is active.
func (s *Session) ResetTo(ctx context.Context, entryID *string) error {
	return s.send(ctx, command{kind: cmdResetTo, entryID: entryID})
}

// Save persists the journal to its store, fsyncing before returning.
func (s *Session) Save(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdSave})
}

// SwitchModel appends a model_change entry. The next turn uses the new
// model; an in-flight request keeps the old one.
func (s *Session) SwitchModel(ctx context.Context, model models.Model) error {
	return s.send(ctx, command{kind: cmdSwitchModel, model: model})
}

// SetThinkingLevel changes the reasoning-effort hint for future turns.
func (s *Session) SetThinkingLevel(ctx context.Context, level models.ThinkingLevel) error {
	return s.send(ctx, command{kind: cmdSetThinking, level: level})
}

// SubscribeMailbox attaches a push subscriber. A buffer of zero or less
// applies the fan-out default.
func (s *Session) SubscribeMailbox(buffer int) *events.MailboxSub {
	return s.fanout.SubscribeMailbox(buffer)
}

// SubscribeStream attaches a pull subscriber with a bounded queue.
func (s *Session) SubscribeStream(maxQueue int) *events.StreamSub {
	return s.fanout.SubscribeStream(maxQueue)
}

// Unsubscribe removes a subscription by handle. Unknown handles are a
// no-op.
func (s *Session) Unsubscribe(id string) {
	s.fanout.Unsubscribe(id)
}

// Close aborts any active run, flushes the journal, and releases the
// fan-out. It blocks until the owner goroutine exits.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	<-s.done
	return nil
}

func (s *Session) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the owner goroutine. Idle commands are handled here; while a
// run is active, commands are served at the loop's suspension points.
func (s *Session) run() {
	defer close(s.done)
	ctx := observability.AddSessionID(context.Background(), s.id)

	for {
		select {
		case <-s.closing:
			s.shutdown(ctx)
			return
		case cmd := <-s.cmds:
			s.handleIdle(ctx, cmd)
		}
	}
}

func (s *Session) handleIdle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdPrompt, cmdSteer, cmdFollowUp:
		// All three start a run from idle.
		run := &runState{}
		if err := s.appendUserInput(ctx, cmd.text, cmd.images, run); err != nil {
			cmd.reply <- err
			return
		}
		s.setState(StateStreaming)
		cmd.reply <- nil
		s.runAgent(ctx, run)
	case cmdAbort:
		cmd.reply <- nil
	case cmdResetTo:
		cmd.reply <- s.journal.ResetHead(cmd.entryID)
	case cmdSave:
		cmd.reply <- s.saveJournal(ctx)
	case cmdSwitchModel:
		cmd.reply <- s.applyModelChange(ctx, cmd.model)
	case cmdSetThinking:
		cmd.reply <- s.applyThinking(cmd.level)
	default:
		cmd.reply <- errors.New("unknown command")
	}
}

// handleBusy serves a command that arrived while a run is active.
func (s *Session) handleBusy(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdPrompt:
		cmd.reply <- ErrAlreadyStreaming
	case cmdSteer:
		s.queue.AddSteering(cmd.text)
		cmd.reply <- nil
	case cmdFollowUp:
		s.queue.AddFollowUp(cmd.text)
		cmd.reply <- nil
	case cmdAbort:
		s.setState(StateAborting)
		if sig := s.currentSignal(); sig != nil {
			sig.Abort()
		}
		cmd.reply <- nil
	case cmdResetTo:
		cmd.reply <- ErrAlreadyStreaming
	case cmdSave:
		cmd.reply <- s.saveJournal(ctx)
	case cmdSwitchModel:
		cmd.reply <- s.applyModelChange(ctx, cmd.model)
	case cmdSetThinking:
		cmd.reply <- s.applyThinking(cmd.level)
	default:
		cmd.reply <- errors.New("unknown command")
	}
}

// appendUserInput journals a user entry built from text and optional
// images. When run is non-nil the message is recorded on the run.
func (s *Session) appendUserInput(ctx context.Context, text string, images []models.ImageAttachment, run *runState) error {
	msg := models.NewUserMessage(text)
	if len(images) > 0 {
		blocks, err := media.NormalizeImages(images, media.Options{Resize: s.resizeImages})
		if err != nil {
			return err
		}
		all := make([]models.ContentBlock, 0, len(blocks)+1)
		if text != "" {
			all = append(all, models.TextBlock(text))
		}
		all = append(all, blocks...)
		msg.Content = models.Content{Blocks: all}
	}
	if _, err := s.journal.AppendHead(ctx, models.NewMessageEntry(msg)); err != nil {
		return err
	}
	if run != nil {
		run.messages = append(run.messages, msg)
	}
	s.touch()
	return nil
}

func (s *Session) saveJournal(ctx context.Context) error {
	ctx, span := s.tracer.TraceJournalSave(ctx, s.id)
	defer span.End()
	err := s.journal.Save(ctx)
	if err != nil {
		s.tracer.RecordError(span, err)
		s.warn(ctx, "journal save failed", "error", err)
	}
	return err
}

func (s *Session) applyModelChange(ctx context.Context, m models.Model) error {
	if _, err := s.journal.AppendHead(ctx, models.NewModelChangeEntry(m.Provider, m.ID)); err != nil {
		return err
	}
	s.mu.Lock()
	s.model = m
	s.mu.Unlock()
	return nil
}

func (s *Session) applyThinking(level models.ThinkingLevel) error {
	if !level.Valid() {
		return errors.New("unknown thinking level: " + string(level))
	}
	s.mu.Lock()
	s.thinking = level
	s.mu.Unlock()
	return nil
}

func (s *Session) shutdown(ctx context.Context) {
	if err := s.journal.Save(ctx); err != nil {
		s.warn(ctx, "journal save on close failed", "error", err)
	}
	if err := s.journal.Close(); err != nil {
		s.warn(ctx, "journal close failed", "error", err)
	}
	if s.hookSub != nil {
		s.fanout.Unsubscribe(s.hookSub.ID())
	}
	s.fanout.Close()
	observability.ActiveSessions.Dec()
}

func (s *Session) drainHooks() {
	ctx := observability.AddSessionID(context.Background(), s.id)
	for e := range s.hookSub.Events() {
		e := e
		if err := s.hooks.Trigger(ctx, &e); err != nil {
			s.warn(ctx, "hook failed", "event", string(e.Type), "error", err)
		}
	}
}

// publish stamps and delivers an event to every subscriber.
func (s *Session) publish(e events.Event) {
	s.fanout.Publish(e)
	observability.EventsPublished.Inc()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setSignal(sig *abort.Signal) {
	s.mu.Lock()
	s.signal = sig
	s.mu.Unlock()
}

func (s *Session) currentSignal() *abort.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signal
}

func (s *Session) currentModel() models.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *Session) currentThinking() models.ThinkingLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinking
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) setLastError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

func (s *Session) warn(ctx context.Context, msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(ctx, msg, args...)
	}
}

func (s *Session) info(ctx context.Context, msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(ctx, msg, args...)
	}
}
