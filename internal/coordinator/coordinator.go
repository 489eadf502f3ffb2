// Package coordinator supervises bounded batches of isolated sub-sessions.
//
// A coordinator composes independent session instances that share the
// caller's model and tools but keep their own journals. Work arrives as
// specs; every spec yields exactly one typed result, in spec order, no
// matter how its run ends. Failures inside a run, including panics, are
// converted into error results rather than propagated.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/loom/internal/events"
	"github.com/haasonsaas/loom/internal/journal"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/retry"
	"github.com/haasonsaas/loom/internal/session"
	"github.com/haasonsaas/loom/internal/stream"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

// DefaultTimeout bounds a sub-session run when neither the batch
// options nor the config name a timeout.
const DefaultTimeout = 5 * time.Minute

// Lane names with dedicated default caps. Lanes the coordinator has
// never heard of run one at a time.
const (
	LaneMain     = "main"
	LaneSubagent = "subagent"
)

const (
	defaultSubagentCap = 4

	// watchQueue sizes the event queue used to follow a run. Deltas may
	// be dropped under load; terminal events always fit.
	watchQueue = 256
)

// ErrClosed rejects work submitted after Close.
var ErrClosed = errors.New("coordinator is closed")

// Status is the terminal state of one sub-session run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
	StatusAborted   Status = "aborted"
)

// Spec is one requested sub-session run.
type Spec struct {
	// Prompt is the task handed to the sub-session.
	Prompt string `json:"prompt" jsonschema:"description=The task for the subagent to complete"`

	// Subagent selects a registered profile. Empty runs under the
	// coordinator defaults.
	Subagent string `json:"subagent,omitempty" jsonschema:"description=Named subagent profile to run under"`

	// Description is a short label for transcripts and progress output.
	Description string `json:"description,omitempty" jsonschema:"description=Short description of the run (3-5 words)"`
}

// Options tunes one RunSubagents batch.
type Options struct {
	// TimeoutMs bounds each sub-session run in milliseconds. Zero
	// applies the configured default.
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// Result reports how one spec ended. Exactly one result is produced per
// spec, in spec order.
type Result struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Subagent is a named sub-session profile. Zero-valued fields fall back
// to the coordinator defaults.
type Subagent struct {
	// Name is the identifier specs select the profile by.
	Name string

	// Description tells the model what the profile is for.
	Description string

	// SystemPrompt overrides the coordinator default when set.
	SystemPrompt string

	// Model overrides the coordinator default when set.
	Model models.Model

	// Tools overrides the default registry when set.
	Tools *tools.Registry

	// Lane is the concurrency lane the profile runs in. Empty means the
	// subagent lane.
	Lane string
}

// Config assembles a coordinator. Stream is required unless a session
// factory is supplied.
type Config struct {
	// Model is the default sub-session model.
	Model models.Model

	// Stream produces assistant events for sub-session requests.
	Stream stream.Fn

	// SystemPrompt is the default sub-session system prompt.
	SystemPrompt string

	// Tools is the default registry handed to sub-sessions. May be nil.
	Tools *tools.Registry

	// Subagents are the named profiles specs can select.
	Subagents []Subagent

	// DefaultTimeout bounds runs when batch options carry no timeout.
	// Zero applies DefaultTimeout.
	DefaultTimeout time.Duration

	// LaneCaps overrides per-lane concurrency. Lanes without an entry
	// use the built-in caps.
	LaneCaps map[string]int64

	// Retry shapes backoff for sub-session stream failures.
	Retry *retry.Policy

	// SessionFactory overrides sub-session construction. The default
	// builds one from this config with a fresh in-memory journal.
	SessionFactory func(def Subagent) (*session.Session, error)

	Logger *observability.Logger
	Tracer *observability.Tracer
}

// Coordinator runs sub-sessions under per-lane concurrency caps and
// converts every failure mode into a typed result.
type Coordinator struct {
	cfg     Config
	timeout time.Duration
	factory func(def Subagent) (*session.Session, error)
	logger  *observability.Logger

	mu        sync.Mutex
	subagents map[string]Subagent
	order     []string
	lanes     map[string]*semaphore.Weighted
	active    map[string]*runHandle
	closed    bool
}

// runHandle is an active run as seen by AbortAll.
type runHandle struct {
	sess   *session.Session
	cancel context.CancelFunc
}

// New builds a coordinator and registers the configured profiles.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Stream == nil && cfg.SessionFactory == nil {
		return nil, errors.New("stream fn is required")
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Coordinator{
		cfg:       cfg,
		timeout:   timeout,
		logger:    cfg.Logger,
		subagents: make(map[string]Subagent),
		lanes:     make(map[string]*semaphore.Weighted),
		active:    make(map[string]*runHandle),
	}
	c.factory = cfg.SessionFactory
	if c.factory == nil {
		c.factory = c.buildSession
	}
	for _, def := range cfg.Subagents {
		if err := c.RegisterSubagent(def); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RegisterSubagent adds a named profile. Names must be unique.
func (c *Coordinator) RegisterSubagent(def Subagent) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return errors.New("subagent name must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.subagents[name]; exists {
		return fmt.Errorf("subagent %q is already registered", name)
	}
	def.Name = name
	c.subagents[name] = def
	c.order = append(c.order, name)
	return nil
}

// Subagents lists registered profiles in registration order.
func (c *Coordinator) Subagents() []Subagent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Subagent, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.subagents[name])
	}
	return out
}

// RunSubagents executes one batch and blocks until every spec has a
// terminal result. Results are returned in spec order.
func (c *Coordinator) RunSubagents(ctx context.Context, specs []Spec, opts Options) []Result {
	timeout := c.timeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}

	results := make([]Result, len(specs))
	var wg sync.WaitGroup
	for i := range specs {
		wg.Add(1)
		go func(i int, sp Spec) {
			defer wg.Done()
			results[i] = c.runOne(ctx, sp, timeout)
		}(i, specs[i])
	}
	wg.Wait()
	return results
}

// runOne drives a single spec to its terminal status. A panic anywhere
// in the run surfaces as an error result, never as a crash.
func (c *Coordinator) runOne(ctx context.Context, sp Spec, timeout time.Duration) (res Result) {
	res = Result{ID: uuid.NewString(), Status: StatusError}
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusError
			res.Error = fmt.Sprintf("Subagent crashed: %v", r)
			c.logError(ctx, "subagent run panicked", "run_id", res.ID, "panic", r)
		}
		observability.Subagents.WithLabelValues(string(res.Status)).Inc()
	}()

	if c.isClosed() {
		res.Error = ErrClosed.Error()
		return res
	}

	def, ok := c.resolve(sp.Subagent)
	if !ok {
		res.Error = fmt.Sprintf("Unknown subagent: %s", sp.Subagent)
		return res
	}

	lane := def.Lane
	if lane == "" {
		lane = LaneSubagent
	}
	sem := c.lane(lane)
	if err := sem.Acquire(ctx, 1); err != nil {
		res.Status = StatusAborted
		res.Error = "aborted while queued"
		return res
	}
	defer sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := c.factory(def)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer sess.Close()
	res.SessionID = sess.ID()

	c.track(res.ID, sess, cancel)
	defer c.untrack(res.ID)

	sub := sess.SubscribeStream(watchQueue)
	defer sess.Unsubscribe(sub.ID())

	if err := sess.Prompt(runCtx, sp.Prompt); err != nil {
		if runCtx.Err() != nil {
			res.Status, res.Error = ctxOutcome(runCtx, timeout)
		} else {
			res.Error = err.Error()
		}
		return res
	}

	for {
		ev, err := sub.Next(runCtx)
		if err != nil {
			// Stop the run before reporting; the deferred Close waits
			// for the drain.
			_ = sess.Abort(context.Background())
			res.Status, res.Error = ctxOutcome(runCtx, timeout)
			return res
		}
		switch ev.Type {
		case events.AgentEnd:
			res.Status = StatusCompleted
			res.Result = finalText(ev.Messages)
			return res
		case events.ErrorEvent:
			res.Status = StatusError
			res.Error = ev.ErrorMessage
			if res.Error == "" {
				res.Error = ev.ErrorKind
			}
			return res
		case events.Canceled:
			res.Status = StatusAborted
			res.Error = "aborted"
			return res
		}
	}
}

// ctxOutcome maps a dead run context to timeout or aborted.
func ctxOutcome(ctx context.Context, timeout time.Duration) (Status, string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return StatusTimeout, fmt.Sprintf("timed out after %s", timeout)
	}
	return StatusAborted, "aborted"
}

// buildSession is the default factory: coordinator defaults overlaid
// with the profile, on a fresh in-memory journal.
func (c *Coordinator) buildSession(def Subagent) (*session.Session, error) {
	model := def.Model
	if model.Provider == "" && model.ID == "" {
		model = c.cfg.Model
	}
	sys := def.SystemPrompt
	if sys == "" {
		sys = c.cfg.SystemPrompt
	}
	reg := def.Tools
	if reg == nil {
		reg = c.cfg.Tools
	}
	return session.New(session.Config{
		Model:        model,
		SystemPrompt: sys,
		Stream:       c.cfg.Stream,
		Tools:        reg,
		Journal:      journal.New(journal.WithStore(journal.NewMemStore()), journal.WithLogger(c.cfg.Logger)),
		Retry:        c.cfg.Retry,
		Logger:       c.cfg.Logger,
		Tracer:       c.cfg.Tracer,
	})
}

// resolve maps a spec's subagent name to its profile. The empty name is
// the coordinator's default profile.
func (c *Coordinator) resolve(name string) (Subagent, bool) {
	if name == "" {
		return Subagent{}, true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.subagents[name]
	return def, ok
}

// lane returns the semaphore for a lane, creating it on first use.
func (c *Coordinator) lane(name string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sem, ok := c.lanes[name]; ok {
		return sem
	}
	sem := semaphore.NewWeighted(c.laneCap(name))
	c.lanes[name] = sem
	return sem
}

func (c *Coordinator) laneCap(name string) int64 {
	if n, ok := c.cfg.LaneCaps[name]; ok && n > 0 {
		return n
	}
	switch name {
	case LaneMain:
		return 1
	case LaneSubagent:
		return defaultSubagentCap
	default:
		return 1
	}
}

func (c *Coordinator) track(id string, sess *session.Session, cancel context.CancelFunc) {
	c.mu.Lock()
	c.active[id] = &runHandle{sess: sess, cancel: cancel}
	c.mu.Unlock()
}

func (c *Coordinator) untrack(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

// ListActive returns the ids of currently running sub-sessions, sorted.
// It is empty once a batch has fully drained.
func (c *Coordinator) ListActive() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AbortAll signals every active sub-session. Affected runs report
// status aborted. Specs still queued on a lane are not started early;
// they stay bound to the batch context.
func (c *Coordinator) AbortAll() {
	c.mu.Lock()
	handles := make([]*runHandle, 0, len(c.active))
	for _, h := range c.active {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		_ = h.sess.Abort(context.Background())
	}
}

// Close aborts all active runs and rejects future work. It is safe to
// call more than once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.AbortAll()
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) logError(ctx context.Context, msg string, args ...any) {
	if c.logger != nil {
		c.logger.Error(ctx, msg, args...)
	}
}

// finalText returns the text of the last assistant message in a run.
func finalText(msgs []*models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil || m.Role != models.RoleAssistant {
			continue
		}
		if text := m.Content.JoinedText(); text != "" {
			return text
		}
	}
	return ""
}
