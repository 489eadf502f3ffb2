package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/loom/internal/compaction"
	"github.com/haasonsaas/loom/internal/coordinator"
	"github.com/haasonsaas/loom/internal/events"
	"github.com/haasonsaas/loom/internal/journal"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/session"
	"github.com/haasonsaas/loom/internal/settings"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

// eventQueueSize bounds the REPL's event subscription. Terminal rendering
// is fast; overflow only under pathological delta rates.
const eventQueueSize = 512

// toolResultPreview caps how much of a tool result the REPL echoes.
const toolResultPreview = 200

type chatOptions struct {
	ModelRef     string
	SystemPrompt string
	SettingsPath string
	ResumeID     string
	Thinking     string
	ShowThinking bool
	LogLevel     string
}

func runChat(cmd *cobra.Command, opts chatOptions) error {
	ctx := cmd.Context()

	svc, err := loadServiceConfig()
	if err != nil {
		return err
	}

	logLevel := opts.LogLevel
	if logLevel == "" {
		logLevel = svc.Logging.Level
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  logLevel,
		Format: svc.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})

	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "loom",
		Endpoint:       svc.Tracing.Endpoint,
		SamplingRate:   svc.Tracing.SamplingRate,
		EnableInsecure: svc.Tracing.Insecure,
	})
	defer func() {
		if err := stopTracer(context.Background()); err != nil {
			logger.Warn(context.Background(), "tracer shutdown failed", "error", err)
		}
	}()

	if svc.Metrics.Addr != "" {
		stopMetrics := serveMetrics(svc.Metrics.Addr, logger)
		defer stopMetrics()
	}

	stack, err := loadSettingsStack(opts.SettingsPath)
	if err != nil {
		return err
	}
	resolved := stack.Merged.Resolved()

	model, err := resolveModel(opts.ModelRef, resolved)
	if err != nil {
		return err
	}

	level := resolved.ThinkingLevel
	if opts.Thinking != "" {
		if level, err = models.ParseThinkingLevel(opts.Thinking); err != nil {
			return err
		}
	}

	router := newProviderRouter(providers.NewRegistry(), resolved)

	sessionID := strings.TrimSpace(opts.ResumeID)
	resuming := sessionID != ""
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	store, journalDesc, err := openJournalStore(svc, sessionID, resuming)
	if err != nil {
		return err
	}
	jr := journal.New(journal.WithStore(store), journal.WithLogger(logger))
	if resuming {
		if err := jr.Load(ctx); err != nil {
			return fmt.Errorf("resume session %s: %w", sessionID, err)
		}
		if jr.Len() == 0 {
			return fmt.Errorf("resume session %s: no stored entries", sessionID)
		}
	}

	retryPolicy := resolved.RetryPolicy()

	coord, err := coordinator.New(coordinator.Config{
		Model:        model,
		Stream:       router.Stream,
		SystemPrompt: opts.SystemPrompt,
		Retry:        &retryPolicy,
		Logger:       logger,
		Tracer:       tracer,
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	registry := tools.NewRegistry()
	taskTool, err := coord.Tool()
	if err != nil {
		return err
	}
	if err := registry.Register(taskTool); err != nil {
		return err
	}

	sess, err := session.New(session.Config{
		SessionID:     sessionID,
		Model:         model,
		SystemPrompt:  opts.SystemPrompt,
		ThinkingLevel: level,
		Stream:        router.Stream,
		Tools:         registry,
		Journal:       jr,
		Compaction: compaction.Config{
			Enabled:          &resolved.CompactionEnabled,
			ReserveTokens:    resolved.ReserveTokens,
			KeepRecentTokens: resolved.KeepRecentTokens,
		},
		Retry:            &retryPolicy,
		AutoResizeImages: &resolved.AutoResizeImages,
		Logger:           logger,
		Tracer:           tracer,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	// Hot reload: new credentials and base URLs apply to subsequent
	// requests; the live conversation keeps its model until /model.
	if path := stack.WatchPath(); path != "" {
		w, err := settings.Watch(path, settings.WatchConfig{Logger: logger}, func(*settings.Settings) {
			fresh, err := loadSettingsStack(opts.SettingsPath)
			if err != nil {
				logger.Warn(context.Background(), "settings reload failed", "error", err)
				return
			}
			router.Update(fresh.Merged.Resolved())
			logger.Info(context.Background(), "settings reloaded", "path", path)
		})
		if err != nil {
			logger.Warn(ctx, "settings watch unavailable", "path", path, "error", err)
		} else {
			defer w.Close()
		}
	}

	repl := &chatREPL{
		sess:         sess,
		resolved:     resolved,
		out:          cmd.OutOrStdout(),
		showThinking: opts.ShowThinking,
		interactive:  term.IsTerminal(int(os.Stdin.Fd())),
		idle:         make(chan struct{}, 1),
	}

	sub := sess.SubscribeStream(eventQueueSize)
	defer sess.Unsubscribe(sub.ID())
	renderCtx, stopRender := context.WithCancel(context.Background())
	defer stopRender()
	go repl.render(renderCtx, sub)

	if !repl.interactive {
		return repl.runScripted(ctx, cmd.InOrStdin())
	}

	fmt.Fprintf(repl.out, "loom %s - session %s\n", version, sessionID)
	fmt.Fprintf(repl.out, "model %s (thinking %s), journal %s\n", model, level, journalDesc)
	if resuming {
		fmt.Fprintf(repl.out, "resumed %d entries\n", jr.Len())
	}
	fmt.Fprintln(repl.out, "Type a prompt, /help for commands, /quit to exit.")

	// Ctrl-C cancels the in-flight turn instead of killing the REPL;
	// exit with /quit or Ctrl-D.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			_ = sess.Abort(context.Background())
		}
	}()

	return repl.runInteractive(ctx, cmd.InOrStdin())
}

// chatREPL owns terminal rendering and line dispatch for one session.
type chatREPL struct {
	sess         *session.Session
	resolved     settings.Resolved
	out          io.Writer
	showThinking bool
	interactive  bool

	// idle receives one token when a run settles (agent_end, error, or
	// canceled).
	idle chan struct{}
}

// runScripted sends all of stdin as a single prompt and exits when the
// run settles.
func (r *chatREPL) runScripted(ctx context.Context, in io.Reader) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return fmt.Errorf("empty prompt on stdin")
	}
	if err := r.sess.Prompt(ctx, prompt); err != nil {
		return err
	}
	select {
	case <-r.idle:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.sess.Save(ctx)
}

// runInteractive reads lines until EOF. It never blocks on a running
// turn, so /steer and /abort stay available while text streams.
func (r *chatREPL) runInteractive(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	r.prompt()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			r.prompt()
		case strings.HasPrefix(line, "/"):
			if quit := r.handleSlash(ctx, line); quit {
				return r.save(ctx)
			}
			r.prompt()
		default:
			if err := r.sess.Prompt(ctx, line); err != nil {
				r.printCommandErr(err)
				r.prompt()
			}
			// The render loop reprints the prompt when the run
			// settles.
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	fmt.Fprintln(r.out)
	return r.save(ctx)
}

func (r *chatREPL) handleSlash(ctx context.Context, line string) (quit bool) {
	name, arg := splitSlash(line)
	switch name {
	case "help", "h":
		r.printHelp()

	case "steer":
		if arg == "" {
			fmt.Fprintln(r.out, "usage: /steer <text>")
			return false
		}
		if err := r.sess.Steer(ctx, arg); err != nil {
			r.printCommandErr(err)
		}

	case "followup":
		if arg == "" {
			fmt.Fprintln(r.out, "usage: /followup <text>")
			return false
		}
		if err := r.sess.FollowUp(ctx, arg); err != nil {
			r.printCommandErr(err)
		}

	case "abort":
		if err := r.sess.Abort(ctx); err != nil {
			r.printCommandErr(err)
		} else {
			fmt.Fprintln(r.out, "(abort requested)")
		}

	case "model":
		if arg == "" {
			d := r.sess.Diagnostics()
			fmt.Fprintf(r.out, "model: %s (thinking %s)\n", d.Model, d.ThinkingLevel)
			for _, scoped := range r.resolved.ScopedModels {
				fmt.Fprintf(r.out, "  available: %s\n", scoped)
			}
			return false
		}
		m, err := resolveModel(arg, r.resolved)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return false
		}
		if err := r.sess.SwitchModel(ctx, m); err != nil {
			r.printCommandErr(err)
		} else {
			fmt.Fprintf(r.out, "switched to %s\n", m)
		}

	case "thinking":
		lvl, err := models.ParseThinkingLevel(arg)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return false
		}
		if err := r.sess.SetThinkingLevel(ctx, lvl); err != nil {
			r.printCommandErr(err)
		} else {
			fmt.Fprintf(r.out, "thinking set to %s\n", lvl)
		}

	case "stats":
		st := r.sess.Stats()
		fmt.Fprintf(r.out, "session %s: state=%s turns=%d toolCalls=%d compactions=%d entries=%d tokens~%d (in=%d out=%d)\n",
			st.SessionID, st.State, st.Turns, st.ToolCalls, st.Compactions,
			st.EntryCount, st.EstimatedTokens, st.Usage.Input, st.Usage.Output)

	case "save":
		if err := r.sess.Save(ctx); err != nil {
			r.printCommandErr(err)
		} else {
			fmt.Fprintln(r.out, "saved")
		}

	case "quit", "exit", "q":
		return true

	default:
		fmt.Fprintf(r.out, "unknown command /%s; try /help\n", name)
	}
	return false
}

func (r *chatREPL) printHelp() {
	fmt.Fprint(r.out, `commands:
  /steer <text>     redirect the current run (starts one when idle)
  /followup <text>  queue a prompt for after the current run
  /abort            cancel the in-flight turn
  /model [ref]      show or switch the model (provider:modelId)
  /thinking <lvl>   off, minimal, low, medium, high, xhigh
  /stats            session counters
  /save             flush the journal to disk
  /quit             save and exit
`)
}

func (r *chatREPL) printCommandErr(err error) {
	if errors.Is(err, session.ErrAlreadyStreaming) {
		fmt.Fprintln(r.out, "still streaming: /steer to redirect, /abort to stop, /followup to queue")
		return
	}
	fmt.Fprintf(r.out, "error: %v\n", err)
}

func (r *chatREPL) save(ctx context.Context) error {
	if err := r.sess.Save(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *chatREPL) render(ctx context.Context, sub *events.StreamSub) {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		r.renderEvent(ev)
	}
}

func (r *chatREPL) renderEvent(ev events.Event) {
	switch ev.Type {
	case events.MessageUpdate:
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Kind {
		case events.DeltaText:
			fmt.Fprint(r.out, ev.Delta.Text)
		case events.DeltaThinking:
			if r.showThinking {
				fmt.Fprint(r.out, ev.Delta.Text)
			}
		}

	case events.MessageEnd:
		fmt.Fprintln(r.out)

	case events.ToolExecutionStart:
		fmt.Fprintf(r.out, "[tool] %s started\n", ev.ToolName)

	case events.ToolExecutionEnd:
		status := "done"
		if ev.IsError {
			status = "failed"
		}
		fmt.Fprintf(r.out, "[tool] %s %s%s\n", ev.ToolName, status, toolResultSuffix(ev.Result))

	case events.ErrorEvent:
		fmt.Fprintf(r.out, "error (%s): %s\n", ev.ErrorKind, ev.ErrorMessage)
		r.settle()

	case events.Canceled:
		fmt.Fprintln(r.out, "(aborted)")
		r.settle()

	case events.AgentEnd:
		r.settle()
	}
}

// settle reports a finished run to the input loop and restores the
// prompt in interactive mode.
func (r *chatREPL) settle() {
	if r.interactive {
		r.prompt()
	}
	select {
	case r.idle <- struct{}{}:
	default:
	}
}

func (r *chatREPL) prompt() {
	fmt.Fprint(r.out, "> ")
}

func splitSlash(line string) (name, arg string) {
	line = strings.TrimPrefix(line, "/")
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return strings.ToLower(line[:i]), strings.TrimSpace(line[i+1:])
	}
	return strings.ToLower(line), ""
}

// toolResultSuffix renders a short preview of a tool result message.
func toolResultSuffix(result *models.Message) string {
	if result == nil {
		return ""
	}
	text := strings.TrimSpace(result.Content.JoinedText())
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) > toolResultPreview {
		text = text[:toolResultPreview] + "..."
	}
	return ": " + text
}
