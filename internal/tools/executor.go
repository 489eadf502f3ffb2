package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/abort"
	"github.com/haasonsaas/loom/internal/events"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

// Emit publishes a tool lifecycle event. It may be called from multiple
// goroutines at once and must not block.
type Emit func(*events.Event)

// CallResult pairs a tool call with its finished result.
type CallResult struct {
	Index    int
	CallID   string
	Name     string
	Result   *Result
	Started  time.Time
	Finished time.Time
}

// Message returns the tool-result message for the call.
func (c CallResult) Message() *models.Message {
	return c.Result.Message(c.CallID)
}

// Executor runs rounds of tool calls concurrently, each under a child abort
// signal, with panic containment so a crashing tool becomes an error result
// instead of taking down the session.
type Executor struct {
	registry       *Registry
	logger         *observability.Logger
	tracer         *observability.Tracer
	maxConcurrent  int
	perCallTimeout time.Duration
}

// ExecOption configures an Executor.
type ExecOption func(*Executor)

// WithLogger attaches a logger for panic and discard diagnostics.
func WithLogger(l *observability.Logger) ExecOption {
	return func(e *Executor) { e.logger = l }
}

// WithTracer attaches a tracer for per-tool spans.
func WithTracer(t *observability.Tracer) ExecOption {
	return func(e *Executor) { e.tracer = t }
}

// WithMaxConcurrent caps the number of tools running at once.
// Zero or negative means unbounded.
func WithMaxConcurrent(n int) ExecOption {
	return func(e *Executor) { e.maxConcurrent = n }
}

// WithPerCallTimeout bounds each tool call's wall time. Zero disables the
// bound; the abort signal and ctx still apply.
func WithPerCallTimeout(d time.Duration) ExecOption {
	return func(e *Executor) { e.perCallTimeout = d }
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, opts ...ExecOption) *Executor {
	e := &Executor{registry: registry}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "loom"})
	}
	return e
}

// ExecuteAll runs every call concurrently and returns exactly one result per
// call, in the input order. Each call gets a child of sig so a session abort
// reaches every running tool; emit receives the per-call lifecycle events
// (tool_execution_start, zero or more updates, tool_execution_end).
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall, sig *abort.Signal, emit Emit) []CallResult {
	results := make([]CallResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	var sem chan struct{}
	if e.maxConcurrent > 0 {
		sem = make(chan struct{}, e.maxConcurrent)
	}

	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					results[idx] = CallResult{
						Index:  idx,
						CallID: call.ID,
						Name:   call.Name,
						Result: ErrorResult("aborted"),
					}
					return
				}
			}
			results[idx] = e.executeOne(ctx, idx, call, sig, emit)
		}(i, tc)
	}
	wg.Wait()
	return results
}

func (e *Executor) executeOne(ctx context.Context, idx int, call models.ToolCall, sig *abort.Signal, emit Emit) CallResult {
	child := abort.New()
	if sig != nil {
		child = sig.Child()
	}

	send := func(ev *events.Event) {
		if emit != nil {
			emit(ev)
		}
	}

	send(&events.Event{
		Type:       events.ToolExecutionStart,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Arguments:  call.Arguments,
	})

	ctx = observability.AddToolCallID(ctx, call.ID)
	ctx, span := e.tracer.TraceToolExecution(ctx, call.Name)
	defer span.End()

	onUpdate := func(u *Update) {
		if u == nil {
			return
		}
		content := models.BlockContent(u.Content...)
		send(&events.Event{
			Type:       events.ToolExecutionUpdate,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Partial:    &content,
		})
	}

	started := time.Now()
	result := e.run(ctx, call, child, onUpdate)
	finished := time.Now()

	status := "success"
	if result.IsError {
		status = "error"
		if child.Aborted() || ctx.Err() != nil {
			status = "aborted"
		}
	}
	observability.RecordToolExecution(call.Name, status, finished.Sub(started))
	e.tracer.SetAttributes(span, "status", status, "tool_call_id", call.ID)

	send(&events.Event{
		Type:       events.ToolExecutionEnd,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Result:     result.Message(call.ID),
		IsError:    result.IsError,
	})

	return CallResult{
		Index:    idx,
		CallID:   call.ID,
		Name:     call.Name,
		Result:   result,
		Started:  started,
		Finished: finished,
	}
}

// run executes one tool body in its own goroutine so an abort or timeout
// returns promptly even when the tool ignores its signal. An abandoned
// tool's late result is discarded.
func (e *Executor) run(ctx context.Context, call models.ToolCall, sig *abort.Signal, onUpdate func(*Update)) *Result {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return ErrorResult("Unknown tool: %s", call.Name)
	}
	if sig.Aborted() || ctx.Err() != nil {
		return ErrorResult("aborted")
	}

	if e.perCallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.perCallTimeout)
		defer cancel()
	}

	resultCh := make(chan *Result, 1)
	go func() {
		var result *Result
		defer func() {
			if rec := recover(); rec != nil {
				e.logError(ctx, "tool panicked",
					"tool", call.Name,
					"tool_call_id", call.ID,
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()))
				result = ErrorResult("Tool %s crashed: %v", call.Name, rec)
			}
			resultCh <- result
		}()

		res, err := tool.Execute(ctx, call.ID, call.Arguments, sig, onUpdate)
		switch {
		case err != nil && (errors.Is(err, abort.ErrAborted) || errors.Is(err, context.Canceled) || sig.Aborted()):
			result = ErrorResult("aborted")
		case err != nil:
			result = ErrorResult("%s", err.Error())
		case res == nil:
			result = ErrorResult("Tool %s returned no result", call.Name)
		default:
			result = res
		}
	}()

	select {
	case <-sig.Done():
		return ErrorResult("aborted")
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logError(ctx, "tool timed out",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"timeout", e.perCallTimeout)
		}
		// Timeouts surface like any other cancellation.
		return ErrorResult("aborted")
	case result := <-resultCh:
		return result
	}
}

func (e *Executor) logError(ctx context.Context, msg string, args ...any) {
	if e.logger != nil {
		e.logger.Error(ctx, msg, args...)
	}
}
