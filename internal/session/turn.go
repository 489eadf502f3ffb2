package session

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/loom/internal/abort"
	"github.com/haasonsaas/loom/internal/compaction"
	"github.com/haasonsaas/loom/internal/events"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/stream"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

// defaultContextWindow applies when neither the model nor the config
// name a window.
const defaultContextWindow = 200000

// cancelReason is carried by the canceled event after an abort.
const cancelReason = "assistant_aborted"

// runState tracks one run, prompt through agent_end, across its turns.
type runState struct {
	messages []*models.Message
	turn     int
	started  bool
}

type turnOutcome int

const (
	turnDone turnOutcome = iota
	turnToolUse
	turnAborted
	turnErrored
)

func statusForOutcome(o turnOutcome) string {
	switch o {
	case turnAborted:
		return "aborted"
	case turnErrored:
		return "error"
	default:
		return "completed"
	}
}

// runAgent drives turns until the run drains, errors, or aborts, then
// returns the session to idle. It runs on the owner goroutine.
func (s *Session) runAgent(ctx context.Context, run *runState) {
	sig := abort.New()
	s.setSignal(sig)

	outcome := s.loopTurns(ctx, sig, run)

	switch outcome {
	case turnDone:
		s.publish(events.Event{Type: events.AgentEnd, Messages: run.messages})
	case turnAborted:
		// Steering survives an abort; follow-ups do not.
		s.queue.ClearFollowUps()
	case turnErrored:
		s.queue.Clear()
	}
	s.setSignal(nil)
	s.setState(StateIdle)
	s.touch()
}

func (s *Session) loopTurns(ctx context.Context, sig *abort.Signal, run *runState) turnOutcome {
	for {
		outcome := s.runTurn(ctx, sig, run)
		run.turn++
		switch outcome {
		case turnToolUse:
			// Tool round done; go straight into the next turn.
			continue
		case turnDone:
			text, ok := s.queue.PopSteering()
			if !ok {
				text, ok = s.queue.PopFollowUp()
			}
			if !ok {
				return turnDone
			}
			if err := s.appendUserInput(ctx, text, nil, run); err != nil {
				s.setLastError(err.Error())
				s.emitError("journal", err.Error(), nil)
				return turnErrored
			}
		default:
			return outcome
		}
	}
}

// runTurn performs one LLM invocation plus its tool round.
func (s *Session) runTurn(ctx context.Context, sig *abort.Signal, run *runState) (outcome turnOutcome) {
	model := s.currentModel()
	thinking := s.currentThinking()

	turnCtx, span := s.tracer.TraceTurn(ctx, s.id, model.Provider, model.ID)
	start := time.Now()
	defer func() {
		s.tracer.SetAttributes(span, "status", statusForOutcome(outcome), "turn", run.turn)
		span.End()
		observability.RecordTurn(model.Provider, statusForOutcome(outcome), time.Since(start))
	}()

	if o, ok := s.maybeCompact(turnCtx, sig, model); !ok {
		return o
	}

	req := s.buildRequest(sig, thinking)

	if !run.started {
		run.started = true
		s.publish(events.Event{Type: events.AgentStart})
	}
	s.publish(events.Event{Type: events.TurnStart})
	s.bumpTurns()
	s.publish(events.Event{Type: events.MessageStart, Message: emptyAssistant()})

	res := s.consumeStream(turnCtx, sig, model, req)
	switch res.outcome {
	case turnErrored:
		s.setLastError(res.errMsg)
		if _, err := s.journal.AppendHead(turnCtx, models.NewMessageEntry(res.msg)); err != nil {
			s.warn(turnCtx, "failed to journal errored assistant", "error", err)
		}
		run.messages = append(run.messages, res.msg)
		s.emitError(res.errKind, res.errMsg, res.msg)
		return turnErrored
	case turnAborted:
		s.appendAborted(turnCtx, res.msg, run)
		return turnAborted
	}

	final := res.msg
	if _, err := s.journal.AppendHead(turnCtx, models.NewMessageEntry(final)); err != nil {
		s.setLastError(err.Error())
		s.emitError("journal", err.Error(), final)
		return turnErrored
	}
	run.messages = append(run.messages, final)
	s.recordUsage(model, final.Usage)
	s.publish(events.Event{Type: events.MessageEnd, Message: final})
	s.touch()

	turnMsgs := []*models.Message{final}

	if calls := final.ToolCalls(); final.StopReason == models.StopReasonToolUse && len(calls) > 0 {
		results := s.executeTools(turnCtx, sig, calls)
		for _, r := range results {
			msg := r.Message()
			if _, err := s.journal.AppendHead(turnCtx, models.NewMessageEntry(msg)); err != nil {
				s.warn(turnCtx, "failed to journal tool result", "tool_call_id", r.CallID, "error", err)
			}
			run.messages = append(run.messages, msg)
			turnMsgs = append(turnMsgs, msg)
		}
		s.bumpToolCalls(len(results))
		s.touch()

		if sig.Aborted() {
			s.appendAborted(turnCtx, abortedAssistant(), run)
			return turnAborted
		}

		s.publish(events.Event{Type: events.TurnEnd, Message: final, Messages: turnMsgs})

		// Steering queued during the round lands before the next call.
		for _, text := range s.queue.DrainSteering() {
			if err := s.appendUserInput(turnCtx, text, nil, run); err != nil {
				s.setLastError(err.Error())
				s.emitError("journal", err.Error(), nil)
				return turnErrored
			}
		}
		return turnToolUse
	}

	s.publish(events.Event{Type: events.TurnEnd, Message: final, Messages: turnMsgs})
	return turnDone
}

// maybeCompact shortens the live branch when the estimated request
// would not fit the context window, or when the count budget forces it.
// The second return is false when the turn must not proceed.
func (s *Session) maybeCompact(ctx context.Context, sig *abort.Signal, model models.Model) (turnOutcome, bool) {
	cfg := s.engine.Config()
	view := s.branchView()
	msgs := view.requestMessages()
	ptrs := make([]*models.Message, len(msgs))
	for i := range msgs {
		ptrs[i] = &msgs[i]
	}
	est := compaction.EstimateRequestTokens(ptrs, s.systemPrompt, s.schemaJSON())

	window := model.ContextWindow
	if window <= 0 {
		window = s.contextWindow
	}
	if window <= 0 {
		window = defaultContextWindow
	}

	forced := compaction.ShouldForceForCount(len(msgs), s.budget, cfg)
	if !compaction.ShouldCompact(est, window, cfg) && !forced {
		return turnDone, true
	}

	ctx, span := s.tracer.TraceCompaction(ctx, s.id)
	defer span.End()

	opts := compaction.Options{Force: forced, Signal: sig}
	if forced && s.budget != nil {
		opts.KeepRecentMessages = s.budget.KeepRecentMessages
	}

	type compactOut struct {
		res *compaction.Result
		err error
	}
	ch := make(chan compactOut, 1)
	go func() {
		res, err := s.engine.Compact(ctx, view.live, opts)
		ch <- compactOut{res, err}
	}()

	// Summary generation is a suspension point: keep serving commands.
	var out compactOut
	closing := s.closing
wait:
	for {
		select {
		case out = <-ch:
			break wait
		case cmd := <-s.cmds:
			s.handleBusy(ctx, cmd)
		case <-closing:
			sig.Abort()
			closing = nil
		}
	}

	if out.err != nil {
		observability.RecordCompaction("failed")
		s.tracer.RecordError(span, out.err)
		if sig.Aborted() || errors.Is(out.err, abort.ErrAborted) {
			s.publish(events.Event{Type: events.Canceled, Reason: cancelReason})
			return turnAborted, false
		}
		kind := "compaction_failed"
		if errors.Is(out.err, compaction.ErrCannotCompact) {
			kind = "cannot_compact"
		}
		s.setLastError(out.err.Error())
		s.emitError(kind, out.err.Error(), nil)
		return turnErrored, false
	}

	if _, err := s.journal.AppendHead(ctx, out.res.Entry); err != nil {
		observability.RecordCompaction("failed")
		s.setLastError(err.Error())
		s.emitError("journal", err.Error(), nil)
		return turnErrored, false
	}
	observability.RecordCompaction("applied")
	s.bumpCompactions()
	s.info(ctx, "compacted session context",
		"tokens_before", out.res.TokensBefore,
		"tokens_after", out.res.TokensAfter,
		"replaced", len(out.res.Summarized))
	return turnDone, true
}

type streamResult struct {
	msg     *models.Message
	outcome turnOutcome
	errKind string
	errMsg  string
}

// consumeStream drives one LLM invocation, folding producer events into
// a running snapshot and publishing message updates. Commands are
// served between events so steering and aborts stay live.
func (s *Session) consumeStream(ctx context.Context, sig *abort.Signal, model models.Model, req stream.Request) streamResult {
	llmCtx, span := s.tracer.TraceLLMRequest(ctx, model.Provider, model.ID)
	defer span.End()

	b := stream.NewBuilder()

	fail := func(err error) streamResult {
		if err == nil {
			err = errors.New("stream failed")
		}
		kind := stream.Classify(err)
		if se, ok := stream.AsError(err); ok && se.Kind != stream.WireUnknown {
			kind = se.Kind
		}
		if sig.Aborted() || kind == stream.WireCanceled {
			return streamResult{msg: b.Final(models.StopReasonAborted), outcome: turnAborted}
		}
		s.tracer.RecordError(span, err)
		return streamResult{
			msg:     b.Final(models.StopReasonError),
			outcome: turnErrored,
			errKind: string(kind),
			errMsg:  err.Error(),
		}
	}

	ch, err := s.fn(llmCtx, model, req)
	if err != nil {
		return fail(err)
	}

	attempts := 0
	closing := s.closing
	for {
		select {
		case cmd := <-s.cmds:
			s.handleBusy(ctx, cmd)
		case <-closing:
			sig.Abort()
			closing = nil
		case ev, ok := <-ch:
			if !ok {
				if sig.Aborted() {
					return streamResult{msg: b.Final(models.StopReasonAborted), outcome: turnAborted}
				}
				return streamResult{
					msg:     b.Final(models.StopReasonError),
					outcome: turnErrored,
					errKind: string(stream.WireNetwork),
					errMsg:  "stream closed without a terminal event",
				}
			}
			switch ev.Kind {
			case stream.KindStart:
				attempts++
				if attempts > 1 {
					// A replayed attempt discards the failed partial.
					b = stream.NewBuilder()
					s.publish(events.Event{Type: events.MessageStart, Message: emptyAssistant()})
				}
			case stream.KindTextStart:
				b.StartText(ev.Index)
			case stream.KindTextDelta:
				b.AppendText(ev.Index, ev.Text)
				s.publishUpdate(b, events.Delta{Kind: events.DeltaText, Index: ev.Index, Text: ev.Text})
			case stream.KindThinkingStart:
				b.StartThinking(ev.Index)
			case stream.KindThinkingDelta:
				b.AppendThinking(ev.Index, ev.Text)
				s.publishUpdate(b, events.Delta{Kind: events.DeltaThinking, Index: ev.Index, Text: ev.Text})
			case stream.KindToolCallStart:
				var partial *models.ContentBlock
				if ev.ToolCall != nil {
					partial = b.StartToolCall(ev.Index, ev.ToolCall.ID, ev.ToolCall.Name)
				} else {
					partial = b.StartToolCall(ev.Index, "", "")
				}
				s.publishUpdate(b, events.Delta{Kind: events.DeltaToolCallStart, Index: ev.Index, Block: partial})
			case stream.KindToolCallEnd:
				var final *models.ContentBlock
				if ev.ToolCall != nil {
					final = b.SetToolCall(ev.Index, *ev.ToolCall)
				} else {
					final = b.EndToolCall(ev.Index)
				}
				s.publishUpdate(b, events.Delta{Kind: events.DeltaToolCallEnd, Index: ev.Index, Block: final})
			case stream.KindUsage:
				b.SetUsage(ev.Usage)
			case stream.KindDone:
				msg := ev.Message
				if msg == nil {
					msg = b.Final(ev.StopReason)
				} else {
					msg = msg.Clone()
					if ev.StopReason != "" {
						msg.StopReason = ev.StopReason
					}
					if msg.Usage == nil {
						msg.Usage = b.Usage()
					}
				}
				if msg.StopReason == "" {
					msg.StopReason = models.StopReasonStop
				}
				if msg.Timestamp == 0 {
					msg.Timestamp = time.Now().UnixMilli()
				}
				if sig.Aborted() {
					// Abort won before completion was observed.
					msg.StopReason = models.StopReasonAborted
					return streamResult{msg: msg, outcome: turnAborted}
				}
				return streamResult{msg: msg, outcome: turnDone}
			case stream.KindError:
				return fail(ev.Err)
			}
		}
	}
}

// executeTools dispatches the turn's tool calls and waits for their
// results while continuing to serve commands.
func (s *Session) executeTools(ctx context.Context, sig *abort.Signal, calls []models.ToolCall) []tools.CallResult {
	s.setPendingTools(len(calls))
	defer s.setPendingTools(0)

	resCh := make(chan []tools.CallResult, 1)
	go func() {
		resCh <- s.executor.ExecuteAll(ctx, calls, sig, func(e *events.Event) {
			if e != nil {
				s.publish(*e)
			}
		})
	}()

	closing := s.closing
	for {
		select {
		case results := <-resCh:
			return results
		case cmd := <-s.cmds:
			s.handleBusy(ctx, cmd)
		case <-closing:
			sig.Abort()
			closing = nil
		}
	}
}

// appendAborted journals the aborted assistant message and emits the
// closing message_end / canceled pair.
func (s *Session) appendAborted(ctx context.Context, msg *models.Message, run *runState) {
	if _, err := s.journal.AppendHead(ctx, models.NewMessageEntry(msg)); err != nil {
		s.warn(ctx, "failed to journal aborted assistant", "error", err)
	}
	run.messages = append(run.messages, msg)
	s.recordUsage(s.currentModel(), msg.Usage)
	s.publish(events.Event{Type: events.MessageEnd, Message: msg})
	s.publish(events.Event{Type: events.Canceled, Reason: cancelReason})
	s.touch()
}

func (s *Session) publishUpdate(b *stream.Builder, d events.Delta) {
	delta := d
	s.publish(events.Event{Type: events.MessageUpdate, Message: b.Snapshot(), Delta: &delta})
}

func (s *Session) emitError(kind, msg string, partial *models.Message) {
	s.publish(events.Event{Type: events.ErrorEvent, ErrorKind: kind, ErrorMessage: msg, Message: partial})
}

func (s *Session) recordUsage(model models.Model, u *models.Usage) {
	if u == nil {
		return
	}
	observability.RecordTokens(model.Provider, model.ID, u.Input, u.Output, u.CacheRead, u.CacheWrite)
	s.mu.Lock()
	s.usage.Add(u)
	s.mu.Unlock()
}

func (s *Session) bumpTurns() {
	s.mu.Lock()
	s.turns++
	s.mu.Unlock()
}

func (s *Session) bumpToolCalls(n int) {
	s.mu.Lock()
	s.toolCalls += n
	s.mu.Unlock()
}

func (s *Session) bumpCompactions() {
	s.mu.Lock()
	s.compactions++
	s.mu.Unlock()
}

func (s *Session) setPendingTools(n int) {
	s.mu.Lock()
	s.pendingTools = n
	s.mu.Unlock()
}

func emptyAssistant() *models.Message {
	return &models.Message{
		Role:      models.RoleAssistant,
		Content:   models.BlockContent(),
		Timestamp: time.Now().UnixMilli(),
	}
}

func abortedAssistant() *models.Message {
	msg := emptyAssistant()
	msg.StopReason = models.StopReasonAborted
	return msg
}
