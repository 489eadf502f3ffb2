package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/abort"
	"github.com/haasonsaas/loom/internal/retry"
	"github.com/haasonsaas/loom/pkg/models"
)

// attempt scripts one call to the wrapped Fn: either a connect error or a
// sequence of events after which the channel closes.
type attempt struct {
	connectErr error
	events     []Event
}

func scripted(attempts ...attempt) (Fn, *atomic.Int32) {
	var calls atomic.Int32
	fn := func(ctx context.Context, model models.Model, req Request) (<-chan Event, error) {
		n := int(calls.Add(1)) - 1
		if n >= len(attempts) {
			n = len(attempts) - 1
		}
		a := attempts[n]
		if a.connectErr != nil {
			return nil, a.connectErr
		}
		ch := make(chan Event, len(a.events)+1)
		for _, ev := range a.events {
			ch <- ev
		}
		close(ch)
		return ch, nil
	}
	return fn, &calls
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out draining stream")
		}
	}
}

func fastPolicy(maxRetries int) retry.Policy {
	return retry.Policy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Rand:       func() float64 { return 0 },
	}
}

var testModel = models.Model{Provider: "anthropic", ID: "claude-sonnet-4"}

func doneAttempt(text string) attempt {
	return attempt{events: []Event{
		{Kind: KindStart},
		{Kind: KindTextDelta, Text: text},
		{Kind: KindDone, StopReason: models.StopReasonStop},
	}}
}

func retryableErr() *Error {
	return NewError("anthropic", "claude-sonnet-4", errors.New("overloaded"))
}

func authErr() *Error {
	return NewError("anthropic", "claude-sonnet-4", errors.New("invalid api key"))
}

func TestWithRetryPassThrough(t *testing.T) {
	fn, calls := scripted(doneAttempt("hello"))
	wrapped := WithRetry(fn, fastPolicy(3), nil)

	ch, err := wrapped(context.Background(), testModel, Request{})
	if err != nil {
		t.Fatalf("connect error = %v", err)
	}

	events := collect(t, ch)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[2].Kind != KindDone || events[2].StopReason != models.StopReasonStop {
		t.Errorf("terminal event = %+v", events[2])
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestWithRetryConnectNonRetryable(t *testing.T) {
	fn, calls := scripted(attempt{connectErr: authErr()})
	wrapped := WithRetry(fn, fastPolicy(3), nil)

	_, err := wrapped(context.Background(), testModel, Request{})
	if err == nil {
		t.Fatal("expected synchronous connect error")
	}
	se, ok := AsError(err)
	if !ok || se.Kind != WireAuth {
		t.Errorf("error = %v, want auth kind", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestWithRetryConnectRetryable(t *testing.T) {
	fn, calls := scripted(
		attempt{connectErr: retryableErr()},
		doneAttempt("recovered"),
	)
	wrapped := WithRetry(fn, fastPolicy(3), nil)

	ch, err := wrapped(context.Background(), testModel, Request{})
	if err != nil {
		t.Fatalf("connect error = %v", err)
	}

	events := collect(t, ch)
	if len(events) != 3 || events[1].Text != "recovered" {
		t.Fatalf("events = %+v", events)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestWithRetryMidStream(t *testing.T) {
	fn, calls := scripted(
		attempt{events: []Event{
			{Kind: KindStart},
			{Kind: KindTextDelta, Text: "partial"},
			{Kind: KindError, Err: retryableErr()},
		}},
		doneAttempt("complete"),
	)
	wrapped := WithRetry(fn, fastPolicy(3), nil)

	ch, err := wrapped(context.Background(), testModel, Request{})
	if err != nil {
		t.Fatalf("connect error = %v", err)
	}

	events := collect(t, ch)
	// The failed attempt's non-terminal events are forwarded, then the fresh
	// attempt replays from its own start. No error event reaches the consumer.
	for _, ev := range events {
		if ev.Kind == KindError {
			t.Errorf("retryable failure leaked to consumer: %+v", ev)
		}
	}
	last := events[len(events)-1]
	if last.Kind != KindDone {
		t.Errorf("terminal = %+v, want done", last)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestWithRetryNonRetryableMidStream(t *testing.T) {
	fn, calls := scripted(
		attempt{events: []Event{
			{Kind: KindStart},
			{Kind: KindError, Err: authErr()},
		}},
	)
	wrapped := WithRetry(fn, fastPolicy(3), nil)

	ch, err := wrapped(context.Background(), testModel, Request{})
	if err != nil {
		t.Fatalf("connect error = %v", err)
	}

	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Kind != KindError {
		t.Fatalf("terminal = %+v, want error", last)
	}
	se, ok := AsError(last.Err)
	if !ok || se.Kind != WireAuth {
		t.Errorf("terminal error = %v, want auth", last.Err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestWithRetryExhausted(t *testing.T) {
	failing := attempt{events: []Event{
		{Kind: KindStart},
		{Kind: KindError, Err: retryableErr()},
	}}
	fn, calls := scripted(failing, failing, failing, failing)
	wrapped := WithRetry(fn, fastPolicy(2), nil)

	ch, err := wrapped(context.Background(), testModel, Request{})
	if err != nil {
		t.Fatalf("connect error = %v", err)
	}

	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Kind != KindError {
		t.Fatalf("terminal = %+v, want error", last)
	}
	if !IsRetryable(last.Err) {
		t.Errorf("exhausted error should keep its retryable kind: %v", last.Err)
	}
	// Initial attempt plus MaxRetries reconnects.
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestWithRetrySilentClose(t *testing.T) {
	fn, calls := scripted(
		attempt{events: []Event{{Kind: KindStart}}}, // closes without done/error
		doneAttempt("after reconnect"),
	)
	wrapped := WithRetry(fn, fastPolicy(3), nil)

	ch, err := wrapped(context.Background(), testModel, Request{})
	if err != nil {
		t.Fatalf("connect error = %v", err)
	}

	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Kind != KindDone {
		t.Fatalf("terminal = %+v, want done after reconnect", last)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestWithRetrySilentCloseExhausted(t *testing.T) {
	fn, _ := scripted(attempt{events: []Event{{Kind: KindStart}}})
	wrapped := WithRetry(fn, fastPolicy(1), nil)

	ch, err := wrapped(context.Background(), testModel, Request{})
	if err != nil {
		t.Fatalf("connect error = %v", err)
	}

	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Kind != KindError {
		t.Fatalf("terminal = %+v, want error", last)
	}
	se, ok := AsError(last.Err)
	if !ok || se.Kind != WireNetwork {
		t.Errorf("synthesized error = %v, want network kind", last.Err)
	}
}

func TestWithRetryAbortStopsRetrying(t *testing.T) {
	sig := abort.New()
	sig.Abort()

	fn, calls := scripted(
		attempt{events: []Event{
			{Kind: KindStart},
			{Kind: KindError, Err: retryableErr()},
		}},
		doneAttempt("should not run"),
	)
	wrapped := WithRetry(fn, fastPolicy(3), nil)

	ch, err := wrapped(context.Background(), testModel, Request{Signal: sig})
	if err != nil {
		t.Fatalf("connect error = %v", err)
	}

	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Kind != KindError {
		t.Fatalf("terminal = %+v, want error", last)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry after abort)", calls.Load())
	}
}

func TestWithRetryZeroRetriesConnectError(t *testing.T) {
	fn, calls := scripted(attempt{connectErr: retryableErr()})
	wrapped := WithRetry(fn, fastPolicy(0), nil)

	_, err := wrapped(context.Background(), testModel, Request{})
	if err == nil {
		t.Fatal("expected synchronous error with retries disabled")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}
