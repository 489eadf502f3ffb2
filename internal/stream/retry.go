package stream

import (
	"context"
	"errors"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/retry"
	"github.com/haasonsaas/loom/pkg/models"
)

// retryBuffer sizes the forwarding channel; big enough that a slow consumer
// does not stall the provider between deltas.
const retryBuffer = 64

// WithRetry wraps fn so transient wire failures restart the stream. Each
// fresh attempt replays the same request; the consumer sees the new
// attempt's events in place of the failed one. Non-retryable connect
// failures are returned synchronously, everything else surfaces as a
// terminal error event after the policy's retries are exhausted.
func WithRetry(fn Fn, policy retry.Policy, logger *observability.Logger) Fn {
	return func(ctx context.Context, model models.Model, req Request) (<-chan Event, error) {
		inner, err := fn(ctx, model, req)
		if err != nil && (!IsRetryable(err) || policy.MaxRetries <= 0) {
			return nil, err
		}

		out := make(chan Event, retryBuffer)
		go func() {
			defer close(out)

			retries := 0
			pending := err // retryable failure carried into the next attempt
			for {
				if pending != nil {
					if giveUp(ctx, req, policy, retries, pending) {
						emitFailure(out, model, pending)
						return
					}
					retries++
					noteRetry(ctx, logger, model, retries, pending)
					if policy.Sleep(ctx, retries) != nil {
						emitFailure(out, model, pending)
						return
					}
					inner = nil
					pending = nil
				}

				if inner == nil {
					var connectErr error
					inner, connectErr = fn(ctx, model, req)
					if connectErr != nil {
						pending = connectErr
						continue
					}
				}

				failure := forward(inner, out)
				if failure == nil {
					return
				}
				inner = nil
				pending = failure
			}
		}()
		return out, nil
	}
}

// forward copies events from inner to out until a terminal event. A nil
// return means the stream finished (done or non-recoverable error already
// forwarded); otherwise the retryable failure is returned unforwarded. A
// channel that closes without a terminal event counts as a network failure.
func forward(inner <-chan Event, out chan<- Event) error {
	terminal := false
	for ev := range inner {
		if ev.Kind == KindError {
			if IsRetryable(ev.Err) {
				return ev.Err
			}
			out <- ev
			terminal = true
			break
		}
		out <- ev
		if ev.Kind == KindDone {
			terminal = true
			break
		}
	}
	if terminal {
		return nil
	}
	return &Error{Kind: WireNetwork, Message: "stream ended without a terminal event", Cause: errors.New("unexpected end of stream")}
}

func giveUp(ctx context.Context, req Request, policy retry.Policy, retries int, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if req.Signal != nil && req.Signal.Aborted() {
		return true
	}
	return !IsRetryable(err) || retries >= policy.MaxRetries
}

func emitFailure(out chan<- Event, model models.Model, err error) {
	if _, ok := AsError(err); !ok {
		err = NewError(model.Provider, model.ID, err)
	}
	out <- Event{Kind: KindError, Err: err}
}

func noteRetry(ctx context.Context, logger *observability.Logger, model models.Model, retries int, err error) {
	observability.StreamRetries.WithLabelValues(model.Provider).Inc()
	if logger != nil {
		logger.Warn(ctx, "stream attempt failed, retrying",
			"provider", model.Provider,
			"model", model.ID,
			"retry", retries,
			"error", err)
	}
}
