// Package retry provides bounded retry with exponential backoff and full
// jitter for transient stream and storage failures.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy controls how failed operations are retried.
type Policy struct {
	// MaxRetries is the number of retries allowed after the initial attempt.
	MaxRetries int

	// BaseDelay seeds the backoff schedule. The pre-jitter ceiling doubles
	// with every retry.
	BaseDelay time.Duration

	// MaxDelay bounds the ceiling regardless of retry count.
	MaxDelay time.Duration

	// Rand supplies jitter randomness in [0, 1). Nil uses the shared
	// math/rand source; tests inject a deterministic function.
	Rand func() float64
}

// DefaultPolicy mirrors the settings defaults: three retries starting at one
// second, capped at thirty.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Delay computes the sleep before retry n (1-indexed) using full jitter: a
// random duration in [0, min(MaxDelay, BaseDelay*2^(n-1))].
func (p Policy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	ceiling := base
	for i := 1; i < retry && ceiling < maxDelay; i++ {
		ceiling *= 2
	}
	if ceiling > maxDelay {
		ceiling = maxDelay
	}

	random := p.Rand
	if random == nil {
		random = rand.Float64 // #nosec G404 -- jitter does not require cryptographic randomness
	}
	return time.Duration(random() * float64(ceiling))
}

// Sleep waits out the backoff before retry n, returning early when the
// context ends.
func (p Policy) Sleep(ctx context.Context, retry int) error {
	d := p.Delay(retry)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// Do runs op until it succeeds, returns a permanent error, exhausts the
// policy's retries, or the context ends. Attempts are 1-indexed; the first
// call is attempt 1 and does not count against MaxRetries.
func Do(ctx context.Context, policy Policy, op func(attempt int) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := op(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsPermanent(err) || attempt > policy.MaxRetries {
			return err
		}
		if err := policy.Sleep(ctx, attempt); err != nil {
			return lastErr
		}
	}
}

// DoWithValue is Do for operations that produce a value.
func DoWithValue[T any](ctx context.Context, policy Policy, op func(attempt int) (T, error)) (T, error) {
	var value T
	err := Do(ctx, policy, func(attempt int) error {
		var opErr error
		value, opErr = op(attempt)
		return opErr
	})
	return value, err
}
