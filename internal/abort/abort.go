// Package abort provides the cooperative cancellation token shared by a
// session, its model stream, and its tool executions.
package abort

import (
	"context"
	"errors"
	"sync"
)

// ErrAborted is returned by operations interrupted by an abort signal.
var ErrAborted = errors.New("aborted")

// Signal is a cooperative cancellation token. Abort happens-before any
// subsequent Aborted call returning true, on any goroutine.
//
// A Signal is not force-killing anything: model stream consumers check it
// between events and tools poll it during execution.
type Signal struct {
	mu       sync.Mutex
	done     chan struct{}
	aborted  bool
	children map[*Signal]struct{}
}

// New returns a fresh, unaborted signal.
func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Abort marks the signal aborted and propagates to all child signals.
// It is safe to call more than once.
func (s *Signal) Abort() {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	close(s.done)
	children := make([]*Signal, 0, len(s.children))
	for c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	for _, c := range children {
		c.Abort()
	}
}

// Aborted reports whether Abort has been called on this signal or on an
// ancestor that propagated to it.
func (s *Signal) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Done returns a channel closed when the signal aborts. After Clear the
// previously returned channel stays closed; callers must re-fetch it.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns ErrAborted once the signal has aborted, nil before.
func (s *Signal) Err() error {
	if s.Aborted() {
		return ErrAborted
	}
	return nil
}

// Child derives a signal that aborts when this one does. Aborting the
// child leaves the parent untouched. A child created from an already
// aborted parent starts aborted.
func (s *Signal) Child() *Signal {
	c := New()
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		c.Abort()
		return c
	}
	if s.children == nil {
		s.children = make(map[*Signal]struct{})
	}
	s.children[c] = struct{}{}
	s.mu.Unlock()
	return c
}

// Clear resets the signal for reuse. Existing children are detached and
// keep whatever state they had.
func (s *Signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		s.done = make(chan struct{})
		s.aborted = false
	}
	s.children = nil
}

// Context bridges the signal into a context for SDK calls. The returned
// context is canceled when the signal aborts, when parent is done, or
// when the returned cancel func runs.
func (s *Signal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
