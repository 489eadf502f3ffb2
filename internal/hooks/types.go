// Package hooks provides an event-driven callback registry for session
// events. Handlers are invoked in priority order with catch-and-log
// semantics: an error or panic in one handler never prevents the others.
package hooks

import (
	"context"

	"github.com/haasonsaas/loom/internal/events"
)

// EventAny registers a handler for every event type.
const EventAny events.Type = "*"

// Handler is a function that processes session events.
// Handlers should be fast and non-blocking. Long-running operations
// should be dispatched to goroutines.
type Handler func(ctx context.Context, event *events.Event) error

// Priority determines the order handlers are called.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)

// Registration represents a registered hook handler.
type Registration struct {
	// ID is a unique identifier for this registration
	ID string

	// Event is the event type this handler listens for, or EventAny
	Event events.Type

	// Handler is the function to call
	Handler Handler

	// Priority determines call order (lower = earlier)
	Priority Priority

	// Name is a human-readable name for debugging
	Name string

	// Source identifies where this handler came from (extension name, etc)
	Source string
}

// Filter allows selective event handling.
type Filter struct {
	// Types to include (empty = all)
	Types []events.Type

	// SessionIDs to include (empty = all)
	SessionIDs []string
}

// Matches checks if an event matches the filter.
func (f *Filter) Matches(event *events.Event) bool {
	if f == nil {
		return true
	}

	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.SessionIDs) > 0 {
		found := false
		for _, id := range f.SessionIDs {
			if id == event.SessionID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// Filtered wraps a handler so it only runs for events matching the filter.
func Filtered(f *Filter, h Handler) Handler {
	return func(ctx context.Context, event *events.Event) error {
		if !f.Matches(event) {
			return nil
		}
		return h(ctx, event)
	}
}
