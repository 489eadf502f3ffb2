// Package providers adapts vendor SDK streams to the producer contract in
// internal/stream. Each adapter converts one SDK's streaming surface into the
// shared event shape: it bridges the abort signal into the SDK context,
// accumulates deltas through a stream.Builder so every event carries a
// consistent running snapshot, and classifies wire failures so the retry
// layer can tell transient from permanent.
package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/loom/internal/abort"
	"github.com/haasonsaas/loom/internal/stream"
	"github.com/haasonsaas/loom/pkg/models"
)

// eventBuffer sizes adapter output channels so SDK reads stay ahead of slow
// consumers without unbounded buffering.
const eventBuffer = 16

// defaultMaxTokens applies when neither the request nor the model descriptor
// bounds the output.
const defaultMaxTokens = 8192

// Credentials configures access to one provider's API.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// Factory builds a stream.Fn for one provider from its credentials.
type Factory func(creds Credentials) stream.Fn

// Registry maps provider names to stream.Fn factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in providers registered:
// anthropic, openai, and google (gemini accepted as an alias).
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("anthropic", NewAnthropic)
	r.Register("openai", NewOpenAI)
	r.Register("google", NewGemini)
	r.Register("gemini", NewGemini)
	return r
}

// Register adds or replaces a provider factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(strings.TrimSpace(name))] = f
}

// New builds a stream.Fn for the named provider.
func (r *Registry) New(name string, creds Credentials) (stream.Fn, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return f(creds), nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// pickBaseURL prefers the per-model override, then the credential default.
func pickBaseURL(model models.Model, creds Credentials) string {
	if model.BaseURL != "" {
		return model.BaseURL
	}
	return creds.BaseURL
}

// maxTokensFor resolves the output token bound for one request.
func maxTokensFor(model models.Model, req stream.Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if model.MaxOutputTokens > 0 {
		return model.MaxOutputTokens
	}
	return defaultMaxTokens
}

// signalContext bridges the abort signal into a cancelable context for SDK
// calls. The returned cancel must run when the stream finishes to release
// the bridge goroutine.
func signalContext(ctx context.Context, sig *abort.Signal) (context.Context, context.CancelFunc) {
	if sig == nil {
		return context.WithCancel(ctx)
	}
	return sig.Context(ctx)
}

// emitter attaches the running assistant snapshot to every event an adapter
// sends, so subscribers can render partials without replaying deltas.
type emitter struct {
	out chan<- stream.Event
	b   *stream.Builder
}

func newEmitter(out chan<- stream.Event) *emitter {
	return &emitter{out: out, b: stream.NewBuilder()}
}

func (e *emitter) send(ev stream.Event) {
	if ev.Message == nil {
		ev.Message = e.b.Snapshot()
	}
	e.out <- ev
}
