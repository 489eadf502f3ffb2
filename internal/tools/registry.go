package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxNameLength bounds tool names to keep provider payloads sane.
const MaxNameLength = 256

// Registry manages the tools available to a session with thread-safe
// registration and lookup. Parameter schemas are compiled at registration
// so a malformed tool fails loudly instead of at first call.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Empty names, duplicate names, missing execute
// functions, and parameter schemas that fail compilation are rejected.
func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return errors.New("tool name must not be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("tool name exceeds %d characters", MaxNameLength)
	}
	if t.Execute == nil {
		return fmt.Errorf("tool %q has no execute function", name)
	}

	var schema *jsonschema.Schema
	if len(t.Parameters) > 0 {
		compiled, err := compileSchema(name, t.Parameters)
		if err != nil {
			return fmt.Errorf("tool %q has an invalid parameters schema: %w", name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q is already registered", name)
	}
	t.Name = name
	r.tools[name] = t
	if schema != nil {
		r.schemas[name] = schema
	}
	r.order = append(r.order, name)
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	delete(r.schemas, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ValidateArgs checks args against the tool's compiled parameter schema.
// Tools without a schema accept anything. Validation is opt-in: the
// executor does not call this, argument checking stays the tool's choice.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	// Round-trip through JSON so the value matches what the validator
	// expects (float64 numbers, no custom types).
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments for %q invalid: %w", name, err)
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	return jsonschema.CompileString(name+".schema.json", string(raw))
}
