package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/clocksmith/reploid/internal/errdefs"
)

// Registry holds tools by name with their compiled argument schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its parameter schema. Registering a name
// twice replaces the previous tool (dynamic tools reuse this for updates).
func (r *Registry) Register(t Tool) error {
	schema, err := compileSchema(t.Name(), t.Parameters())
	if err != nil {
		return errdefs.Wrap(errdefs.ErrValidation, "tools: schema for %s: %v", t.Name(), err)
	}
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.schemas[t.Name()] = schema
	r.mu.Unlock()
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	delete(r.schemas, name)
	r.mu.Unlock()
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Definition is the provider-facing description of one tool.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Definitions returns provider-facing tool definitions in name order.
func (r *Registry) Definitions() []Definition {
	names := r.Names()
	out := make([]Definition, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		t := r.tools[name]
		out = append(out, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out
}

// ValidateArgs checks args against the tool's schema. Returns a stable
// ErrValidation kind on mismatch.
func (r *Registry) ValidateArgs(name string, args map[string]interface{}) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return errdefs.Wrap(errdefs.ErrNotFound, "tools: %s", name)
	}
	// Round-trip through JSON so numeric types normalize the way provider
	// payloads arrive.
	raw, err := json.Marshal(args)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrValidation, "tools: %s args: %v", name, err)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return errdefs.Wrap(errdefs.ErrValidation, "tools: %s args: %v", name, err)
	}
	if v == nil {
		v = map[string]interface{}{}
	}
	if err := schema.Validate(v); err != nil {
		return errdefs.Wrap(errdefs.ErrValidation, "tools: %s: %v", name, err)
	}
	return nil
}

func compileSchema(name string, params map[string]interface{}) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]interface{}{"type": "object"}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := fmt.Sprintf("inline://%s.json", name)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
