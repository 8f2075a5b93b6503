// Package tools defines the tool capability the engine consumes and a
// builder-style registry for explicit registration. Tool discovery is always
// explicit: each tool declares its name, schema, handler and timeout.
package tools

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Func is the handler invoked with decoded arguments.
type Func func(ctx context.Context, args map[string]any) (string, error)

// Metadata provides versioning and categorization for tools.
type Metadata struct {
	Version    string
	Category   string
	Tags       []string
	Deprecated bool
	ReplacedBy string
}

// Tool is a callback the engine borrows for the duration of one run.
type Tool struct {
	Name        string
	Description string
	SchemaJSON  string        // JSON schema for the arguments
	Timeout     time.Duration // 0 = engine default
	Fn          Func
	Metadata    Metadata
}

// ValidateArgs validates args against the tool's JSON schema. Tools without
// a schema accept anything.
func (t Tool) ValidateArgs(args map[string]any) error {
	if t.SchemaJSON == "" {
		return nil
	}
	schemaLoader := gojsonschema.NewStringLoader(t.SchemaJSON)
	documentLoader := gojsonschema.NewGoLoader(args)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &ValidationError{ToolName: t.Name, Errors: msgs}
	}
	return nil
}

// ValidationError indicates that tool arguments failed schema validation.
type ValidationError struct {
	ToolName string
	Errors   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s validation failed: %v", e.ToolName, e.Errors)
}

// Schema is the provider-facing description of a tool.
type Schema struct {
	Name        string
	Description string
	JSONSchema  string
}

// Registry holds registered tools by name.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds a tool. It errors on duplicate or unnamed tools.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool requires a name")
	}
	if t.Fn == nil {
		return fmt.Errorf("tool %s requires a handler", t.Name)
	}
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// MustRegister is Register that panics, for static wiring at startup.
func (r *Registry) MustRegister(t Tool) *Registry {
	if err := r.Register(t); err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names sorted for determinism.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns provider-facing schemas for all registered tools, sorted
// by name.
func (r *Registry) Schemas() []Schema {
	out := make([]Schema, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		out = append(out, Schema{Name: t.Name, Description: t.Description, JSONSchema: t.SchemaJSON})
	}
	return out
}

// Filter returns a registry restricted to the given names. Unknown names are
// ignored.
func (r *Registry) Filter(allowed map[string]struct{}) *Registry {
	filtered := NewRegistry()
	for name, t := range r.tools {
		if _, ok := allowed[name]; ok {
			filtered.tools[name] = t
		}
	}
	return filtered
}

// Len reports the number of registered tools.
func (r *Registry) Len() int { return len(r.tools) }
