// Package tools defines the tool registry the copilot exposes to the model.
//
// A [Tool] pairs a declarative [Spec] with an [Executor]. Built-in tools live in
// the builtin sub-package; remote MCP tools are adapted into the same shape by
// the mcp package. The [Registry] is assembled once at startup and is
// read-only afterwards, so it is safe for concurrent use without locking.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/MrWong99/dealdesk/pkg/types"
)

// Param types understood by [Spec.Schema] and [Bind].
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
)

// Param describes one named input of a tool.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Spec is the model-facing declaration of a tool.
type Spec struct {
	Name        string
	Description string
	Params      []Param

	// Mutates marks tools that change stored data. Clients refresh their
	// views after a successful call.
	Mutates bool

	// InputSchema, when set, is returned by Schema verbatim instead of a
	// schema rendered from Params. Remote tools use it.
	InputSchema map[string]any
}

// Schema renders the parameters as a JSON Schema object.
func (s Spec) Schema() map[string]any {
	if s.InputSchema != nil {
		return s.InputSchema
	}
	props := make(map[string]any, len(s.Params))
	required := []string{}
	for _, p := range s.Params {
		typ := p.Type
		if typ == "" {
			typ = TypeString
		}
		prop := map[string]any{"type": typ}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Definition renders s as a provider-facing tool declaration.
func (s Spec) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  s.Schema(),
	}
}

// Context is the ambient state passed to every executor alongside its input.
type Context struct {
	ActiveProjectID       int    `json:"activeProjectId,omitempty"`
	ActiveAgreementRootID string `json:"activeAgreementRootId,omitempty"`
}

// Input is the parsed JSON object a model supplied as tool arguments.
type Input map[string]any

// Executor runs a tool. The returned payload is serialised to JSON by the
// dispatcher. Executors must be safe for concurrent use and respect ctx.
type Executor func(ctx context.Context, in Input, tc Context) (any, error)

// Tool is a spec paired with its executor.
type Tool struct {
	Spec    Spec
	Execute Executor
}

// Registry is an immutable, ordered set of tools.
type Registry struct {
	tools []Tool
}

// NewRegistry validates the given tools and returns a registry holding them in
// order. Empty names, nil executors and duplicate names are all reported.
func NewRegistry(tools ...Tool) (*Registry, error) {
	var errs []error
	seen := make(map[string]bool, len(tools))
	for i, t := range tools {
		if t.Spec.Name == "" {
			errs = append(errs, fmt.Errorf("tools: tool %d: name must not be empty", i))
		}
		if t.Execute == nil {
			errs = append(errs, fmt.Errorf("tools: tool %q: executor must not be nil", t.Spec.Name))
		}
		if t.Spec.Name != "" && seen[t.Spec.Name] {
			errs = append(errs, fmt.Errorf("tools: duplicate tool name %q", t.Spec.Name))
		}
		seen[t.Spec.Name] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Registry{tools: append([]Tool(nil), tools...)}, nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	for _, t := range r.tools {
		if t.Spec.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Definitions returns the provider-facing declarations in registration order.
func (r *Registry) Definitions() []types.ToolDefinition {
	if r == nil {
		return nil
	}
	defs := make([]types.ToolDefinition, len(r.tools))
	for i, t := range r.tools {
		defs[i] = t.Spec.Definition()
	}
	return defs
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Spec.Name
	}
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tools)
}

// Bind checks that every required parameter of spec is present in in and then
// decodes in into dst, which must be a pointer to a struct with json tags.
// Integer parameters supplied as numeric strings are coerced.
func Bind(in Input, spec Spec, dst any) error {
	norm := make(Input, len(in))
	for k, v := range in {
		norm[k] = v
	}

	var errs []error
	for _, p := range spec.Params {
		v, ok := norm[p.Name]
		if !ok || v == nil || v == "" {
			if p.Required {
				errs = append(errs, fmt.Errorf("missing required parameter %q", p.Name))
			}
			continue
		}
		if p.Type == TypeInteger {
			if s, isStr := v.(string); isStr {
				n, err := strconv.Atoi(s)
				if err != nil {
					errs = append(errs, fmt.Errorf("parameter %q must be an integer", p.Name))
					continue
				}
				norm[p.Name] = n
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: %w", spec.Name, err)
	}

	raw, err := json.Marshal(norm)
	if err != nil {
		return fmt.Errorf("%s: encode input: %w", spec.Name, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s: decode input: %w", spec.Name, err)
	}
	return nil
}
