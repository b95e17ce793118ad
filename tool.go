package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// --- Tool interface ---

// ParameterSpec describes one tool parameter. Type is a JSON-schema type
// name; Required marks the parameter mandatory; extra schema keywords
// (description, enum, default) ride in Extra.
type ParameterSpec struct {
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Required    bool           `json:"required,omitempty"`
	Enum        []string       `json:"enum,omitempty"`
	Default     any            `json:"default,omitempty"`
	Extra       map[string]any `json:"-"`
}

// ToolSchema is a tool's declared parameter set.
type ToolSchema struct {
	Parameters map[string]ParameterSpec `json:"parameters"`
}

// ToolResult is the outcome of a tool execution, serialized into the
// conversation as the tool-result message payload.
type ToolResult struct {
	Success         bool           `json:"success"`
	Data            any            `json:"data,omitempty"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ExecutionTimeMS float64        `json:"execution_time_ms"`
	ToolName        string         `json:"tool_name"`
}

// Tool is a named capability agents can invoke. Tier gates availability:
// a tool is visible only to steps whose tier is at least the tool's.
type Tool interface {
	// Name returns the unique tool identifier.
	Name() string
	// Description explains what the tool does, for the model.
	Description() string
	// Tier is the minimum step tier allowed to use this tool.
	Tier() int
	// Schema returns the declared parameter set.
	Schema() ToolSchema
	// ValidateParameters checks args before execution.
	ValidateParameters(args map[string]any) error
	// Execute runs the tool.
	Execute(ctx context.Context, args map[string]any) (ToolResult, error)
}

// ValidateAgainstSchema is the standard parameter check: every required
// parameter must be present. Tools with custom validation can still call
// this first.
func ValidateAgainstSchema(schema ToolSchema, args map[string]any) error {
	for name, spec := range schema.Parameters {
		if !spec.Required {
			continue
		}
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required parameter %q", name)
		}
	}
	return nil
}

// --- Registry ---

// ToolRegistry holds named tools and produces backend tool definitions.
// Registration happens at startup; afterwards the registry is effectively
// read-only and safe to share.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool. Returns an error on duplicate names.
func (r *ToolRegistry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// SelectForStep returns the tools a step may use: filtered by the
// allowlist when one is given (nil = all), and always gated so each
// tool's tier is at or below the step tier. The result is sorted by name.
func (r *ToolRegistry) SelectForStep(tier int, allowlist []string) []Tool {
	all := r.List()
	var selected []Tool
	if allowlist == nil {
		for _, t := range all {
			if t.Tier() <= tier {
				selected = append(selected, t)
			}
		}
		return selected
	}
	for _, name := range allowlist {
		t, ok := r.Get(name)
		if !ok || t.Tier() > tier {
			continue
		}
		selected = append(selected, t)
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].Name() < selected[j].Name() })
	return selected
}

// Definitions converts tools into backend ToolDefinitions. Each parameter
// spec becomes a JSON-schema property; the required list collects every
// parameter marked required.
func Definitions(tools []Tool) []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  parametersSchema(t.Schema()),
		})
	}
	return defs
}

// parametersSchema builds the JSON-schema object for a tool's parameters.
func parametersSchema(schema ToolSchema) json.RawMessage {
	properties := make(map[string]any, len(schema.Parameters))
	var required []string
	for name, spec := range schema.Parameters {
		prop := map[string]any{"type": spec.Type}
		if prop["type"] == "" {
			prop["type"] = "string"
		}
		if spec.Description != "" {
			prop["description"] = spec.Description
		}
		if len(spec.Enum) > 0 {
			prop["enum"] = spec.Enum
		}
		if spec.Default != nil {
			prop["default"] = spec.Default
		}
		for k, v := range spec.Extra {
			prop[k] = v
		}
		properties[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	if required == nil {
		required = []string{}
	}
	blob, err := json.Marshal(map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	})
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return blob
}
