// Package toolrunner maps backend tool-call requests to local tool
// implementations and fans out concurrent executions.
package toolrunner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Parameter describes one tool argument.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Handler executes a tool. Meta carries implementation-specific details
// (exit codes, byte counts) for reminder and rendering layers.
type Handler func(ctx context.Context, args map[string]interface{}) (output string, meta map[string]interface{}, err error)

// Definition declares a tool's metadata and handler.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Gated       bool        `json:"gated"` // requires an approval decision
	Handler     Handler     `json:"-"`
}

// Registry resolves tool names to implementations and reports the active
// tool-name set.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		logger:  logger,
	}
}

// Register validates and adds a tool definition.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	r.logger.Info().Str("tool", def.Name).Bool("gated", def.Gated).Msg("Tool registered")
	return nil
}

// Get returns a tool definition, or nil when unknown.
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// ActiveToolNames returns the sorted set of registered tool names.
func (r *Registry) ActiveToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GatedToolNames returns the names of tools requiring approval.
func (r *Registry) GatedToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, def := range r.tools {
		if def.Gated {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ValidateArgs checks arguments against the tool's schema.
func (r *Registry) ValidateArgs(name string, args map[string]interface{}) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()

	if schema == nil {
		return fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("argument validation failed: %v", details)
	}
	return nil
}

// InputSchema builds the JSON-schema map advertised to the backend.
func (r *Registry) InputSchema(name string) map[string]interface{} {
	def := r.Get(name)
	if def == nil {
		return nil
	}
	return schemaMap(*def)
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}
	return nil
}

func schemaMap(def Definition) map[string]interface{} {
	properties := make(map[string]interface{})
	var required []string

	for _, param := range def.Parameters {
		prop := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			prop["default"] = param.Default
		}
		properties[param.Name] = prop
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func compileSchema(def Definition) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap(def)))
}
