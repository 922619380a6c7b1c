package tool

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownTool is returned by an invoker for an unregistered name.
	ErrUnknownTool = errors.New("tool: unknown tool")

	// ErrUnknownResource is returned for an unregistered resource URI.
	ErrUnknownResource = errors.New("tool: unknown resource")

	// ErrSchemaViolation marks arguments or results that fail schema
	// validation. Never retried; the task escalates with reason
	// schema_violation.
	ErrSchemaViolation = errors.New("tool: schema violation")
)

// Args and Result are the wire shape on both sides of the boundary.
type (
	Args   = map[string]interface{}
	Result = map[string]interface{}
)

// Invoker is the uniform capability the core consumes external services
// through. The core does not know whether a tool runs in-process, in a
// subprocess, or over the network.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args Args) (Result, error)
}

// ResourceReader reads external resources by URI; the perception loop is
// its only consumer in the core.
type ResourceReader interface {
	ReadResource(ctx context.Context, uri string) (string, error)
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args Args) (Result, error)

// Tool describes an invokable capability. Both schemas are validated on
// every call, on both sides of the boundary. The JSON shape is what
// external servers advertise through tools/list.
type Tool struct {
	Name         string  `json:"name"`
	Description  string  `json:"description,omitempty"`
	InputSchema  *Schema `json:"inputSchema,omitempty"`
	OutputSchema *Schema `json:"outputSchema,omitempty"`
	Handler      Handler `json:"-"`
}

// Schema is the subset of JSON Schema the boundary validates: object
// shapes with typed, possibly required properties.
type Schema struct {
	Type       string             `json:"type"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Required   []string           `json:"required,omitempty"`
}

// Validate checks value against the schema. A nil schema accepts anything.
func (s *Schema) Validate(value interface{}) error {
	if s == nil {
		return nil
	}
	return validate(s, value, "$")
}

func validate(s *Schema, value interface{}, path string) error {
	switch s.Type {
	case "object":
		obj, ok := value.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: %s: expected object, got %T", ErrSchemaViolation, path, value)
		}
		for _, req := range s.Required {
			if _, present := obj[req]; !present {
				return fmt.Errorf("%w: %s: missing required property %q", ErrSchemaViolation, path, req)
			}
		}
		for name, prop := range s.Properties {
			v, present := obj[name]
			if !present {
				continue
			}
			if err := validate(prop, v, path+"."+name); err != nil {
				return err
			}
		}
	case "array":
		arr, ok := value.([]interface{})
		if !ok {
			return fmt.Errorf("%w: %s: expected array, got %T", ErrSchemaViolation, path, value)
		}
		if s.Items != nil {
			for i, item := range arr {
				if err := validate(s.Items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("%w: %s: expected string, got %T", ErrSchemaViolation, path, value)
		}
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
		default:
			return fmt.Errorf("%w: %s: expected number, got %T", ErrSchemaViolation, path, value)
		}
	case "integer":
		switch v := value.(type) {
		case int, int64:
		case float64:
			if v != float64(int64(v)) {
				return fmt.Errorf("%w: %s: expected integer, got %v", ErrSchemaViolation, path, v)
			}
		default:
			return fmt.Errorf("%w: %s: expected integer, got %T", ErrSchemaViolation, path, value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: %s: expected boolean, got %T", ErrSchemaViolation, path, value)
		}
	case "":
		// untyped node accepts anything
	default:
		return fmt.Errorf("%w: %s: unsupported schema type %q", ErrSchemaViolation, path, s.Type)
	}
	return nil
}
