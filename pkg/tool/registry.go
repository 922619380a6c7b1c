package tool

import (
	"context"
	"fmt"
	"sync"
)

// Registry is the in-process Invoker and ResourceReader. Skills built into
// the binary register here; external servers are reached through the stdio
// client instead. Both implement the same interfaces, so callers cannot
// tell the difference.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*Tool
	resources map[string]func(ctx context.Context) (string, error)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]*Tool),
		resources: make(map[string]func(ctx context.Context) (string, error)),
	}
}

// Register adds a tool. Re-registering a name replaces it.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// RegisterResource adds a resource read function for a URI.
func (r *Registry) RegisterResource(uri string, read func(ctx context.Context) (string, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[uri] = read
}

// RegisterStaticResource adds a resource with fixed content.
func (r *Registry) RegisterStaticResource(uri, content string) {
	r.RegisterResource(uri, func(ctx context.Context) (string, error) {
		return content, nil
	})
}

// Tools returns the registered tool names.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Invoke validates args against the tool's input schema, runs the handler,
// and validates the result against the output schema.
func (r *Registry) Invoke(ctx context.Context, name string, args Args) (Result, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if err := t.InputSchema.Validate(map[string]interface{}(args)); err != nil {
		return nil, fmt.Errorf("tool %s input: %w", name, err)
	}

	result, err := t.Handler(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}

	if err := t.OutputSchema.Validate(map[string]interface{}(result)); err != nil {
		return nil, fmt.Errorf("tool %s output: %w", name, err)
	}
	return result, nil
}

// ReadResource resolves a registered resource URI.
func (r *Registry) ReadResource(ctx context.Context, uri string) (string, error) {
	r.mu.RLock()
	read, ok := r.resources[uri]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownResource, uri)
	}
	return read(ctx)
}
