// Package tools defines the storefront actions a chat turn may trigger.
// Tools do not mutate anything server-side; they validate and normalize
// parameters into payloads the client UI executes. At most one tool runs
// per turn, enforced by the orchestrator.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrBadParameters = errors.New("could not determine tool parameters")
)

// Tool is one executable storefront action.
type Tool interface {
	Name() string
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
}

// Registry holds the recognized tools, filtered by an allow-list from
// configuration.
type Registry struct {
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry builds a registry from the allowed tool names. Names without
// a matching implementation are skipped with a warning so a config typo
// cannot disable the whole registry.
func NewRegistry(allowed []string, logger *slog.Logger) (*Registry, error) {
	if len(allowed) == 0 {
		return nil, fmt.Errorf("at least one tool must be allowed")
	}
	if logger == nil {
		logger = slog.Default()
	}

	available := map[string]Tool{
		NameApplyFilter: &ApplyFilter{},
		NameNavigate:    &Navigate{},
		NameCartAdd:     &CartAdd{},
	}

	r := &Registry{tools: make(map[string]Tool, len(allowed)), logger: logger}
	for _, name := range allowed {
		tool, ok := available[name]
		if !ok {
			logger.Warn("ignoring unknown tool in allow-list", "tool", name)
			continue
		}
		r.tools[name] = tool
	}
	if len(r.tools) == 0 {
		return nil, fmt.Errorf("no recognized tools in allow-list %v", allowed)
	}
	return r, nil
}

// Get returns the named tool or ErrUnknownTool.
func (r *Registry) Get(name string) (Tool, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return tool, nil
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Execute runs the named tool with the given parameters.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	payload, err := tool.Execute(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("executing %s: %w", name, err)
	}
	return payload, nil
}
