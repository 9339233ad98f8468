// Package tools holds the tool registry agents call through the tool-call
// subprotocol. The reserved "delegate" tool is resolved by the orchestrator,
// never dispatched here.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"okami/internal/errorx"
	"okami/internal/logging"
)

// DelegateToolName is reserved for manager delegation.
const DelegateToolName = "delegate"

// Tool is one callable capability exposed to agents.
type Tool interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

type registration struct {
	tool   Tool
	strict bool
}

// Registry maps tool names to implementations. A strict tool's failure fails
// the task instead of returning a recoverable tool-result.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]registration
	logger *logging.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  map[string]registration{},
		logger: logging.NewComponentLogger("tools"),
	}
}

// Register adds a tool. Registering the reserved delegate name or a duplicate
// is an error.
func (r *Registry) Register(tool Tool, strict bool) error {
	name := tool.Name()
	if name == DelegateToolName {
		return fmt.Errorf("%q is reserved", DelegateToolName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = registration{tool: tool, strict: strict}
	return nil
}

// Invoke dispatches a tool call. Unknown tools and tool failures come back as
// *errorx.ToolError; the Strict flag tells the caller whether the task must
// fail.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", &errorx.ToolError{Tool: name, Err: fmt.Errorf("unknown tool")}
	}

	result, err := reg.tool.Invoke(ctx, args)
	if err != nil {
		if errorx.IsCancelled(err) {
			return "", err
		}
		return "", &errorx.ToolError{Tool: name, Err: err, Strict: reg.strict}
	}
	r.logger.Debug("tool %s ok (%d bytes)", name, len(result))
	return result, nil
}

// Has reports whether a tool name resolves (delegate included).
func (r *Registry) Has(name string) bool {
	if name == DelegateToolName {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Manifest renders the tool inventory block injected into agent prompts,
// restricted to the given names when non-empty.
func (r *Registry) Manifest(allowed []string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allow := map[string]bool{}
	for _, name := range allowed {
		allow[name] = true
	}

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if len(allowed) == 0 || allow[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available tools (respond with {\"tool\": name, \"args\": {...}} to use one):\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, r.tools[name].tool.Description())
	}
	return b.String()
}
