// Package tools implements the internal tool catalog and the per-session
// resolution of the effective tool set. Internal tools are grouped into
// categories and exposed to the LLM under flattened "{category}__{function}"
// names; MCP bridge tools register into the same catalog under
// "{server}__{tool}". Config gates categories, functions, allowlists and
// timeouts; agent bindings can narrow the set further.
package tools

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tamias-dev/tamias/internal/providers"
)

// Tool is one function callable by the LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Internal tool categories. The flattened name's prefix selects the
// InternalToolConfig entry that gates it.
const (
	CategoryTerminal  = "terminal"
	CategoryWorkspace = "workspace"
	CategorySession   = "session"
	CategorySubagent  = "subagent"
	CategoryImage     = "image"
	CategoryGithub    = "github"
	CategoryCron      = "cron"
	CategoryEmail     = "email"
	CategorySelf      = "tamias-self"
	CategorySwarm     = "swarm"
	CategoryMemory    = "memory"
)

// Categories lists every internal tool category in catalog order.
func Categories() []string {
	return []string{
		CategoryTerminal, CategoryWorkspace, CategorySession, CategorySubagent,
		CategoryImage, CategoryGithub, CategoryCron, CategoryEmail,
		CategorySelf, CategorySwarm, CategoryMemory,
	}
}

// FlatName joins a category and function into the exposed tool name.
func FlatName(category, function string) string {
	return category + "__" + function
}

// SplitName separates a flattened tool name into its category (or MCP
// server) and function parts.
func SplitName(name string) (prefix, function string) {
	prefix, function, ok := strings.Cut(name, "__")
	if !ok {
		return "", name
	}
	return prefix, function
}

// ServerTool marks tools backed by an external MCP server. The catalog uses
// it to apply server-level gating instead of category gating.
type ServerTool interface {
	Server() string
}

// Registry is the process-wide tool catalog. Internal tools register at
// startup; MCP bridge tools come and go with their server connections.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by its flattened name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// snapshot returns the catalog in name order for deterministic resolution.
func (r *Registry) snapshot() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// Definitions converts tools to the provider-facing schema list.
func Definitions(ts []Tool) []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(ts))
	for _, t := range ts {
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}
