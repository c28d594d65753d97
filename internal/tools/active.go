package tools

import (
	"time"

	"github.com/tamias-dev/tamias/internal/config"
)

// ActiveSet is the effective tool surface for one session turn.
type ActiveSet struct {
	Tools []Tool
	Names []string
}

// Get returns a tool from the active set by name.
func (a ActiveSet) Get(name string) (Tool, bool) {
	for _, t := range a.Tools {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// Restriction narrows the catalog for an agent-bound session. Empty slices
// impose nothing.
type Restriction struct {
	// AllowedTools holds flattened names ("terminal__run_command") or bare
	// category names ("workspace") internal tools must match.
	AllowedTools []string
	// AllowedMcpServers restricts which MCP servers contribute tools.
	AllowedMcpServers []string
}

// ActiveFor resolves the catalog against the config and an optional agent
// restriction: disabled categories and functions drop out, allowlists and
// timeout overrides wrap what remains, and MCP tools pass only for enabled
// servers the agent may use.
func (r *Registry) ActiveFor(cfg *config.Config, restrict Restriction) ActiveSet {
	var set ActiveSet
	for _, t := range r.snapshot() {
		prefix, fn := SplitName(t.Name())

		if st, ok := t.(ServerTool); ok {
			server := st.Server()
			sc, exists := cfg.McpServers[server]
			if !exists || !sc.Enabled {
				continue
			}
			if fc, ok := sc.Functions[fn]; ok && fc.Enabled != nil && !*fc.Enabled {
				continue
			}
			if len(restrict.AllowedMcpServers) > 0 && !contains(restrict.AllowedMcpServers, server) {
				continue
			}
			t = applyFunctionCfg(t, sc.Functions[fn])
			set.Tools = append(set.Tools, t)
			set.Names = append(set.Names, t.Name())
			continue
		}

		tc, exists := cfg.InternalTools[prefix]
		if !exists || !tc.Enabled || !tc.FunctionEnabled(fn) {
			continue
		}
		if len(restrict.AllowedTools) > 0 &&
			!contains(restrict.AllowedTools, t.Name()) && !contains(restrict.AllowedTools, prefix) {
			continue
		}
		t = applyFunctionCfg(t, tc.Functions[fn])
		set.Tools = append(set.Tools, t)
		set.Names = append(set.Names, t.Name())
	}
	return set
}

func applyFunctionCfg(t Tool, fc config.ToolFunctionCfg) Tool {
	if len(fc.Allowlist) > 0 {
		t = WithAllowlist(t, fc.Allowlist)
	}
	if fc.TimeoutSec > 0 {
		t = WithTimeout(t, time.Duration(fc.TimeoutSec)*time.Second)
	}
	return t
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
