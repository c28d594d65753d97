package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/sessions"
)

// StatusTool reports daemon health to the LLM. Exposed as tamias-self__status.
type StatusTool struct {
	cfg     *config.Config
	store   *sessions.Store
	version string
	started time.Time
}

func NewStatusTool(cfg *config.Config, store *sessions.Store, version string) *StatusTool {
	return &StatusTool{cfg: cfg, store: store, version: version, started: time.Now()}
}

func (t *StatusTool) Name() string { return FlatName(CategorySelf, "status") }
func (t *StatusTool) Description() string {
	return "Report the daemon's version, uptime, and session counts"
}

func (t *StatusTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *StatusTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	snaps := t.store.List()
	active, subagents := 0, 0
	for _, s := range snaps {
		if s.Processing || s.QueueLength > 0 {
			active++
		}
		if s.IsSubagent {
			subagents++
		}
	}
	out, err := json.Marshal(map[string]interface{}{
		"version":       t.version,
		"uptimeSeconds": int(time.Since(t.started).Seconds()),
		"sessions":      len(snaps),
		"activeTurns":   active,
		"subagents":     subagents,
		"connections":   len(t.cfg.Connections),
		"debug":         t.cfg.Debug,
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode status: %v", err))
	}
	return SilentResult(string(out))
}

// ListModelsTool lists every model reachable through configured connections.
// Exposed as tamias-self__list_models.
type ListModelsTool struct {
	cfg *config.Config
}

func NewListModelsTool(cfg *config.Config) *ListModelsTool {
	return &ListModelsTool{cfg: cfg}
}

func (t *ListModelsTool) Name() string { return FlatName(CategorySelf, "list_models") }
func (t *ListModelsTool) Description() string {
	return "List the model references this daemon can switch sessions to"
}

func (t *ListModelsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListModelsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	type modelEntry struct {
		Ref      string `json:"ref"`
		Provider string `json:"provider"`
		Default  bool   `json:"default,omitempty"`
	}
	defaults := make(map[string]bool, len(t.cfg.DefaultModels))
	for _, ref := range t.cfg.DefaultModels {
		defaults[ref] = true
	}
	var models []modelEntry
	for nick, conn := range t.cfg.Connections {
		for _, id := range conn.SelectedModels {
			ref := nick + "/" + id
			models = append(models, modelEntry{Ref: ref, Provider: conn.Provider, Default: defaults[ref]})
		}
	}
	out, err := json.Marshal(map[string]interface{}{
		"count":  len(models),
		"models": models,
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode models: %v", err))
	}
	return SilentResult(string(out))
}
