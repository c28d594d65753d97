package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tamias-dev/tamias/pkg/protocol"

	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/internal/sessions"
	"github.com/tamias-dev/tamias/internal/tools"
)

// defaultPersona names the daemon itself in handoff events when the session
// has no agent binding.
const defaultPersona = "tamias"

// Orchestrator performs the agent-level session operations: spawning
// sub-agent sessions, handing a conversation to another agent and resolving
// effective model chains.
type Orchestrator struct {
	cfg        *config.Config
	paths      config.Paths
	store      *sessions.Store
	registry   *Registry
	dispatcher *events.Dispatcher
}

var (
	_ tools.Spawner        = (*Orchestrator)(nil)
	_ tools.AgentDirectory = (*Orchestrator)(nil)
)

func NewOrchestrator(cfg *config.Config, paths config.Paths, store *sessions.Store, registry *Registry) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		paths:      paths,
		store:      store,
		registry:   registry,
		dispatcher: store.Dispatcher(),
	}
}

// Registry exposes the underlying agent registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// SpawnSubagent creates a background session owned by parentSessionID and
// enqueues the task as its first message. The "started" status lands on the
// parent's feed; terminal status follows from the runner.
func (o *Orchestrator) SpawnSubagent(ctx context.Context, parentSessionID string, req tools.SpawnRequest) (tools.SpawnInfo, error) {
	parent, ok := o.store.Snapshot(parentSessionID)
	if !ok {
		return tools.SpawnInfo{}, fmt.Errorf("parent session %s: %w", parentSessionID, sessions.ErrNotFound)
	}

	params := sessions.CreateParams{
		Model:           req.Model,
		ParentSessionID: parent.ID,
		Task:            req.Task,
		ProjectSlug:     parent.ProjectSlug,
	}
	if req.AgentID != "" {
		agent, found := o.registry.Get(req.AgentID)
		if !found {
			return tools.SpawnInfo{}, fmt.Errorf("unknown agent %q", req.AgentID)
		}
		if !agent.Enabled {
			return tools.SpawnInfo{}, fmt.Errorf("agent %q is disabled", agent.Slug)
		}
		params.AgentID = agent.ID
		params.AgentSlug = agent.Slug
		params.AgentDir = o.paths.AgentDir(agent.Slug)
		if params.Model == "" {
			params.Model = agent.Model
		}
	}

	snap, err := o.store.CreateSession(params)
	if err != nil {
		return tools.SpawnInfo{}, err
	}

	first := req.Task
	if req.Instructions != "" {
		first += "\n\n" + req.Instructions
	}
	if err := o.store.EnqueueMessage(snap.ID, sessions.MessageJob{Content: first}); err != nil {
		return tools.SpawnInfo{}, fmt.Errorf("enqueue sub-agent task: %w", err)
	}

	o.dispatcher.Emit(parent.ID, protocol.SubagentStatus{
		SubagentID:      snap.ID,
		ParentSessionID: parent.ID,
		Task:            snap.Task,
		TaskSlug:        snap.TaskSlug,
		Status:          "started",
	})
	slog.Info("sub-agent spawned",
		"parent", parent.ID,
		"subagent", snap.ID,
		"task_slug", snap.TaskSlug,
		"agent", params.AgentSlug,
	)
	return tools.SpawnInfo{SessionID: snap.ID, TaskSlug: snap.TaskSlug}, nil
}

// ListAgents reports the full roster, disabled agents included.
func (o *Orchestrator) ListAgents() []tools.AgentSummary {
	agents := o.registry.List()
	out := make([]tools.AgentSummary, 0, len(agents))
	for _, a := range agents {
		out = append(out, tools.AgentSummary{
			ID:          a.ID,
			Slug:        a.Slug,
			Name:        a.Name,
			Description: summaryLine(a.Instructions),
			Model:       a.Model,
			Enabled:     a.Enabled,
		})
	}
	return out
}

// HandoffSession moves a bridge conversation to a fresh session bound to the
// target agent. The old session keeps its history but goes inactive; the new
// one starts from a system note carrying the reason and compressed context,
// never the raw prior messages.
func (o *Orchestrator) HandoffSession(ctx context.Context, sessionID, targetAgentID, reason, note string) (tools.HandoffInfo, error) {
	snap, ok := o.store.Snapshot(sessionID)
	if !ok {
		return tools.HandoffInfo{}, fmt.Errorf("session %s: %w", sessionID, sessions.ErrNotFound)
	}
	if snap.ChannelID == "" || snap.ChannelUserID == "" {
		return tools.HandoffInfo{}, fmt.Errorf("session %s has no bridge binding to hand off", sessionID)
	}

	target, found := o.registry.Get(targetAgentID)
	if !found {
		return tools.HandoffInfo{}, fmt.Errorf("unknown agent %q", targetAgentID)
	}
	if !target.Enabled {
		return tools.HandoffInfo{}, fmt.Errorf("agent %q is disabled", target.Slug)
	}

	fromAgent := snap.AgentSlug
	if fromAgent == "" {
		fromAgent = defaultPersona
	}
	if fromAgent == target.Slug {
		return tools.HandoffInfo{}, fmt.Errorf("session already belongs to agent %q", target.Slug)
	}

	sysNote := fmt.Sprintf("Conversation handed off from %s to %s. Reason: %s", fromAgent, target.Slug, reason)
	if note != "" {
		sysNote += "\nContext from the previous agent: " + note
	}

	// Created unbound; RebindBridge installs the index entry and retires the
	// old session in one step.
	fresh, err := o.store.CreateSession(sessions.CreateParams{
		Model:       target.Model,
		ChannelName: snap.ChannelName,
		ProjectSlug: snap.ProjectSlug,
		AgentID:     target.ID,
		AgentSlug:   target.Slug,
		AgentDir:    o.paths.AgentDir(target.Slug),
		SystemNote:  sysNote,
	})
	if err != nil {
		return tools.HandoffInfo{}, fmt.Errorf("create handoff session: %w", err)
	}
	if err := o.store.RebindBridge(snap.ChannelID, snap.ChannelUserID, fresh.ID); err != nil {
		return tools.HandoffInfo{}, fmt.Errorf("rebind bridge: %w", err)
	}

	o.dispatcher.Emit(fresh.ID, protocol.AgentHandoff{
		FromAgent: fromAgent,
		ToAgent:   target.Slug,
		Reason:    reason,
	})

	if err := o.store.Save(snap.ID); err != nil {
		slog.Warn("handoff: old session save failed", "session", snap.ID, "error", err)
	}
	if err := o.store.Save(fresh.ID); err != nil {
		slog.Warn("handoff: new session save failed", "session", fresh.ID, "error", err)
	}
	slog.Info("conversation handed off",
		"from_agent", fromAgent,
		"to_agent", target.Slug,
		"old_session", snap.ID,
		"new_session", fresh.ID,
	)
	return tools.HandoffInfo{FromAgent: fromAgent, ToAgent: target.Slug, NewSessionID: fresh.ID}, nil
}

// ResolveAgentModelChain builds the degradation sequence for an agent-bound
// session: the agent's own model and fallbacks first, then the global chain.
func (o *Orchestrator) ResolveAgentModelChain(agent Agent) []string {
	var chain []string
	if agent.Model != "" {
		chain = append(chain, agent.Model)
	}
	for _, m := range agent.ModelFallbacks {
		if m != "" {
			chain = append(chain, m)
		}
	}
	return append(chain, o.cfg.DefaultModelChain()...)
}

// RestrictionFor narrows the tool surface for an agent-bound session. An
// unknown or empty agent id imposes nothing.
func (o *Orchestrator) RestrictionFor(agentID string) tools.Restriction {
	if agentID == "" {
		return tools.Restriction{}
	}
	agent, ok := o.registry.Get(agentID)
	if !ok {
		return tools.Restriction{}
	}
	return tools.Restriction{
		AllowedTools:      agent.AllowedTools,
		AllowedMcpServers: agent.AllowedMcpServers,
	}
}
