package agents

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tamias-dev/tamias/pkg/protocol"

	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/internal/sessions"
	"github.com/tamias-dev/tamias/internal/tools"
)

func testOrchestrator(t *testing.T, agentsJSON string) (*Orchestrator, *sessions.Store, *events.Dispatcher) {
	t.Helper()
	cfg := &config.Config{
		Connections: map[string]config.Connection{
			"main": {Provider: config.ProviderOpenAI, EnvKeyName: "OPENAI_API_KEY", SelectedModels: []string{"gpt-4.1"}},
		},
		DefaultModels: []string{"main/gpt-4.1"},
	}
	paths := config.Paths{Root: t.TempDir()}
	if err := paths.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	dispatcher := events.NewDispatcher()
	store := sessions.NewStore(cfg, paths, dispatcher)

	registry := NewRegistry(writeAgents(t, paths.Root, agentsJSON))
	if err := registry.Load(); err != nil {
		t.Fatal(err)
	}
	return NewOrchestrator(cfg, paths, store, registry), store, dispatcher
}

const rosterJSON = `{
	"agents": [
		{"id": "agent_ops", "slug": "ops", "name": "Ops", "model": "main/gpt-4.1",
		 "modelFallbacks": ["", "main/gpt-4.1"], "enabled": true,
		 "instructions": "Handles infrastructure questions.\nLong form details.",
		 "allowedTools": ["terminal", "workspace"], "allowedMcpServers": ["grafana"]},
		{"id": "agent_off", "slug": "dormant", "name": "Dormant", "enabled": false}
	]
}`

// TestSpawnSubagent creates a child session, queues the task and reports
// "started" on the parent's feed.
func TestSpawnSubagent(t *testing.T) {
	o, store, dispatcher := testOrchestrator(t, rosterJSON)

	parent, err := store.CreateSession(sessions.CreateParams{ChannelID: "terminal", ChannelUserID: "local"})
	if err != nil {
		t.Fatal(err)
	}

	statusCh := make(chan protocol.SubagentStatus, 1)
	dispatcher.Subscribe(parent.ID, "test", func(sessionID string, ev protocol.Event) {
		if s, ok := ev.(protocol.SubagentStatus); ok {
			statusCh <- s
		}
	})

	info, err := o.SpawnSubagent(context.Background(), parent.ID, tools.SpawnRequest{
		Task:         "Audit the backup jobs",
		AgentID:      "ops",
		Instructions: "Check the last seven days only.",
	})
	if err != nil {
		t.Fatal(err)
	}
	if info.TaskSlug != "audit-the-backup-jobs" {
		t.Errorf("TaskSlug = %q", info.TaskSlug)
	}

	child, ok := store.Snapshot(info.SessionID)
	if !ok {
		t.Fatal("child session missing")
	}
	if !child.IsSubagent || child.ParentSessionID != parent.ID {
		t.Fatalf("child lineage wrong: %+v", child)
	}
	if child.SubagentStatus != sessions.StatusRunning {
		t.Errorf("SubagentStatus = %q", child.SubagentStatus)
	}
	if child.AgentSlug != "ops" || child.AgentDir == "" {
		t.Errorf("agent binding not applied: slug=%q dir=%q", child.AgentSlug, child.AgentDir)
	}
	if child.QueueLength != 1 {
		t.Errorf("QueueLength = %d, want the task queued", child.QueueLength)
	}

	select {
	case s := <-statusCh:
		if s.Status != "started" || s.SubagentID != info.SessionID || s.TaskSlug != info.TaskSlug {
			t.Errorf("started event = %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subagent-status on the parent")
	}
}

// TestSpawnSubagentRejections covers unknown parent, unknown agent and
// disabled agent.
func TestSpawnSubagentRejections(t *testing.T) {
	o, store, _ := testOrchestrator(t, rosterJSON)
	parent, err := store.CreateSession(sessions.CreateParams{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := o.SpawnSubagent(context.Background(), "sess_missing", tools.SpawnRequest{Task: "x"}); err == nil {
		t.Error("unknown parent should fail")
	}
	if _, err := o.SpawnSubagent(context.Background(), parent.ID, tools.SpawnRequest{Task: "x", AgentID: "nobody"}); err == nil {
		t.Error("unknown agent should fail")
	}
	_, err = o.SpawnSubagent(context.Background(), parent.ID, tools.SpawnRequest{Task: "x", AgentID: "dormant"})
	if err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Errorf("disabled agent: err = %v", err)
	}
}

// TestHandoffSession rebinds the conversation to a fresh agent-bound session,
// retires the old one and emits agent-handoff on the new feed.
func TestHandoffSession(t *testing.T) {
	o, store, dispatcher := testOrchestrator(t, rosterJSON)

	old, err := store.CreateSession(sessions.CreateParams{ChannelID: "discord:work", ChannelUserID: "chan42", ChannelName: "#work"})
	if err != nil {
		t.Fatal(err)
	}

	handoffCh := make(chan protocol.AgentHandoff, 1)
	dispatcher.SubscribeAll("test", func(sessionID string, ev protocol.Event) {
		if h, ok := ev.(protocol.AgentHandoff); ok {
			handoffCh <- h
		}
	})

	info, err := o.HandoffSession(context.Background(), old.ID, "ops", "needs infra access", "user wants a Grafana dashboard")
	if err != nil {
		t.Fatal(err)
	}
	if info.FromAgent != "tamias" || info.ToAgent != "ops" {
		t.Errorf("info = %+v", info)
	}

	boundID, ok := store.GetSessionForBridge("discord:work", "chan42")
	if !ok || boundID != info.NewSessionID {
		t.Fatalf("bridge bound to %q, want new session %q", boundID, info.NewSessionID)
	}

	oldSnap, _ := store.Snapshot(old.ID)
	if !oldSnap.Inactive {
		t.Error("old session should be inactive")
	}
	if err := store.EnqueueMessage(old.ID, sessions.MessageJob{Content: "hi"}); err == nil {
		t.Error("enqueue on retired session should fail")
	}

	fresh, _ := store.Snapshot(info.NewSessionID)
	if fresh.AgentSlug != "ops" {
		t.Errorf("new session agent = %q", fresh.AgentSlug)
	}
	history := store.History(info.NewSessionID)
	if len(history) != 1 || history[0].Role != "system" {
		t.Fatalf("history = %+v, want the single system note", history)
	}
	if !strings.Contains(history[0].Content, "needs infra access") ||
		!strings.Contains(history[0].Content, "Grafana dashboard") {
		t.Errorf("system note = %q", history[0].Content)
	}
	if strings.Contains(history[0].Content, "hi") {
		t.Error("system note must not carry raw prior messages")
	}

	select {
	case h := <-handoffCh:
		if h.FromAgent != "tamias" || h.ToAgent != "ops" || h.Reason != "needs infra access" {
			t.Errorf("agent-handoff = %+v", h)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no agent-handoff event")
	}
}

// TestHandoffRejections covers the guard conditions.
func TestHandoffRejections(t *testing.T) {
	o, store, _ := testOrchestrator(t, rosterJSON)

	unbound, err := store.CreateSession(sessions.CreateParams{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.HandoffSession(context.Background(), unbound.ID, "ops", "r", ""); err == nil {
		t.Error("handoff without bridge binding should fail")
	}

	bound, err := store.CreateSession(sessions.CreateParams{
		ChannelID: "terminal", ChannelUserID: "local",
		AgentID: "agent_ops", AgentSlug: "ops",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.HandoffSession(context.Background(), bound.ID, "ops", "r", ""); err == nil {
		t.Error("handoff to the current agent should fail")
	}
	if _, err := o.HandoffSession(context.Background(), bound.ID, "dormant", "r", ""); err == nil {
		t.Error("handoff to a disabled agent should fail")
	}
	if _, err := o.HandoffSession(context.Background(), bound.ID, "ghost", "r", ""); err == nil {
		t.Error("handoff to an unknown agent should fail")
	}
}

// TestResolveAgentModelChain filters empties and appends the global chain.
func TestResolveAgentModelChain(t *testing.T) {
	o, _, _ := testOrchestrator(t, rosterJSON)
	agent, _ := o.Registry().Get("ops")

	chain := o.ResolveAgentModelChain(agent)
	want := []string{"main/gpt-4.1", "main/gpt-4.1", "main/gpt-4.1"}
	if len(chain) != len(want) {
		t.Fatalf("chain = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Fatalf("chain[%d] = %q, want %q", i, chain[i], want[i])
		}
	}

	bare := o.ResolveAgentModelChain(Agent{})
	if len(bare) != 1 || bare[0] != "main/gpt-4.1" {
		t.Fatalf("bare chain = %v, want just the global chain", bare)
	}
}

// TestRestrictionFor narrows tools for bound agents only.
func TestRestrictionFor(t *testing.T) {
	o, _, _ := testOrchestrator(t, rosterJSON)

	r := o.RestrictionFor("agent_ops")
	if len(r.AllowedTools) != 2 || r.AllowedTools[0] != "terminal" {
		t.Errorf("AllowedTools = %v", r.AllowedTools)
	}
	if len(r.AllowedMcpServers) != 1 || r.AllowedMcpServers[0] != "grafana" {
		t.Errorf("AllowedMcpServers = %v", r.AllowedMcpServers)
	}

	if r := o.RestrictionFor(""); len(r.AllowedTools) != 0 || len(r.AllowedMcpServers) != 0 {
		t.Errorf("empty id restriction = %+v", r)
	}
	if r := o.RestrictionFor("ghost"); len(r.AllowedTools) != 0 {
		t.Errorf("unknown id restriction = %+v", r)
	}
}

// TestListAgents carries the roster with descriptions and enabled flags.
func TestListAgents(t *testing.T) {
	o, _, _ := testOrchestrator(t, rosterJSON)

	list := o.ListAgents()
	if len(list) != 2 {
		t.Fatalf("ListAgents() = %d entries, want 2", len(list))
	}
	var ops tools.AgentSummary
	for _, a := range list {
		if a.Slug == "ops" {
			ops = a
		}
	}
	if ops.Description != "Handles infrastructure questions." {
		t.Errorf("Description = %q", ops.Description)
	}
	if !ops.Enabled {
		t.Error("ops should be enabled")
	}
}
