package heartbeat

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tamias-dev/tamias/internal/agents"
	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/internal/sessions"
)

func newFixture(t *testing.T) (*Service, *sessions.Store, config.Paths) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg := config.Default()
	cfg.Connections = map[string]config.Connection{
		"main": {Provider: config.ProviderOpenAI, EnvKeyName: "OPENAI_API_KEY", SelectedModels: []string{"gpt-4.1"}},
	}
	cfg.DefaultModels = []string{"main/gpt-4.1"}
	cfg.Heartbeat = config.HeartbeatConfig{Enabled: true, Schedule: "* * * * *"}

	paths := config.Paths{Root: t.TempDir()}
	if err := paths.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	st := sessions.NewStore(cfg, paths, events.NewDispatcher())
	return New(cfg, paths, st, nil), st, paths
}

// A due tick creates the global heartbeat session and enqueues the built-in
// prompt when no HEARTBEAT.md exists.
func TestBeatCreatesGlobalSession(t *testing.T) {
	svc, st, _ := newFixture(t)

	svc.runDue(time.Now())

	id, ok := st.GetSessionForBridge("heartbeat", "global")
	if !ok {
		t.Fatal("no heartbeat session created")
	}
	job, ok := st.BeginTurn(id)
	if !ok {
		t.Fatal("nothing enqueued")
	}
	if job.Content != defaultPrompt {
		t.Fatalf("prompt = %q", job.Content)
	}
}

// memory/HEARTBEAT.md replaces the default prompt for the global beat.
func TestPromptFromMemoryFile(t *testing.T) {
	svc, st, paths := newFixture(t)
	custom := "Check the deploy queue and flag anything stuck."
	if err := os.WriteFile(filepath.Join(paths.MemoryDir(), "HEARTBEAT.md"), []byte(custom+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	svc.runDue(time.Now())

	id, _ := st.GetSessionForBridge("heartbeat", "global")
	job, ok := st.BeginTurn(id)
	if !ok {
		t.Fatal("nothing enqueued")
	}
	if job.Content != custom {
		t.Fatalf("prompt = %q", job.Content)
	}
}

// Agents with their own HEARTBEAT.md get a beat on an agent-bound session;
// agents without one are left alone.
func TestAgentBeats(t *testing.T) {
	svc, st, paths := newFixture(t)

	reg := agents.NewRegistry(paths.AgentsFile())
	agentsJSON := `{"agents":[
		{"id":"a1","slug":"helper","name":"Helper","enabled":true,"model":"main/gpt-4.1"},
		{"id":"a2","slug":"silent","name":"Silent","enabled":true}
	]}`
	if err := os.WriteFile(paths.AgentsFile(), []byte(agentsJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}
	svc.registry = reg

	dir := paths.AgentDir("helper")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "HEARTBEAT.md"), []byte("Review helper tasks."), 0o644); err != nil {
		t.Fatal(err)
	}

	svc.runDue(time.Now())

	id, ok := st.GetSessionForBridge("heartbeat", "helper")
	if !ok {
		t.Fatal("no helper heartbeat session")
	}
	snap, _ := st.Snapshot(id)
	if snap.AgentSlug != "helper" || snap.Model != "main/gpt-4.1" {
		t.Fatalf("snapshot = agent %q model %q", snap.AgentSlug, snap.Model)
	}
	job, _ := st.BeginTurn(id)
	if job.Content != "Review helper tasks." {
		t.Fatalf("prompt = %q", job.Content)
	}

	if _, ok := st.GetSessionForBridge("heartbeat", "silent"); ok {
		t.Fatal("agent without HEARTBEAT.md should not get beats")
	}
}

// A beat lands only when the previous one is done; busy sessions are skipped.
func TestBeatSkipsBusySession(t *testing.T) {
	svc, st, _ := newFixture(t)

	svc.runDue(time.Now())
	id, _ := st.GetSessionForBridge("heartbeat", "global")

	// First beat still queued.
	svc.runDue(time.Now())
	snap, _ := st.Snapshot(id)
	if snap.QueueLength != 1 {
		t.Fatalf("queue = %d, want 1", snap.QueueLength)
	}

	// Mid-turn counts as busy too.
	if _, ok := st.BeginTurn(id); !ok {
		t.Fatal("begin turn failed")
	}
	svc.runDue(time.Now())
	snap, _ = st.Snapshot(id)
	if snap.QueueLength != 0 {
		t.Fatalf("queue = %d, want 0", snap.QueueLength)
	}
}

// Disabled config and off-schedule ticks both do nothing.
func TestBeatGates(t *testing.T) {
	svc, st, _ := newFixture(t)

	svc.cfg.Heartbeat.Enabled = false
	svc.runDue(time.Now())
	if _, ok := st.GetSessionForBridge("heartbeat", "global"); ok {
		t.Fatal("disabled heartbeat still fired")
	}

	svc.cfg.Heartbeat.Enabled = true
	svc.cfg.Heartbeat.Schedule = "0 0 1 1 *"
	offSchedule := time.Date(2026, 6, 15, 10, 30, 0, 0, time.UTC)
	svc.runDue(offSchedule)
	if _, ok := st.GetSessionForBridge("heartbeat", "global"); ok {
		t.Fatal("off-schedule tick fired")
	}
}
