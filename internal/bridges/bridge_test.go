package bridges

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tamias-dev/tamias/internal/agents"
	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/internal/sessions"
)

// newGatewayFixture builds a gateway over a real store with one configured
// connection and an empty agent registry.
func newGatewayFixture(t *testing.T) (*Gateway, *sessions.Store, *agents.Registry) {
	t.Helper()
	cfg := &config.Config{
		Version: config.Version,
		Connections: map[string]config.Connection{
			"main": {Provider: "openai", EnvKeyName: "OPENAI_API_KEY", SelectedModels: []string{"gpt-4.1"}},
		},
		DefaultModels: []string{"main/gpt-4.1"},
	}
	paths := config.Paths{Root: t.TempDir()}
	if err := paths.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	st := sessions.NewStore(cfg, paths, events.NewDispatcher())

	reg := agents.NewRegistry(filepath.Join(paths.Root, "agents.json"))
	if err := reg.Load(); err != nil {
		t.Fatalf("registry load: %v", err)
	}
	return NewGateway(st, reg, paths), st, reg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// syncBuffer is a goroutine-safe bytes.Buffer for bridge output capture.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// TestGatewayAcceptCreatesAndReuses binds the first message of a
// conversation to a fresh session and routes later ones to the same id.
func TestGatewayAcceptCreatesAndReuses(t *testing.T) {
	gw, st, _ := newGatewayFixture(t)

	in := events.InboundMessage{
		ChannelID:     "discord:main",
		ChannelUserID: "chan-1",
		Content:       "hello",
	}
	id1, err := gw.Accept(in, "discord:main")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	in.Content = "second"
	id2, err := gw.Accept(in, "discord:main")
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("conversation split across sessions: %s vs %s", id1, id2)
	}

	snap, ok := st.Snapshot(id1)
	if !ok {
		t.Fatal("session missing")
	}
	if snap.QueueLength != 2 {
		t.Fatalf("QueueLength = %d, want 2", snap.QueueLength)
	}
	if snap.ChannelID != "discord:main" || snap.ChannelUserID != "chan-1" {
		t.Fatalf("binding = %s/%s", snap.ChannelID, snap.ChannelUserID)
	}
}

// TestGatewayAcceptBindsClaimedAgent gives fresh conversations on a claimed
// channel the claiming agent's persona and model.
func TestGatewayAcceptBindsClaimedAgent(t *testing.T) {
	gw, st, reg := newGatewayFixture(t)

	agentsJSON := `{"agents":[{"id":"helper","slug":"helper","name":"Helper",
		"enabled":true,"model":"main/gpt-4.1","channels":["telegram:work"]}]}`
	path := filepath.Join(gw.paths.Root, "agents.json")
	if err := os.WriteFile(path, []byte(agentsJSON), 0o644); err != nil {
		t.Fatalf("write agents.json: %v", err)
	}
	if err := reg.Load(); err != nil {
		t.Fatalf("reload registry: %v", err)
	}

	id, err := gw.Accept(events.InboundMessage{
		ChannelID:     "telegram:work",
		ChannelUserID: "42",
		Content:       "hi",
	}, "telegram:work")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	snap, _ := st.Snapshot(id)
	if snap.AgentID != "helper" || snap.AgentSlug != "helper" {
		t.Fatalf("agent binding = %s/%s", snap.AgentID, snap.AgentSlug)
	}
	if snap.Model != "main/gpt-4.1" {
		t.Fatalf("model = %s", snap.Model)
	}

	// A channel no agent claims binds to no persona.
	id2, err := gw.Accept(events.InboundMessage{
		ChannelID:     "telegram:other",
		ChannelUserID: "42",
		Content:       "hi",
	}, "telegram:other")
	if err != nil {
		t.Fatalf("accept unclaimed: %v", err)
	}
	snap2, _ := st.Snapshot(id2)
	if snap2.AgentID != "" {
		t.Fatalf("unclaimed channel got agent %s", snap2.AgentID)
	}
}

// TestManagerWebhooks exposes only the bridges that need an HTTP route.
func TestManagerWebhooks(t *testing.T) {
	gw, _, _ := newGatewayFixture(t)

	t.Setenv("WA_TOKEN", "tok")
	wa, err := NewWhatsApp("biz", config.BridgeInstance{
		Enabled:       true,
		EnvKeyName:    "WA_TOKEN",
		PhoneNumberID: "100200",
	}, gw)
	if err != nil {
		t.Fatalf("NewWhatsApp: %v", err)
	}

	m := NewManager()
	m.Add(NewTerminal(gw, false, nil))
	m.Add(wa)

	hooks := m.Webhooks()
	if len(hooks) != 1 {
		t.Fatalf("len(hooks) = %d, want 1", len(hooks))
	}
	if hooks[0].WebhookPath() != "/webhooks/whatsapp/biz" {
		t.Fatalf("path = %s", hooks[0].WebhookPath())
	}
	if len(m.Bridges()) != 2 {
		t.Fatalf("bridges = %d, want 2", len(m.Bridges()))
	}
}
