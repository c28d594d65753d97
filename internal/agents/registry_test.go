package agents

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeAgents(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "agents.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestRegistryLoad parses agents.json, fills defaulted fields and indexes by
// both id and slug.
func TestRegistryLoad(t *testing.T) {
	path := writeAgents(t, t.TempDir(), `{
		"agents": [
			{"id": "agent_1", "slug": "ops", "name": "Ops", "model": "main/gpt-4.1", "enabled": true,
			 "channels": ["discord:work"], "allowedTools": ["workspace"], "allowedMcpServers": ["jira"]},
			{"slug": "writer", "enabled": false},
			{"name": "orphan"}
		]
	}`)

	r := NewRegistry(path)
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}

	agents := r.List()
	if len(agents) != 2 {
		t.Fatalf("List() = %d agents, want 2 (entry without id/slug dropped)", len(agents))
	}

	ops, ok := r.Get("agent_1")
	if !ok || ops.Slug != "ops" {
		t.Fatalf("Get by id = %+v, %v", ops, ok)
	}
	if byslug, ok := r.Get("ops"); !ok || byslug.ID != "agent_1" {
		t.Fatalf("Get by slug = %+v, %v", byslug, ok)
	}

	writer, ok := r.Get("writer")
	if !ok {
		t.Fatal("slug-only agent not found")
	}
	if writer.ID != "writer" || writer.Name != "writer" {
		t.Fatalf("defaults not applied: %+v", writer)
	}
}

// TestRegistryMissingFile leaves the registry empty without error.
func TestRegistryMissingFile(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "agents.json"))
	if err := r.Load(); err != nil {
		t.Fatalf("Load() on missing file = %v, want nil", err)
	}
	if got := r.List(); len(got) != 0 {
		t.Fatalf("List() = %v, want empty", got)
	}
}

// TestRegistryMalformedKeepsPrevious reports the parse error and keeps the
// last good content.
func TestRegistryMalformedKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := writeAgents(t, dir, `{"agents": [{"id": "a", "slug": "a", "enabled": true}]}`)

	r := NewRegistry(path)
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}

	writeAgents(t, dir, `{"agents": [`)
	if err := r.Load(); err == nil {
		t.Fatal("Load() on malformed file should error")
	}
	if _, ok := r.Get("a"); !ok {
		t.Fatal("previous content should survive a failed reload")
	}
}

// TestRegistryForChannel routes a channel to the first enabled claimant.
func TestRegistryForChannel(t *testing.T) {
	path := writeAgents(t, t.TempDir(), `{
		"agents": [
			{"id": "off", "slug": "off", "enabled": false, "channels": ["telegram:bot1"]},
			{"id": "on", "slug": "on", "enabled": true, "channels": ["telegram:bot1", "discord:work"]}
		]
	}`)
	r := NewRegistry(path)
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}

	a, ok := r.ForChannel("telegram:bot1")
	if !ok || a.ID != "on" {
		t.Fatalf("ForChannel = %+v, %v; want the enabled claimant", a, ok)
	}
	if _, ok := r.ForChannel("terminal"); ok {
		t.Fatal("unclaimed channel should resolve no agent")
	}
}

// TestSummaryLine compresses instructions into one bounded line.
func TestSummaryLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"Reviews pull requests.", "Reviews pull requests."},
		{"First line.\nSecond line.", "First line."},
	}
	for _, tt := range tests {
		if got := summaryLine(tt.in); got != tt.want {
			t.Errorf("summaryLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if long := summaryLine(strings.Repeat("y", 300)); len(long) > 120 {
		t.Fatalf("summaryLine should cap at 120 bytes, got %d", len(long))
	}
}
