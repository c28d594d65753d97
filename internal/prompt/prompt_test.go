package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/sessions"
	"github.com/tamias-dev/tamias/internal/skills"
)

func testComposer(t *testing.T) (*Composer, config.Paths) {
	t.Helper()
	paths := config.Paths{Root: t.TempDir()}
	loader := skills.NewLoader(paths.SkillsDir())
	if err := loader.Load(); err != nil {
		t.Fatal(err)
	}
	c := NewComposer(paths, loader, "test")
	c.now = func() time.Time { return time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC) }
	return c, paths
}

func mustWrite(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// TestComposeSectionOrder verifies the blocks appear in their fixed order:
// identity first, user profile, then skills, summary and tools.
func TestComposeSectionOrder(t *testing.T) {
	c, paths := testComposer(t)
	mustWrite(t, filepath.Join(paths.MemoryDir(), "IDENTITY.md"), "I am careful.")
	mustWrite(t, filepath.Join(paths.MemoryDir(), "USER.md"), "- Prefers short answers")
	mustWrite(t, filepath.Join(paths.SkillsDir(), "weather", "SKILL.md"), "Check wttr.in")
	if err := c.skills.Load(); err != nil {
		t.Fatal(err)
	}

	out := c.Compose(Input{
		Session:   sessions.Snapshot{Session: sessions.Session{Summary: "talked about dogs"}},
		ToolNames: []string{"terminal__run_command"},
	})

	order := []string{
		"I am careful.",
		"## About the user",
		"## Skills",
		"## Conversation so far",
		"## Available tools",
	}
	last := -1
	for _, marker := range order {
		idx := strings.Index(out, marker)
		if idx < 0 {
			t.Fatalf("prompt missing %q:\n%s", marker, out)
		}
		if idx < last {
			t.Errorf("%q appears before the preceding section", marker)
		}
		last = idx
	}
	if !strings.Contains(out, "terminal__run_command") {
		t.Errorf("tool names missing from prompt")
	}
}

// TestComposeAbsentSourcesDropSections verifies missing files leave no empty
// headings behind.
func TestComposeAbsentSourcesDropSections(t *testing.T) {
	c, _ := testComposer(t)
	out := c.Compose(Input{Session: sessions.Snapshot{}})
	for _, absent := range []string{"## About the user", "## Skills", "## Project", "## Recent days", "## Conversation so far"} {
		if strings.Contains(out, absent) {
			t.Errorf("prompt contains %q with no backing files", absent)
		}
	}
	if !strings.Contains(out, "You are Tamias") {
		t.Errorf("identity line missing: %q", out)
	}
}

// TestComposeSubagentTask verifies sub-agent sessions get their task and the
// callback instruction in the identity block.
func TestComposeSubagentTask(t *testing.T) {
	c, _ := testComposer(t)
	out := c.Compose(Input{Session: sessions.Snapshot{Session: sessions.Session{
		IsSubagent: true,
		Task:       "summarize the quarterly report",
	}}})
	if !strings.Contains(out, "summarize the quarterly report") {
		t.Errorf("task missing from sub-agent prompt")
	}
	if !strings.Contains(out, "subagent__callback") {
		t.Errorf("callback instruction missing from sub-agent prompt")
	}
	if strings.Contains(out, "spawn a sub-agent") {
		t.Errorf("sub-agent prompt should not advertise spawning")
	}
}

// TestComposeDailyDigests verifies recent daily files are included newest
// last and older days are left out.
func TestComposeDailyDigests(t *testing.T) {
	c, paths := testComposer(t)
	mustWrite(t, filepath.Join(paths.DailyDir(), "2026-08-25.md"), "today entry")
	mustWrite(t, filepath.Join(paths.DailyDir(), "2026-08-24.md"), "yesterday entry")
	mustWrite(t, filepath.Join(paths.DailyDir(), "2026-08-01.md"), "ancient entry")

	out := c.Compose(Input{Session: sessions.Snapshot{}})
	if !strings.Contains(out, "yesterday entry") || !strings.Contains(out, "today entry") {
		t.Fatalf("recent daily entries missing:\n%s", out)
	}
	if strings.Contains(out, "ancient entry") {
		t.Errorf("entries older than the digest window must not appear")
	}
	if strings.Index(out, "yesterday entry") > strings.Index(out, "today entry") {
		t.Errorf("daily digests must be ordered oldest to newest")
	}
}

// TestComposeAgentPersonaFiles verifies markdown files in the agent dir are
// rendered as persona sections.
func TestComposeAgentPersonaFiles(t *testing.T) {
	c, paths := testComposer(t)
	agentDir := paths.AgentDir("helper")
	mustWrite(t, filepath.Join(agentDir, "STYLE.md"), "Always sign off with a pun.")

	out := c.Compose(Input{
		Session:           sessions.Snapshot{Session: sessions.Session{AgentDir: agentDir}},
		AgentName:         "Helper",
		AgentInstructions: "You handle support tickets.",
	})
	if !strings.Contains(out, "You are Helper") {
		t.Errorf("agent name missing from identity line")
	}
	if !strings.Contains(out, "You handle support tickets.") {
		t.Errorf("agent instructions missing")
	}
	if !strings.Contains(out, "Always sign off with a pun.") {
		t.Errorf("agent persona file missing")
	}
}
