// Package prompt composes the out-of-band system prompt for a session turn.
// The prompt is rebuilt per turn so memory files, skills and project context
// stay fresh without touching session history.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/sessions"
	"github.com/tamias-dev/tamias/internal/skills"
)

// dailyDigestDays is how many recent daily files feed the prompt.
const dailyDigestDays = 3

// maxFileBytes caps any single memory or persona file in the prompt.
const maxFileBytes = 32 * 1024

// Input carries the per-turn facts the composer needs beyond what it reads
// from disk.
type Input struct {
	Session           sessions.Snapshot
	Model             string
	AgentName         string
	AgentInstructions string
	ExtraSkills       []string
	ToolNames         []string
}

// Composer builds system prompts from the on-disk layout. It holds no
// per-session state and is safe for concurrent use.
type Composer struct {
	paths   config.Paths
	skills  *skills.Loader
	version string
	now     func() time.Time
}

// NewComposer wires a composer over the daemon's paths and skill loader.
func NewComposer(paths config.Paths, loader *skills.Loader, version string) *Composer {
	return &Composer{paths: paths, skills: loader, version: version, now: time.Now}
}

// Compose renders the full system prompt for one turn. Sections appear in a
// fixed order; absent sources drop their section entirely.
func (c *Composer) Compose(in Input) string {
	var b strings.Builder

	c.identityBlock(&b, in)
	c.userBlock(&b)
	c.personaBlock(&b, in)
	c.skillsBlock(&b, in.ExtraSkills)
	c.projectBlock(&b, in.Session.ProjectSlug)
	c.dailyBlock(&b)
	c.summaryBlock(&b, in.Session.Summary)
	c.toolsBlock(&b, in.ToolNames)
	c.guidanceBlock(&b, in)

	return strings.TrimSpace(b.String())
}

func (c *Composer) identityBlock(b *strings.Builder, in Input) {
	name := in.AgentName
	if name == "" {
		name = "Tamias"
	}
	fmt.Fprintf(b, "You are %s, a persistent assistant running as a local daemon (tamias %s).\n", name, c.version)
	fmt.Fprintf(b, "Current time: %s\n", c.now().Format("Mon, 02 Jan 2006 15:04 MST"))
	if in.Session.ChannelID != "" {
		fmt.Fprintf(b, "You are talking over the %s channel.\n", channelLabel(in.Session.ChannelID))
	}
	if in.Session.IsSubagent {
		fmt.Fprintf(b, "You are a sub-agent working on one task: %s\n", in.Session.Task)
		b.WriteString("Report back with subagent__callback when the task reaches a terminal state.\n")
	}

	if body := c.readMemory("IDENTITY.md"); body != "" {
		b.WriteString("\n## Identity\n" + body + "\n")
	}
	if body := c.readMemory("SOUL.md"); body != "" {
		b.WriteString("\n" + body + "\n")
	}
}

func (c *Composer) userBlock(b *strings.Builder) {
	if body := c.readMemory("USER.md"); body != "" {
		b.WriteString("\n## About the user\n" + body + "\n")
	}
}

// personaBlock renders the agent binding: instructions from agents.json plus
// every markdown file in the agent's directory (sorted, memory/ excluded).
func (c *Composer) personaBlock(b *strings.Builder, in Input) {
	if in.AgentInstructions != "" {
		b.WriteString("\n## Instructions\n" + strings.TrimSpace(in.AgentInstructions) + "\n")
	}
	dir := in.Session.AgentDir
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		if body := readCapped(filepath.Join(dir, name)); body != "" {
			fmt.Fprintf(b, "\n## %s\n%s\n", strings.TrimSuffix(name, ".md"), body)
		}
	}
}

func (c *Composer) skillsBlock(b *strings.Builder, extra []string) {
	if c.skills == nil {
		return
	}
	list := c.skills.Filter(extra)
	if len(list) == 0 {
		return
	}
	b.WriteString("\n## Skills\n")
	for _, s := range list {
		fmt.Fprintf(b, "\n### %s\n%s\n", s.Name, s.Body)
	}
}

// projectBlock pulls the project's standing context files.
func (c *Composer) projectBlock(b *strings.Builder, slug string) {
	if slug == "" {
		return
	}
	dir := filepath.Join(c.paths.ProjectsDir(), slug)
	for _, name := range []string{"PROJECT.md", "ACTIVITY.md", "WORKSPACE.md", "NOTES.md"} {
		if body := readCapped(filepath.Join(dir, name)); body != "" {
			fmt.Fprintf(b, "\n## Project %s\n%s\n", strings.TrimSuffix(name, ".md"), body)
		}
	}
}

// dailyBlock includes the last few daily digests, newest last so the most
// recent context sits closest to the conversation.
func (c *Composer) dailyBlock(b *strings.Builder) {
	var parts []string
	for i := dailyDigestDays - 1; i >= 0; i-- {
		day := c.now().AddDate(0, 0, -i).Format("2006-01-02")
		body := readCapped(filepath.Join(c.paths.DailyDir(), day+".md"))
		if body == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("### %s\n%s", day, body))
	}
	if len(parts) == 0 {
		return
	}
	b.WriteString("\n## Recent days\n" + strings.Join(parts, "\n\n") + "\n")
}

func (c *Composer) summaryBlock(b *strings.Builder, summary string) {
	if summary == "" {
		return
	}
	b.WriteString("\n## Conversation so far\n" + strings.TrimSpace(summary) + "\n")
}

func (c *Composer) toolsBlock(b *strings.Builder, names []string) {
	if len(names) == 0 {
		return
	}
	b.WriteString("\n## Available tools\n" + strings.Join(names, ", ") + "\n")
}

func (c *Composer) guidanceBlock(b *strings.Builder, in Input) {
	b.WriteString("\n## Working style\n")
	b.WriteString("Use tools when they get the job done faster than asking. ")
	b.WriteString("Keep replies in plain conversational text sized for a chat window; no raw JSON unless asked. ")
	b.WriteString("Use memory__remember for durable facts and memory__daily_log for events worth recalling later.\n")
	if !in.Session.IsSubagent {
		b.WriteString("For long independent work, spawn a sub-agent instead of blocking this conversation.\n")
	}
}

// readMemory reads one file from the shared memory dir, empty when absent.
func (c *Composer) readMemory(name string) string {
	return readCapped(filepath.Join(c.paths.MemoryDir(), name))
}

func readCapped(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > maxFileBytes {
		data = data[:maxFileBytes]
	}
	return strings.TrimSpace(string(data))
}

// channelLabel turns a channel id like "discord:work" into a speakable name.
func channelLabel(channelID string) string {
	if i := strings.IndexByte(channelID, ':'); i > 0 {
		return channelID[:i]
	}
	return channelID
}
