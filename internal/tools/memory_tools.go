package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/sessions"
)

// personaFiles is the closed set of memory files the remember tool may
// append to. Everything else in the memory dir is read-only to the LLM.
var personaFiles = map[string]bool{
	"USER.md":      true,
	"IDENTITY.md":  true,
	"SOUL.md":      true,
	"HEARTBEAT.md": true,
}

// memoryDirs resolves the memory root for the calling session. Agent-bound
// sessions get the agent's own memory dir; everything else shares the
// daemon-wide one.
type memoryDirs struct {
	store *sessions.Store
	paths config.Paths
}

func (m memoryDirs) dirFor(ctx context.Context) string {
	if id := SessionIDFromCtx(ctx); id != "" && m.store != nil {
		if snap, ok := m.store.Snapshot(id); ok && snap.AgentDir != "" {
			return filepath.Join(snap.AgentDir, "memory")
		}
	}
	return m.paths.MemoryDir()
}

// RememberTool appends a durable fact to a persona file. Exposed as
// memory__remember.
type RememberTool struct {
	dirs memoryDirs
}

func NewRememberTool(store *sessions.Store, paths config.Paths) *RememberTool {
	return &RememberTool{dirs: memoryDirs{store: store, paths: paths}}
}

func (t *RememberTool) Name() string { return FlatName(CategoryMemory, "remember") }
func (t *RememberTool) Description() string {
	return "Store a durable fact about the user or yourself. Facts survive compaction and restarts."
}

func (t *RememberTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember, one or two sentences",
			},
			"file": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"USER.md", "IDENTITY.md", "SOUL.md", "HEARTBEAT.md"},
				"description": "Which persona file to append to (default USER.md)",
			},
		},
		"required": []string{"content"},
	}
}

func (t *RememberTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrorResult("content is required")
	}
	file, _ := args["file"].(string)
	if file == "" {
		file = "USER.md"
	}
	if !personaFiles[filepath.Base(file)] || file != filepath.Base(file) {
		return ErrorResult(fmt.Sprintf("%q is not a persona file", file))
	}
	dir := t.dirs.dirFor(ctx)
	if err := appendMemoryLine(filepath.Join(dir, file), "- "+content); err != nil {
		return ErrorResult(fmt.Sprintf("remember failed: %v", err))
	}
	return SilentResult(fmt.Sprintf("remembered in %s", file))
}

// ReadMemoryTool reads a memory file or lists the memory dir. Exposed as
// memory__read.
type ReadMemoryTool struct {
	dirs memoryDirs
}

func NewReadMemoryTool(store *sessions.Store, paths config.Paths) *ReadMemoryTool {
	return &ReadMemoryTool{dirs: memoryDirs{store: store, paths: paths}}
}

func (t *ReadMemoryTool) Name() string { return FlatName(CategoryMemory, "read") }
func (t *ReadMemoryTool) Description() string {
	return "Read a memory file, or list all memory files when no file is given"
}

func (t *ReadMemoryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"file": map[string]interface{}{
				"type":        "string",
				"description": "File name relative to the memory dir, e.g. USER.md or daily/2026-08-25.md",
			},
		},
	}
}

func (t *ReadMemoryTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	dir := t.dirs.dirFor(ctx)
	file, _ := args["file"].(string)
	if file == "" {
		listing, err := listMemoryFiles(dir)
		if err != nil {
			return ErrorResult(fmt.Sprintf("list memory: %v", err))
		}
		out, _ := json.Marshal(map[string]interface{}{"files": listing})
		return SilentResult(string(out))
	}
	resolved, err := resolvePath(file, dir)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrorResult(fmt.Sprintf("memory file %s does not exist", file))
		}
		return ErrorResult(fmt.Sprintf("read %s: %v", file, err))
	}
	return SilentResult(string(data))
}

// DailyLogTool appends a timestamped entry to today's daily digest. Exposed
// as memory__daily_log.
type DailyLogTool struct {
	dirs memoryDirs
	now  func() time.Time
}

func NewDailyLogTool(store *sessions.Store, paths config.Paths) *DailyLogTool {
	return &DailyLogTool{dirs: memoryDirs{store: store, paths: paths}, now: time.Now}
}

func (t *DailyLogTool) Name() string { return FlatName(CategoryMemory, "daily_log") }
func (t *DailyLogTool) Description() string {
	return "Append a timestamped note to today's daily log"
}

func (t *DailyLogTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "What happened, worth recalling in future days",
			},
		},
		"required": []string{"content"},
	}
}

func (t *DailyLogTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrorResult("content is required")
	}
	now := t.now()
	path := filepath.Join(t.dirs.dirFor(ctx), "daily", now.Format("2006-01-02")+".md")
	entry := fmt.Sprintf("## %s\n%s", now.Format("15:04"), content)
	if err := appendMemoryLine(path, entry); err != nil {
		return ErrorResult(fmt.Sprintf("daily log failed: %v", err))
	}
	return SilentResult(fmt.Sprintf("logged to daily/%s.md", now.Format("2006-01-02")))
}

// appendMemoryLine appends one block to a memory file, creating parents and
// keeping a single blank line between blocks.
func appendMemoryLine(path, block string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		block = "\n" + block
	}
	if _, err := f.WriteString(block + "\n"); err != nil {
		return err
	}
	return f.Sync()
}

func listMemoryFiles(dir string) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return nil
		}
		info, infoErr := d.Info()
		size := int64(0)
		if infoErr == nil {
			size = info.Size()
		}
		out = append(out, map[string]interface{}{"name": rel, "sizeBytes": size})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["name"].(string) < out[j]["name"].(string)
	})
	return out, nil
}
