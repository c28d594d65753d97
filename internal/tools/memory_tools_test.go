package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tamias-dev/tamias/internal/config"
)

// TestRememberAppendsToPersonaFile verifies remember creates and appends
// bullet entries, and rejects non-persona targets.
func TestRememberAppendsToPersonaFile(t *testing.T) {
	paths := config.Paths{Root: t.TempDir()}
	tool := NewRememberTool(nil, paths)
	ctx := context.Background()

	res := tool.Execute(ctx, map[string]interface{}{"content": "prefers short answers"})
	if res.IsError {
		t.Fatalf("remember: %q", res.ForLLM)
	}
	res = tool.Execute(ctx, map[string]interface{}{"content": "lives in Lisbon", "file": "USER.md"})
	if res.IsError {
		t.Fatalf("remember second: %q", res.ForLLM)
	}

	data, err := os.ReadFile(filepath.Join(paths.MemoryDir(), "USER.md"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, "- prefers short answers") || !strings.Contains(content, "- lives in Lisbon") {
		t.Errorf("USER.md = %q", content)
	}

	res = tool.Execute(ctx, map[string]interface{}{"content": "x", "file": "../escape.md"})
	if !res.IsError {
		t.Errorf("path traversal accepted: %+v", res)
	}
	res = tool.Execute(ctx, map[string]interface{}{"content": "x", "file": "NOTES.md"})
	if !res.IsError {
		t.Errorf("arbitrary file accepted: %+v", res)
	}
}

// TestDailyLogWritesDatedFile verifies daily_log lands in daily/YYYY-MM-DD.md
// with a time heading.
func TestDailyLogWritesDatedFile(t *testing.T) {
	paths := config.Paths{Root: t.TempDir()}
	tool := NewDailyLogTool(nil, paths)
	fixed := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	tool.now = func() time.Time { return fixed }

	res := tool.Execute(context.Background(), map[string]interface{}{"content": "shipped the report"})
	if res.IsError {
		t.Fatalf("daily_log: %q", res.ForLLM)
	}

	data, err := os.ReadFile(filepath.Join(paths.DailyDir(), "2026-08-25.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "## 14:30") || !strings.Contains(string(data), "shipped the report") {
		t.Errorf("daily file = %q", string(data))
	}
}

// TestReadMemoryListsAndReads verifies the read tool's listing and file
// modes, including the not-found message.
func TestReadMemoryListsAndReads(t *testing.T) {
	paths := config.Paths{Root: t.TempDir()}
	if err := os.MkdirAll(paths.DailyDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(paths.MemoryDir(), "IDENTITY.md"), []byte("# Tamias"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := NewReadMemoryTool(nil, paths)
	ctx := context.Background()

	res := tool.Execute(ctx, map[string]interface{}{})
	if res.IsError || !strings.Contains(res.ForLLM, "IDENTITY.md") {
		t.Errorf("listing: %+v", res)
	}

	res = tool.Execute(ctx, map[string]interface{}{"file": "IDENTITY.md"})
	if res.IsError || res.ForLLM != "# Tamias" {
		t.Errorf("read: %+v", res)
	}

	res = tool.Execute(ctx, map[string]interface{}{"file": "missing.md"})
	if !res.IsError || !strings.Contains(res.ForLLM, "does not exist") {
		t.Errorf("missing file: %+v", res)
	}

	res = tool.Execute(ctx, map[string]interface{}{"file": "../../etc/passwd"})
	if !res.IsError {
		t.Errorf("traversal accepted: %+v", res)
	}
}
