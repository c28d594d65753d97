package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestResolvePathEscapes verifies traversal and absolute paths outside the
// workspace are rejected while inside paths resolve.
func TestResolvePathEscapes(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "inside.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative inside", "inside.txt", false},
		{"new file inside", "sub/new.txt", false},
		{"dot", ".", false},
		{"parent traversal", "../outside.txt", true},
		{"deep traversal", "sub/../../outside.txt", true},
		{"absolute outside", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolvePath(tt.path, ws)
			if (err != nil) != tt.wantErr {
				t.Errorf("resolvePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

// TestResolvePathSymlinkEscape verifies a symlink inside the workspace that
// targets the outside is rejected.
func TestResolvePathSymlinkEscape(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(ws, "link.txt")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := resolvePath("link.txt", ws); err == nil {
		t.Errorf("symlink escape not rejected")
	}
}

// TestResolvePathAllowing verifies extra read prefixes admit paths the
// workspace check rejects.
func TestResolvePathAllowing(t *testing.T) {
	ws := t.TempDir()
	skills := t.TempDir()
	skillFile := filepath.Join(skills, "SKILL.md")
	if err := os.WriteFile(skillFile, []byte("doc"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := resolvePathAllowing(skillFile, ws, nil); err == nil {
		t.Fatal("path outside workspace admitted without prefix")
	}
	resolved, err := resolvePathAllowing(skillFile, ws, []string{skills})
	if err != nil {
		t.Fatalf("allowed prefix rejected: %v", err)
	}
	if filepath.Base(resolved) != "SKILL.md" {
		t.Errorf("resolved = %q", resolved)
	}
}

// TestWriteReadEditList drives the workspace tools end to end on a temp
// directory.
func TestWriteReadEditList(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()

	write := NewWriteFileTool(ws)
	res := write.Execute(ctx, map[string]interface{}{"path": "notes/a.txt", "content": "alpha beta"})
	if res.IsError {
		t.Fatalf("write: %q", res.ForLLM)
	}

	read := NewReadFileTool(ws)
	res = read.Execute(ctx, map[string]interface{}{"path": "notes/a.txt"})
	if res.IsError || res.ForLLM != "alpha beta" {
		t.Fatalf("read: %+v", res)
	}

	edit := NewEditFileTool(ws)
	res = edit.Execute(ctx, map[string]interface{}{"path": "notes/a.txt", "old_text": "beta", "new_text": "gamma"})
	if res.IsError {
		t.Fatalf("edit: %q", res.ForLLM)
	}
	res = read.Execute(ctx, map[string]interface{}{"path": "notes/a.txt"})
	if res.ForLLM != "alpha gamma" {
		t.Errorf("after edit: %q", res.ForLLM)
	}

	list := NewListFilesTool(ws)
	res = list.Execute(ctx, map[string]interface{}{})
	if res.IsError || !strings.Contains(res.ForLLM, "notes/") {
		t.Errorf("list: %+v", res)
	}
}

// TestEditUniqueness verifies edit rejects absent and ambiguous fragments.
func TestEditUniqueness(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()
	if err := os.WriteFile(filepath.Join(ws, "f.txt"), []byte("dup dup"), 0o644); err != nil {
		t.Fatal(err)
	}
	edit := NewEditFileTool(ws)

	res := edit.Execute(ctx, map[string]interface{}{"path": "f.txt", "old_text": "missing", "new_text": "x"})
	if !res.IsError || !strings.Contains(res.ForLLM, "not found") {
		t.Errorf("absent fragment: %+v", res)
	}

	res = edit.Execute(ctx, map[string]interface{}{"path": "f.txt", "old_text": "dup", "new_text": "x"})
	if !res.IsError || !strings.Contains(res.ForLLM, "more than once") {
		t.Errorf("ambiguous fragment: %+v", res)
	}
}

// TestListEmptyDirectory verifies the empty marker.
func TestListEmptyDirectory(t *testing.T) {
	list := NewListFilesTool(t.TempDir())
	res := list.Execute(context.Background(), map[string]interface{}{})
	if res.ForLLM != "(empty directory)" {
		t.Errorf("empty listing = %q", res.ForLLM)
	}
}
