package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

// Seeding a fresh memory directory creates every persona template but never
// HEARTBEAT.md, whose existence is a user opt-in.
func TestEnsureMemoryFilesSeedsFreshDir(t *testing.T) {
	dir := t.TempDir()

	created, err := EnsureMemoryFiles(dir)
	if err != nil {
		t.Fatalf("EnsureMemoryFiles: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("created = %v, want 3 files", created)
	}
	for _, name := range []string{"IDENTITY.md", "SOUL.md", "USER.md"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if len(data) == 0 {
			t.Errorf("%s seeded empty", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "HEARTBEAT.md")); !os.IsNotExist(err) {
		t.Error("HEARTBEAT.md was seeded, want absent")
	}
}

// A second run reports nothing created and leaves edited files alone.
func TestEnsureMemoryFilesIsCreateOnly(t *testing.T) {
	dir := t.TempDir()
	if _, err := EnsureMemoryFiles(dir); err != nil {
		t.Fatalf("first run: %v", err)
	}

	custom := "# Identity\n\nI am someone else entirely.\n"
	if err := os.WriteFile(filepath.Join(dir, "IDENTITY.md"), []byte(custom), 0o644); err != nil {
		t.Fatalf("write custom identity: %v", err)
	}

	created, err := EnsureMemoryFiles(dir)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("second run created %v, want none", created)
	}
	data, err := os.ReadFile(filepath.Join(dir, "IDENTITY.md"))
	if err != nil {
		t.Fatalf("read IDENTITY.md: %v", err)
	}
	if string(data) != custom {
		t.Errorf("IDENTITY.md = %q, want the user's edit preserved", data)
	}
}
