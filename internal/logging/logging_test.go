package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDailyWriterRotation verifies a day boundary archives the active file
// and subsequent writes land in a fresh one.
func TestDailyWriterRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.log")

	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	w := NewDailyWriter(path)
	w.now = func() time.Time { return day }

	if _, err := w.Write([]byte("first day\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	day = day.AddDate(0, 0, 1)
	if _, err := w.Write([]byte("second day\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	archived, err := os.ReadFile(path + ".2026-03-01")
	if err != nil {
		t.Fatalf("archived file: %v", err)
	}
	if !strings.Contains(string(archived), "first day") {
		t.Errorf("archived content = %q", archived)
	}

	active, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("active file: %v", err)
	}
	if strings.Contains(string(active), "first day") || !strings.Contains(string(active), "second day") {
		t.Errorf("active content = %q", active)
	}
}

// TestDailyWriterRetention verifies archives older than the window are
// removed on rollover.
func TestDailyWriterRetention(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.log")

	stale := path + ".2026-02-20"
	fresh := path + ".2026-02-28"
	for _, f := range []string{stale, fresh} {
		if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	w := NewDailyWriter(path)
	w.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Close()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale archive still present: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh archive removed: %v", err)
	}
}

// TestDailyWriterAppends verifies same-day writes append rather than
// truncate across reopen.
func TestDailyWriterAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.log")
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	w := NewDailyWriter(path)
	w.now = func() time.Time { return now }
	w.Write([]byte("one\n"))
	w.Close()

	w2 := NewDailyWriter(path)
	w2.now = func() time.Time { return now }
	w2.Write([]byte("two\n"))
	w2.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != "one\ntwo\n" {
		t.Errorf("content = %q, want %q", got, "one\ntwo\n")
	}
}
