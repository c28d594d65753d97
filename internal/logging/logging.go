// Package logging configures slog for the daemon and provides the
// daily-rotated daemon.log writer.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Setup installs the process-wide slog handler.
func Setup(out io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: level,
	})))
}

// retainDays is how many rotated daily logs are kept.
const retainDays = 3

// DailyWriter appends to a log file and rotates it when the calendar day
// changes. Rotated files are named <base>.<YYYY-MM-DD> and pruned after
// retainDays. Safe for concurrent use.
type DailyWriter struct {
	path string

	mu  sync.Mutex
	f   *os.File
	day string

	now func() time.Time
}

// NewDailyWriter creates a writer for the given log path. The file is opened
// lazily on first write.
func NewDailyWriter(path string) *DailyWriter {
	return &DailyWriter{path: path, now: time.Now}
}

func (w *DailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	today := w.now().Format("2006-01-02")
	if w.f == nil || w.day != today {
		if err := w.rollover(today); err != nil {
			return 0, err
		}
	}
	return w.f.Write(p)
}

// Close releases the active file handle.
func (w *DailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// rollover archives the current file under its last-written day and opens a
// fresh one. Called with the lock held.
func (w *DailyWriter) rollover(today string) error {
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}

	// An existing file from a previous day is archived under that day so
	// restarts do not lose the boundary.
	if st, err := os.Stat(w.path); err == nil {
		fileDay := st.ModTime().Format("2006-01-02")
		if w.day != "" {
			fileDay = w.day
		}
		if fileDay != today {
			os.Rename(w.path, w.path+"."+fileDay)
		}
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", w.path, err)
	}
	w.f = f
	w.day = today
	w.prune(today)
	return nil
}

// prune deletes archived logs older than the retention window.
func (w *DailyWriter) prune(today string) {
	cutoff, err := time.Parse("2006-01-02", today)
	if err != nil {
		return
	}
	cutoff = cutoff.AddDate(0, 0, -retainDays)

	dir := filepath.Dir(w.path)
	base := filepath.Base(w.path) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), base) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		day, err := time.Parse("2006-01-02", strings.TrimPrefix(name, base))
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			os.Remove(filepath.Join(dir, name))
		}
	}
}
