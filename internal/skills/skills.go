// Package skills loads SKILL.md instruction files from the skills directory
// and keeps them fresh while the daemon runs. Each immediate subdirectory
// holding a SKILL.md is one skill; the file's first heading or first line is
// its short description, the whole body is what reaches the system prompt.
package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Skill is one loaded SKILL.md.
type Skill struct {
	Name        string // directory name
	Description string // first heading or first non-empty line
	Body        string // full file content
	Path        string
}

// reloadDebounce coalesces the event burst an editor save produces.
const reloadDebounce = 200 * time.Millisecond

// maxSkillBytes guards the system prompt against runaway skill files.
const maxSkillBytes = 64 * 1024

// Loader scans a skills root and serves the current skill set. Reads return
// copies; Load swaps the whole set atomically.
type Loader struct {
	root string

	mu     sync.RWMutex
	skills []Skill
}

// NewLoader builds a loader over a skills root. Call Load before first use.
func NewLoader(root string) *Loader {
	return &Loader{root: root}
}

// Load rescans the skills root. A missing root yields an empty set; a
// malformed or oversized skill file is skipped with a warning.
func (l *Loader) Load() error {
	entries, err := os.ReadDir(l.root)
	if errors.Is(err, fs.ErrNotExist) {
		l.replace(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read skills dir %s: %w", l.root, err)
	}

	var skills []Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(l.root, e.Name(), "SKILL.md")
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			slog.Warn("skill unreadable, skipping", "skill", e.Name(), "error", err)
			continue
		}
		if len(data) > maxSkillBytes {
			slog.Warn("skill too large, skipping", "skill", e.Name(), "bytes", len(data))
			continue
		}
		body := strings.TrimSpace(string(data))
		if body == "" {
			continue
		}
		skills = append(skills, Skill{
			Name:        e.Name(),
			Description: firstLine(body),
			Body:        body,
			Path:        path,
		})
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	l.replace(skills)
	return nil
}

func (l *Loader) replace(skills []Skill) {
	l.mu.Lock()
	l.skills = skills
	l.mu.Unlock()
}

// List returns the current skill set sorted by name.
func (l *Loader) List() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, len(l.skills))
	copy(out, l.skills)
	return out
}

// Filter returns the skills whose names appear in extra plus every skill
// when extra is empty. Agents may widen their set beyond the shared one via
// extraSkills; an empty list means the whole catalog.
func (l *Loader) Filter(extra []string) []Skill {
	all := l.List()
	if len(extra) == 0 {
		return all
	}
	want := make(map[string]bool, len(extra))
	for _, name := range extra {
		want[name] = true
	}
	var out []Skill
	for _, s := range all {
		if want[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// Watch rescans the root whenever anything under it changes. It watches the
// root and each skill directory so SKILL.md edits and new skill folders are
// both seen. Blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("skills watcher: %w", err)
	}
	defer watcher.Close()

	addAll := func() {
		if err := watcher.Add(l.root); err != nil {
			return
		}
		entries, err := os.ReadDir(l.root)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(filepath.Join(l.root, e.Name()))
			}
		}
	}
	addAll()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := l.Load(); err != nil {
				slog.Warn("skills reload failed, keeping previous set", "error", err)
				continue
			}
			addAll()
			slog.Debug("skills reloaded", "count", len(l.List()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("skills watcher error", "error", err)
		}
	}
}

// firstLine extracts a short description: the first heading text, else the
// first non-empty line, capped at 120 chars.
func firstLine(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line == "" {
			continue
		}
		if len(line) > 120 {
			line = strings.TrimSpace(line[:120])
		}
		return line
	}
	return ""
}
