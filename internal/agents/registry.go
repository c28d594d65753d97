// Package agents holds the named-agent registry read from agents.json and
// the orchestrator built on it: sub-agent spawning, conversation handoffs
// and per-agent model chains. The registry hot-reloads when the file
// changes; sessions keep the binding they were created with.
package agents

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Agent is one named persona the daemon can run conversations as.
type Agent struct {
	ID                string   `json:"id"`
	Slug              string   `json:"slug"`
	Name              string   `json:"name"`
	Instructions      string   `json:"instructions,omitempty"`
	Model             string   `json:"model,omitempty"`
	ModelFallbacks    []string `json:"modelFallbacks,omitempty"`
	Enabled           bool     `json:"enabled"`
	Channels          []string `json:"channels,omitempty"`
	ExtraSkills       []string `json:"extraSkills,omitempty"`
	AllowedTools      []string `json:"allowedTools,omitempty"`
	AllowedMcpServers []string `json:"allowedMcpServers,omitempty"`
}

// agentsFile is the on-disk shape of agents.json.
type agentsFile struct {
	Agents []Agent `json:"agents"`
}

// reloadDebounce coalesces the burst of fsnotify events an editor save or
// atomic rename produces.
const reloadDebounce = 200 * time.Millisecond

// Registry is the in-memory view of agents.json. Reads are lock-cheap
// copies; Load replaces the whole view at once.
type Registry struct {
	path string

	mu     sync.RWMutex
	agents []Agent
	byID   map[string]int
	bySlug map[string]int
}

// NewRegistry builds an empty registry over an agents.json path. Call Load
// before first use.
func NewRegistry(path string) *Registry {
	return &Registry{
		path:   path,
		byID:   map[string]int{},
		bySlug: map[string]int{},
	}
}

// Load parses agents.json and replaces the registry content. A missing file
// leaves the registry empty; a malformed one is an error and keeps the
// previous content.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		r.replace(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", r.path, err)
	}

	var file agentsFile
	if err := json5.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", r.path, err)
	}

	agents := make([]Agent, 0, len(file.Agents))
	for _, a := range file.Agents {
		if a.ID == "" && a.Slug == "" {
			slog.Warn("agent entry without id or slug, skipping", "name", a.Name)
			continue
		}
		if a.ID == "" {
			a.ID = a.Slug
		}
		if a.Slug == "" {
			a.Slug = a.ID
		}
		if a.Name == "" {
			a.Name = a.Slug
		}
		agents = append(agents, a)
	}
	r.replace(agents)
	return nil
}

func (r *Registry) replace(agents []Agent) {
	byID := make(map[string]int, len(agents))
	bySlug := make(map[string]int, len(agents))
	for i, a := range agents {
		if _, dup := byID[a.ID]; dup {
			slog.Warn("duplicate agent id, keeping first", "id", a.ID)
			continue
		}
		byID[a.ID] = i
		bySlug[a.Slug] = i
	}
	r.mu.Lock()
	r.agents = agents
	r.byID = byID
	r.bySlug = bySlug
	r.mu.Unlock()
}

// Watch reloads the registry whenever agents.json changes. It watches the
// parent directory so atomic renames are seen. Blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("agents watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("agents watcher: %w", err)
	}

	base := filepath.Base(r.path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
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
			if err := r.Load(); err != nil {
				slog.Warn("agents reload failed, keeping previous set", "error", err)
				continue
			}
			slog.Info("agents reloaded", "count", len(r.List()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("agents watcher error", "error", err)
		}
	}
}

// List returns every agent in file order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, len(r.agents))
	copy(out, r.agents)
	return out
}

// Get resolves an agent by id first, slug second.
func (r *Registry) Get(idOrSlug string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.byID[idOrSlug]; ok {
		return r.agents[i], true
	}
	if i, ok := r.bySlug[idOrSlug]; ok {
		return r.agents[i], true
	}
	return Agent{}, false
}

// ForChannel returns the first enabled agent that claims a channel. Used to
// bind fresh bridge conversations to a persona.
func (r *Registry) ForChannel(channelID string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		if !a.Enabled {
			continue
		}
		for _, ch := range a.Channels {
			if ch == channelID {
				return a, true
			}
		}
	}
	return Agent{}, false
}

// summaryLine compresses agent instructions into a one-line description.
func summaryLine(instructions string) string {
	line := instructions
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > 120 {
		line = strings.TrimSpace(line[:120])
	}
	return line
}
