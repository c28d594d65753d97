// Package heartbeat wakes the assistant on a schedule so time-sensitive work
// gets a chance to surface without anyone typing. Each beat enqueues a prompt
// into a dedicated session through the normal turn path; a reply of exactly
// HEARTBEAT_OK is suppressed downstream, so quiet beats stay invisible.
package heartbeat

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tamias-dev/tamias/internal/agents"
	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/sessions"
)

const defaultSchedule = "*/30 * * * *"

const defaultPrompt = "This is a scheduled heartbeat. Review your pending work, " +
	"reminders and anything time-sensitive. If nothing needs attention, reply " +
	"with exactly HEARTBEAT_OK."

// promptFile is looked up in memory/ for the global beat and in each agent
// directory for per-agent beats. Its content replaces the default prompt.
const promptFile = "HEARTBEAT.md"

// Service fires heartbeat prompts on the configured cron schedule. One beat
// goes to the global heartbeat session; agents that carry their own
// HEARTBEAT.md get a beat on their own session as well.
type Service struct {
	cfg      *config.Config
	paths    config.Paths
	store    *sessions.Store
	registry *agents.Registry
	g        gronx.Gronx
}

// New wires the service. registry may be nil when no agents.json exists.
func New(cfg *config.Config, paths config.Paths, store *sessions.Store, registry *agents.Registry) *Service {
	return &Service{cfg: cfg, paths: paths, store: store, registry: registry, g: *gronx.New()}
}

// Run fires due beats once per minute boundary. Blocks until ctx is done.
func (s *Service) Run(ctx context.Context) {
	for {
		next := time.Now().Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.runDue(next)
		}
	}
}

func (s *Service) runDue(now time.Time) {
	if !s.cfg.Heartbeat.Enabled {
		return
	}
	schedule := s.cfg.Heartbeat.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}
	due, err := s.g.IsDue(schedule, now)
	if err != nil {
		slog.Warn("heartbeat schedule invalid", "schedule", schedule, "error", err)
		return
	}
	if !due {
		return
	}

	s.beat("global", s.globalPrompt(), s.cfg.Heartbeat.Model, nil)

	if s.registry == nil {
		return
	}
	for _, a := range s.registry.List() {
		if !a.Enabled {
			continue
		}
		prompt, err := readPrompt(filepath.Join(s.paths.AgentDir(a.Slug), promptFile))
		if errors.Is(err, fs.ErrNotExist) {
			// No heartbeat file means this agent opted out.
			continue
		}
		if err != nil {
			slog.Warn("agent heartbeat file unreadable", "agent", a.Slug, "error", err)
			continue
		}
		model := a.Model
		if model == "" {
			model = s.cfg.Heartbeat.Model
		}
		s.beat(a.Slug, prompt, model, &a)
	}
}

// beat enqueues one heartbeat prompt, creating the session on first use. A
// session still chewing on the previous beat is skipped so heartbeats never
// pile up behind a slow turn.
func (s *Service) beat(key, prompt, model string, agent *agents.Agent) {
	id, ok := s.store.GetSessionForBridge("heartbeat", key)
	if !ok {
		p := sessions.CreateParams{
			Name:          "Heartbeat",
			Model:         model,
			ChannelID:     "heartbeat",
			ChannelUserID: key,
			ChannelName:   "heartbeat",
		}
		if agent != nil {
			p.Name = "Heartbeat (" + agent.Slug + ")"
			p.AgentID = agent.ID
			p.AgentSlug = agent.Slug
			p.AgentDir = s.paths.AgentDir(agent.Slug)
		}
		snap, err := s.store.CreateSession(p)
		if err != nil {
			slog.Warn("heartbeat session create failed", "key", key, "error", err)
			return
		}
		id = snap.ID
	}

	if snap, ok := s.store.Snapshot(id); ok && (snap.Processing || snap.QueueLength > 0) {
		slog.Debug("heartbeat skipped, session busy", "session", id)
		return
	}

	if err := s.store.EnqueueMessage(id, sessions.MessageJob{Content: prompt}); err != nil {
		slog.Warn("heartbeat enqueue failed", "session", id, "error", err)
		return
	}
	slog.Info("heartbeat fired", "session", id, "key", key)
}

// globalPrompt resolves in order: memory/HEARTBEAT.md, the configured
// prompt, the built-in default.
func (s *Service) globalPrompt() string {
	if prompt, err := readPrompt(filepath.Join(s.paths.MemoryDir(), promptFile)); err == nil {
		return prompt
	}
	if p := strings.TrimSpace(s.cfg.Heartbeat.Prompt); p != "" {
		return p
	}
	return defaultPrompt
}

func readPrompt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fs.ErrNotExist
	}
	return prompt, nil
}
