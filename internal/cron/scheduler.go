// Package cron delivers scheduled prompts. Jobs registered through the cron
// tools are persisted in cron.json and fire by enqueuing their message into
// the owning session, so a run flows through the normal turn path.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/sessions"
	"github.com/tamias-dev/tamias/internal/tools"
)

// Job is one persisted schedule entry.
type Job struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Schedule  string     `json:"schedule"`
	Message   string     `json:"message"`
	SessionID string     `json:"sessionId"`
	CreatedAt time.Time  `json:"createdAt"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

// cronFile is the on-disk shape of cron.json.
type cronFile struct {
	Jobs []Job `json:"jobs"`
}

// Scheduler owns the job table and the minute tick that fires due jobs.
type Scheduler struct {
	path  string
	store *sessions.Store
	g     gronx.Gronx

	mu   sync.Mutex
	jobs map[string]*Job
}

var _ tools.CronService = (*Scheduler)(nil)

func NewScheduler(paths config.Paths, store *sessions.Store) *Scheduler {
	return &Scheduler{
		path:  paths.CronFile(),
		store: store,
		g:     *gronx.New(),
		jobs:  make(map[string]*Job),
	}
}

// Load reads cron.json. A missing file means no jobs; a malformed one is an
// error and leaves the table empty.
func (s *Scheduler) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	var file cronFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range file.Jobs {
		job := file.Jobs[i]
		if job.ID == "" || job.Schedule == "" {
			slog.Warn("cron job entry incomplete, skipping", "id", job.ID)
			continue
		}
		s.jobs[job.ID] = &job
	}
	return nil
}

// Run fires due jobs once per minute boundary. Blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
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

// Schedule validates the expression and the session, registers the job and
// persists the table.
func (s *Scheduler) Schedule(ctx context.Context, sessionID string, req tools.CronJobRequest) (tools.CronJobInfo, error) {
	if !s.g.IsValid(req.Schedule) {
		return tools.CronJobInfo{}, fmt.Errorf("invalid cron expression %q", req.Schedule)
	}
	if strings.TrimSpace(req.Message) == "" {
		return tools.CronJobInfo{}, errors.New("message is required")
	}
	if _, ok := s.store.Snapshot(sessionID); !ok {
		return tools.CronJobInfo{}, fmt.Errorf("session %s: %w", sessionID, sessions.ErrNotFound)
	}

	job := &Job{
		ID:        "cron_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Name:      req.Name,
		Schedule:  req.Schedule,
		Message:   req.Message,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	info := job.info()
	s.mu.Unlock()

	s.persist()
	slog.Info("cron job scheduled", "job", job.ID, "schedule", job.Schedule, "session", sessionID)
	return info, nil
}

// Jobs lists the table ordered by creation time.
func (s *Scheduler) Jobs() []tools.CronJobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tools.CronJobInfo, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cancel removes a job and persists the table.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	_, ok := s.jobs[jobID]
	if ok {
		delete(s.jobs, jobID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron job %q not found", jobID)
	}
	s.persist()
	slog.Info("cron job cancelled", "job", jobID)
	return nil
}

// runDue enqueues the message of every job due at the given minute. Delivery
// failures land in LastError and show up in listings; the job stays.
func (s *Scheduler) runDue(now time.Time) {
	s.mu.Lock()
	due := make([]*Job, 0)
	for _, job := range s.jobs {
		ok, err := s.g.IsDue(job.Schedule, now)
		if err != nil {
			job.LastError = err.Error()
			continue
		}
		if ok {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	for _, job := range due {
		err := s.store.EnqueueMessage(job.SessionID, sessions.MessageJob{Content: job.Message})
		s.mu.Lock()
		if err != nil {
			job.LastError = err.Error()
			slog.Warn("cron delivery failed", "job", job.ID, "session", job.SessionID, "error", err)
		} else {
			ran := now
			job.LastRunAt = &ran
			job.LastError = ""
			slog.Info("cron job fired", "job", job.ID, "session", job.SessionID)
		}
		s.mu.Unlock()
	}
	s.persist()
}

// persist writes cron.json atomically. Failures are logged; the in-memory
// table stays authoritative.
func (s *Scheduler) persist() {
	s.mu.Lock()
	file := cronFile{Jobs: make([]Job, 0, len(s.jobs))}
	for _, job := range s.jobs {
		file.Jobs = append(file.Jobs, *job)
	}
	s.mu.Unlock()
	sort.Slice(file.Jobs, func(i, j int) bool { return file.Jobs[i].CreatedAt.Before(file.Jobs[j].CreatedAt) })

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		slog.Warn("cron persist failed", "error", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("cron persist failed", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		slog.Warn("cron persist failed", "error", err)
	}
}

func (j *Job) info() tools.CronJobInfo {
	info := tools.CronJobInfo{
		ID:        j.ID,
		Name:      j.Name,
		Schedule:  j.Schedule,
		Message:   j.Message,
		SessionID: j.SessionID,
		CreatedAt: j.CreatedAt,
		LastError: j.LastError,
	}
	if j.LastRunAt != nil {
		ran := *j.LastRunAt
		info.LastRunAt = &ran
	}
	return info
}
