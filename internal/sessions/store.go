package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/internal/providers"
)

var (
	// ErrNotFound is returned for operations on unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrNoModelConfigured is returned when a session is created with no
	// model argument and the config resolves no default chain.
	ErrNoModelConfigured = errors.New("no model configured")
	// ErrInactive is returned when a message is enqueued on a session that
	// lost its bridge binding to a handoff.
	ErrInactive = errors.New("session inactive")
)

// Messages kept verbatim when compaction folds older history into the summary.
const compactKeep = 4

// WakeFunc is called after a job lands in a session queue. The runner
// registers itself here; the call runs on its own goroutine.
type WakeFunc func(sessionID string)

type bridgeKey struct {
	channelID     string
	channelUserID string
}

// Store owns all sessions. One instance per daemon.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byBridge map[bridgeKey]string

	cfg        *config.Config
	paths      config.Paths
	dispatcher *events.Dispatcher
	tenant     string

	wakeMu sync.RWMutex
	wake   WakeFunc
}

// NewStore builds an empty store. Call LoadAll to pick up persisted sessions.
func NewStore(cfg *config.Config, paths config.Paths, dispatcher *events.Dispatcher) *Store {
	return &Store{
		sessions:   make(map[string]*Session),
		byBridge:   make(map[bridgeKey]string),
		cfg:        cfg,
		paths:      paths,
		dispatcher: dispatcher,
		tenant:     os.Getenv("TAMIAS_TENANT"),
	}
}

// SetWake registers the runner trigger invoked after every enqueue.
func (st *Store) SetWake(fn WakeFunc) {
	st.wakeMu.Lock()
	st.wake = fn
	st.wakeMu.Unlock()
}

// Dispatcher returns the event dispatcher sessions emit through.
func (st *Store) Dispatcher() *events.Dispatcher { return st.dispatcher }

// CreateParams carries everything CreateSession needs. Zero values are fine
// for all fields except where noted; an empty Model resolves to the default
// chain head.
type CreateParams struct {
	Model         string
	Name          string
	ChannelID     string
	ChannelUserID string
	ChannelName   string
	ProjectSlug   string

	AgentID   string
	AgentSlug string
	AgentDir  string

	// Set for sub-agent sessions.
	ParentSessionID string
	Task            string

	// Optional system-visible note the history starts with (handoffs).
	SystemNote string
}

// CreateSession validates the model reference, builds the session, registers
// the bridge index entry and persists the empty file.
func (st *Store) CreateSession(p CreateParams) (Snapshot, error) {
	model := p.Model
	if model == "" {
		chain := st.cfg.DefaultModelChain()
		if len(chain) == 0 {
			return Snapshot{}, ErrNoModelConfigured
		}
		model = chain[0]
	}
	ref, err := config.ParseModelRef(model)
	if err != nil {
		return Snapshot{}, err
	}
	if _, ok := st.cfg.Connections[ref.Nickname]; !ok {
		return Snapshot{}, fmt.Errorf("%w: %q", providers.ErrUnknownConnection, ref.Nickname)
	}

	now := time.Now()
	s := &Session{
		ID:            NewID(),
		Name:          p.Name,
		Model:         model,
		CreatedAt:     now,
		UpdatedAt:     now,
		Messages:      []providers.Message{},
		ChannelID:     p.ChannelID,
		ChannelUserID: p.ChannelUserID,
		ChannelName:   p.ChannelName,
		AgentID:       p.AgentID,
		AgentSlug:     p.AgentSlug,
		AgentDir:      p.AgentDir,
		ProjectSlug:   p.ProjectSlug,
		TenantID:      st.tenant,
	}
	if p.ParentSessionID != "" {
		s.ParentSessionID = p.ParentSessionID
		s.IsSubagent = true
		s.Task = p.Task
		s.TaskSlug = DeriveTaskSlug(p.Task)
		s.SubagentStatus = StatusRunning
		spawned := now
		s.SpawnedAt = &spawned
	}
	if p.SystemNote != "" {
		s.Messages = append(s.Messages, providers.Message{Role: "system", Content: p.SystemNote})
	}

	st.mu.Lock()
	st.sessions[s.ID] = s
	if s.ChannelID != "" && s.ChannelUserID != "" && !s.IsSubagent {
		st.byBridge[bridgeKey{s.ChannelID, s.ChannelUserID}] = s.ID
	}
	snap := snapshotLocked(s)
	st.mu.Unlock()

	if err := st.Save(s.ID); err != nil {
		slog.Warn("session initial save failed", "session", s.ID, "error", err)
	}
	return snap, nil
}

// GetSessionForBridge looks up the active session bound to one conversation.
func (st *Store) GetSessionForBridge(channelID, channelUserID string) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.byBridge[bridgeKey{channelID, channelUserID}]
	return id, ok
}

// ResolveForBridge returns the session bound to a conversation, creating one
// with the default model when none exists.
func (st *Store) ResolveForBridge(channelID, channelUserID, channelName string) (string, bool, error) {
	if id, ok := st.GetSessionForBridge(channelID, channelUserID); ok {
		return id, false, nil
	}
	snap, err := st.CreateSession(CreateParams{
		ChannelID:     channelID,
		ChannelUserID: channelUserID,
		ChannelName:   channelName,
	})
	if err != nil {
		return "", false, err
	}
	return snap.ID, true, nil
}

// RebindBridge atomically points a bridge conversation at another session.
// The session previously bound keeps its history but goes inactive.
func (st *Store) RebindBridge(channelID, channelUserID, newID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	ns, ok := st.sessions[newID]
	if !ok {
		return fmt.Errorf("rebind %s: %w", newID, ErrNotFound)
	}
	k := bridgeKey{channelID, channelUserID}
	if oldID, bound := st.byBridge[k]; bound && oldID != newID {
		if old, ok := st.sessions[oldID]; ok {
			old.Inactive = true
			old.queue = nil
		}
	}
	ns.ChannelID = channelID
	ns.ChannelUserID = channelUserID
	ns.Inactive = false
	st.byBridge[k] = newID
	return nil
}

// EnqueueMessage appends a job to the session queue and wakes the runner.
// It never blocks on the turn itself.
func (st *Store) EnqueueMessage(id string, job MessageJob) error {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return fmt.Errorf("enqueue %s: %w", id, ErrNotFound)
	}
	if s.Inactive {
		st.mu.Unlock()
		return fmt.Errorf("enqueue %s: %w", id, ErrInactive)
	}
	s.queue = append(s.queue, job)
	if s.Name == "" && !s.IsSubagent {
		if n := deriveName(job.Content); n != "" {
			s.Name = n
			s.AutoName = true
		}
	}
	st.mu.Unlock()

	st.wakeMu.RLock()
	wake := st.wake
	st.wakeMu.RUnlock()
	if wake != nil {
		go wake(id)
	}
	return nil
}

// BeginTurn claims the session for one runner turn. It fails when the
// session is unknown, already processing, or has nothing queued; on success
// the head job is popped and processing is set.
func (st *Store) BeginTurn(id string) (MessageJob, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || s.processing || len(s.queue) == 0 {
		return MessageJob{}, false
	}
	s.processing = true
	job := s.queue[0]
	s.queue = s.queue[1:]
	return job, true
}

// EndTurn releases the processing guard and reports how many jobs remain.
func (st *Store) EndTurn(id string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return 0
	}
	s.processing = false
	return len(s.queue)
}

// DiscardQueue drops pending jobs, used on shutdown.
func (st *Store) DiscardQueue(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		s.queue = nil
	}
}

// AppendMessage adds one history entry and bumps updatedAt.
func (st *Store) AppendMessage(id string, msg providers.Message) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		s.Messages = append(s.Messages, msg)
		s.UpdatedAt = time.Now()
	}
}

// History returns a copy of the message history.
func (st *Store) History(id string) []providers.Message {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil
	}
	msgs := make([]providers.Message, len(s.Messages))
	copy(msgs, s.Messages)
	return msgs
}

// Snapshot returns a copy of the session with live counters filled in.
func (st *Store) Snapshot(id string) (Snapshot, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotLocked(s), true
}

// List returns snapshots of every session, most recently updated first.
func (st *Store) List() []Snapshot {
	st.mu.RLock()
	out := make([]Snapshot, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, snapshotLocked(s))
	}
	st.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// Children returns snapshots of the live sub-agents spawned by a session.
func (st *Store) Children(parentID string) []Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []Snapshot
	for _, s := range st.sessions {
		if s.ParentSessionID == parentID {
			out = append(out, snapshotLocked(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetName names a session explicitly; later compactions keep it.
func (st *Store) SetName(id, name string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		s.Name = name
		s.AutoName = false
		s.UpdatedAt = time.Now()
	}
}

// SetModel switches the session's model reference for subsequent turns.
func (st *Store) SetModel(id, model string) error {
	ref, err := config.ParseModelRef(model)
	if err != nil {
		return err
	}
	if _, ok := st.cfg.Connections[ref.Nickname]; !ok {
		return fmt.Errorf("%w: %q", providers.ErrUnknownConnection, ref.Nickname)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return fmt.Errorf("set model %s: %w", id, ErrNotFound)
	}
	s.Model = model
	s.UpdatedAt = time.Now()
	return nil
}

// AddUsage accumulates token counts from a completed turn.
func (st *Store) AddUsage(id string, input, output int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		s.InputTokens += input
		s.OutputTokens += output
	}
}

// Compact folds older history into the rolling summary: the summary is
// stored, a proposed name is adopted unless the user set one, and the
// message list shrinks to the most recent entries.
func (st *Store) Compact(id, summary, proposedName string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return fmt.Errorf("compact %s: %w", id, ErrNotFound)
	}
	if summary != "" {
		s.Summary = summary
	}
	if proposedName != "" && (s.Name == "" || s.AutoName) {
		s.Name = proposedName
		s.AutoName = true
	}
	if len(s.Messages) > compactKeep {
		kept := make([]providers.Message, compactKeep)
		copy(kept, s.Messages[len(s.Messages)-compactKeep:])
		s.Messages = kept
	}
	s.CompactionCount++
	s.UpdatedAt = time.Now()
	return nil
}

// RecordSubagentCallback marks a sub-agent done or failed. The status moves
// once; a second terminal report is rejected.
func (st *Store) RecordSubagentCallback(id, status, outcome, reason string) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("invalid sub-agent status %q", status)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return fmt.Errorf("callback %s: %w", id, ErrNotFound)
	}
	if !s.IsSubagent {
		return fmt.Errorf("session %s is not a sub-agent", id)
	}
	if s.SubagentStatus != StatusRunning {
		return fmt.Errorf("sub-agent %s already %s", id, s.SubagentStatus)
	}
	s.SubagentCallbackCalled = true
	s.SubagentStatus = status
	s.CallbackOutcome = outcome
	s.CallbackReason = reason
	done := time.Now()
	s.CompletedAt = &done
	return nil
}

// FinalizeSubagent forces a terminal status when the sub-agent's turn ended
// without a callback. No-op if a callback already landed.
func (st *Store) FinalizeSubagent(id, status string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || !s.IsSubagent || s.SubagentStatus != StatusRunning {
		return
	}
	s.SubagentStatus = status
	done := time.Now()
	s.CompletedAt = &done
}

// SetProgress records a short sub-agent progress line for listings.
func (st *Store) SetProgress(id, progress string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		s.Progress = progress
	}
}

// BridgeBinding reports which conversation a session renders to.
func (st *Store) BridgeBinding(id string) (channelID, channelUserID, channelName string, ok bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, found := st.sessions[id]
	if !found {
		return "", "", "", false
	}
	return s.ChannelID, s.ChannelUserID, s.ChannelName, true
}

// DeleteSession drops the session from memory, the bridge index and disk.
func (st *Store) DeleteSession(id string) error {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	path := st.fileFor(s)
	delete(st.sessions, id)
	k := bridgeKey{s.ChannelID, s.ChannelUserID}
	if st.byBridge[k] == id {
		delete(st.byBridge, k)
	}
	st.mu.Unlock()

	st.dispatcher.CloseSession(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Save persists one session atomically (tmp file + rename). Failures are for
// the caller to log; a turn never fails on persistence.
func (st *Store) Save(id string) error {
	st.mu.RLock()
	s, ok := st.sessions[id]
	if !ok {
		st.mu.RUnlock()
		return nil
	}
	snapshot := *s
	snapshot.Messages = make([]providers.Message, len(s.Messages))
	copy(snapshot.Messages, s.Messages)
	snapshot.queue = nil
	path := st.fileFor(s)
	st.mu.RUnlock()

	data, err := json.MarshalIndent(&snapshot, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// SaveAll persists every session, logging failures. Used on shutdown.
func (st *Store) SaveAll() {
	st.mu.RLock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	st.mu.RUnlock()
	for _, id := range ids {
		if err := st.Save(id); err != nil {
			slog.Warn("session save failed", "session", id, "error", err)
		}
	}
}

// LoadAll reads every persisted session under projects/ and rebuilds the
// indices. Malformed files are logged and skipped; nothing is re-emitted.
func (st *Store) LoadAll() {
	projects, err := os.ReadDir(st.paths.ProjectsDir())
	if err != nil {
		return
	}
	loaded := 0
	for _, proj := range projects {
		if !proj.IsDir() {
			continue
		}
		projDir := filepath.Join(st.paths.ProjectsDir(), proj.Name())
		months, err := os.ReadDir(projDir)
		if err != nil {
			continue
		}
		for _, month := range months {
			if !month.IsDir() {
				continue
			}
			monthDir := filepath.Join(projDir, month.Name())
			files, err := os.ReadDir(monthDir)
			if err != nil {
				continue
			}
			for _, f := range files {
				if f.IsDir() || !strings.HasPrefix(f.Name(), "sess_") || filepath.Ext(f.Name()) != ".json" {
					continue
				}
				path := filepath.Join(monthDir, f.Name())
				data, err := os.ReadFile(path)
				if err != nil {
					slog.Warn("session file unreadable, skipping", "path", path, "error", err)
					continue
				}
				var s Session
				if err := json.Unmarshal(data, &s); err != nil || s.ID == "" {
					slog.Warn("session file malformed, skipping", "path", path, "error", err)
					continue
				}
				s.queue = nil
				s.processing = false
				st.mu.Lock()
				st.sessions[s.ID] = &s
				if s.ChannelID != "" && s.ChannelUserID != "" && !s.IsSubagent && !s.Inactive {
					st.byBridge[bridgeKey{s.ChannelID, s.ChannelUserID}] = s.ID
				}
				st.mu.Unlock()
				loaded++
			}
		}
	}
	if loaded > 0 {
		slog.Info("sessions loaded", "count", loaded)
	}
}

// fileFor builds the month-partitioned session path. The partition follows
// the creation month so a session never moves between files.
func (st *Store) fileFor(s *Session) string {
	dir := st.paths.SessionsDir(s.ProjectSlug)
	return filepath.Join(dir, s.CreatedAt.Format("2006-01"), s.ID+".json")
}

func snapshotLocked(s *Session) Snapshot {
	cp := *s
	cp.Messages = nil
	cp.queue = nil
	return Snapshot{
		Session:      cp,
		QueueLength:  len(s.queue),
		Processing:   s.processing,
		MessageCount: len(s.Messages),
	}
}
