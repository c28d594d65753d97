package daemon

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/tamias-dev/tamias/internal/sessions"
	"github.com/tamias-dev/tamias/pkg/protocol"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{OK: true})
}

func summarize(snap sessions.Snapshot) protocol.SessionSummary {
	return protocol.SessionSummary{
		ID:              snap.ID,
		Name:            snap.Name,
		Summary:         snap.Summary,
		Model:           snap.Model,
		QueueLength:     snap.QueueLength,
		UpdatedAt:       snap.UpdatedAt,
		IsSubagent:      snap.IsSubagent,
		ParentSessionID: snap.ParentSessionID,
		Task:            snap.Task,
		SubagentStatus:  snap.SubagentStatus,
		SpawnedAt:       snap.SpawnedAt,
		Progress:        snap.Progress,
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	snaps := s.store.List()
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].UpdatedAt.After(snaps[j].UpdatedAt)
	})
	out := make([]protocol.SessionSummary, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, summarize(snap))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	snap, err := s.store.CreateSession(sessions.CreateParams{
		Model:         req.Model,
		ChannelID:     req.ChannelID,
		ChannelUserID: req.ChannelUserID,
		ChannelName:   req.ChannelName,
	})
	if err != nil {
		// Everything CreateSession rejects is a caller problem: bad model
		// reference, unknown connection, or no model configured at all.
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, summarize(snap))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := s.store.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	history := s.store.History(id)
	msgs := make([]protocol.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, protocol.Message{Role: m.Role, Content: m.Content})
	}

	writeJSON(w, http.StatusOK, protocol.SessionDetail{
		ID:            snap.ID,
		Name:          snap.Name,
		Model:         snap.Model,
		Summary:       snap.Summary,
		CreatedAt:     snap.CreatedAt,
		UpdatedAt:     snap.UpdatedAt,
		ChannelID:     snap.ChannelID,
		ChannelUserID: snap.ChannelUserID,
		Messages:      msgs,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSession(id); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDebug reports config and session state with every secret already
// stripped: connections carry env variable names only, and only the names of
// things appear here.
func (s *Server) handleDebug(w http.ResponseWriter, _ *http.Request) {
	info := protocol.DebugInfo{
		Version:       s.version,
		VerboseMode:   s.verbose,
		DefaultModels: s.cfg.DefaultModels,
	}
	info.ExecPath, _ = os.Executable()

	nicks := make([]string, 0, len(s.cfg.Connections))
	for nick := range s.cfg.Connections {
		nicks = append(nicks, nick)
	}
	sort.Strings(nicks)
	for _, nick := range nicks {
		conn := s.cfg.Connections[nick]
		info.Connections = append(info.Connections, protocol.DebugConnection{
			Nickname:       nick,
			Provider:       conn.Provider,
			BaseURL:        conn.BaseURL,
			SelectedModels: conn.SelectedModels,
		})
	}

	for _, snap := range s.store.List() {
		nick, _, _ := strings.Cut(snap.Model, "/")
		_, exists := s.cfg.Connections[nick]
		info.Sessions = append(info.Sessions, protocol.DebugSession{
			ID:                       snap.ID,
			ConnectionNickname:       nick,
			ConnectionExistsInConfig: exists,
		})
	}

	writeJSON(w, http.StatusOK, info)
}

// handleShutdownRequest acknowledges first, then triggers the shutdown
// callback; the daemon drains bridges and turns before exiting.
func (s *Server) handleShutdownRequest(w http.ResponseWriter, _ *http.Request) {
	slog.Info("shutdown requested via api")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	if s.shutdownFn != nil {
		go s.shutdownFn()
	}
}
