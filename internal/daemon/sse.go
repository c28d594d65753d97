package daemon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tamias-dev/tamias/internal/sessions"
	"github.com/tamias-dev/tamias/pkg/protocol"
)

// sseBuffer bounds the per-stream event channel. Chunks arriving faster than
// the client reads are dropped; terminal events never are.
const sseBuffer = 128

// handleChat enqueues one message and streams the resulting turn as SSE.
// The subscription is registered before the enqueue so no event can slip
// between the two.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId query parameter is required")
		return
	}
	if _, ok := s.store.Snapshot(sessionID); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	s.streamSession(w, r, sessionID, func() error {
		return s.store.EnqueueMessage(sessionID, sessions.MessageJob{
			Content:    req.Content,
			AuthorName: req.AuthorName,
		})
	})
}

// handleStream attaches to a session's live event feed without sending
// anything. The stream closes after the next done or error event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, ok := s.store.Snapshot(sessionID); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.streamSession(w, r, sessionID, nil)
}

// streamSession writes session events as SSE frames until a terminal event
// or client disconnect. kickoff, if set, runs after headers are out and the
// subscription is live; its error is delivered as an error frame since the
// status line is already gone.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request, sessionID string, kickoff func() error) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	feed := make(chan protocol.Event, sseBuffer)
	released := make(chan struct{})
	subID := "sse:" + uuid.NewString()[:8]
	s.dispatcher.Subscribe(sessionID, subID, func(_ string, ev protocol.Event) {
		switch ev.(type) {
		case protocol.Done, protocol.Error:
			// Block rather than drop: the terminal event is what ends
			// the stream. released unblocks if the handler already left.
			select {
			case feed <- ev:
			case <-released:
			}
		default:
			select {
			case feed <- ev:
			default:
				slog.Debug("sse client lagging, dropping event", "session", sessionID)
			}
		}
	})
	defer func() {
		s.dispatcher.Unsubscribe(sessionID, subID)
		close(released)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	if kickoff != nil {
		if err := kickoff(); err != nil {
			writeSSE(w, protocol.Error{Message: err.Error()})
			fl.Flush()
			return
		}
	}

	clientGone := r.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case ev := <-feed:
			if err := writeSSE(w, ev); err != nil {
				return
			}
			fl.Flush()
			switch ev.(type) {
			case protocol.Done, protocol.Error:
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev protocol.Event) error {
	data, err := protocol.MarshalEvent(ev)
	if err != nil {
		slog.Debug("sse marshal failed", "error", err)
		return nil
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
