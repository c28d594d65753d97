package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tamias-dev/tamias/internal/sessions"
)

// ListSessionsTool lists live sessions. Exposed as session__list.
type ListSessionsTool struct {
	store *sessions.Store
}

func NewListSessionsTool(store *sessions.Store) *ListSessionsTool {
	return &ListSessionsTool{store: store}
}

func (t *ListSessionsTool) Name() string { return FlatName(CategorySession, "list") }
func (t *ListSessionsTool) Description() string {
	return "List active sessions with their ids, names and status"
}

func (t *ListSessionsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Max sessions to return (default 20)",
			},
			"active_minutes": map[string]interface{}{
				"type":        "number",
				"description": "Only sessions updated in the last N minutes",
			},
		},
	}
}

func (t *ListSessionsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	limit := 20
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}
	snaps := t.store.List()
	if v, ok := args["active_minutes"].(float64); ok && int(v) > 0 {
		cutoff := time.Now().Add(-time.Duration(int(v)) * time.Minute)
		var filtered []sessions.Snapshot
		for _, s := range snaps {
			if s.UpdatedAt.After(cutoff) {
				filtered = append(filtered, s)
			}
		}
		snaps = filtered
	}
	if len(snaps) > limit {
		snaps = snaps[:limit]
	}

	type entry struct {
		ID           string `json:"id"`
		Name         string `json:"name,omitempty"`
		Model        string `json:"model"`
		MessageCount int    `json:"messageCount"`
		QueueLength  int    `json:"queueLength"`
		IsSubagent   bool   `json:"isSubagent,omitempty"`
		Status       string `json:"status,omitempty"`
		Updated      string `json:"updated"`
	}
	entries := make([]entry, 0, len(snaps))
	for _, s := range snaps {
		entries = append(entries, entry{
			ID:           s.ID,
			Name:         s.Name,
			Model:        s.Model,
			MessageCount: s.MessageCount,
			QueueLength:  s.QueueLength,
			IsSubagent:   s.IsSubagent,
			Status:       s.SubagentStatus,
			Updated:      s.UpdatedAt.Format(time.RFC3339),
		})
	}
	out, _ := json.Marshal(map[string]interface{}{"count": len(entries), "sessions": entries})
	return SilentResult(string(out))
}

// SessionHistoryTool returns another session's recent messages. Exposed as
// session__history.
type SessionHistoryTool struct {
	store *sessions.Store
}

func NewSessionHistoryTool(store *sessions.Store) *SessionHistoryTool {
	return &SessionHistoryTool{store: store}
}

func (t *SessionHistoryTool) Name() string { return FlatName(CategorySession, "history") }
func (t *SessionHistoryTool) Description() string {
	return "Read the recent message history of a session by id"
}

func (t *SessionHistoryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session id, e.g. sess_a1b2c3",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Max messages to return, newest last (default 10)",
			},
		},
		"required": []string{"session_id"},
	}
}

func (t *SessionHistoryTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	id, _ := args["session_id"].(string)
	if id == "" {
		return ErrorResult("session_id is required")
	}
	if _, ok := t.store.Snapshot(id); !ok {
		return ErrorResult(fmt.Sprintf("session not found: %s", id))
	}
	limit := 10
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}
	history := t.store.History(id)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}

	type entry struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	entries := make([]entry, 0, len(history))
	for _, m := range history {
		entries = append(entries, entry{Role: m.Role, Content: m.Content})
	}
	out, _ := json.Marshal(map[string]interface{}{"sessionId": id, "messages": entries})
	return SilentResult(string(out))
}

// SendToSessionTool enqueues a message on another session. Exposed as
// session__send.
type SendToSessionTool struct {
	store *sessions.Store
}

func NewSendToSessionTool(store *sessions.Store) *SendToSessionTool {
	return &SendToSessionTool{store: store}
}

func (t *SendToSessionTool) Name() string { return FlatName(CategorySession, "send") }
func (t *SendToSessionTool) Description() string {
	return "Send a message into another session's queue"
}

func (t *SendToSessionTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target session id",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Message text to enqueue",
			},
		},
		"required": []string{"session_id", "content"},
	}
}

func (t *SendToSessionTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	id, _ := args["session_id"].(string)
	content, _ := args["content"].(string)
	if id == "" || content == "" {
		return ErrorResult("session_id and content are required")
	}
	if err := t.store.EnqueueMessage(id, sessions.MessageJob{Content: content, AuthorName: "session-tool"}); err != nil {
		return ErrorResult(fmt.Sprintf("failed to enqueue: %v", err))
	}
	return SilentResult(fmt.Sprintf("message queued on %s", id))
}
