package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tamias-dev/tamias/internal/providers"
)

const (
	// compactThreshold triggers compaction once a session holds this many
	// messages.
	compactThreshold = 20

	// compactKeep is how many trailing messages survive compaction.
	compactKeep = 4

	compactTimeout = 120 * time.Second
)

// compactReply is the JSON object the compaction call must return.
type compactReply struct {
	Summary     string   `json:"summary"`
	SessionName string   `json:"sessionName,omitempty"`
	Insights    []string `json:"insights,omitempty"`
}

const compactInstruction = `Summarize this conversation so a future turn can continue it seamlessly.
Respond with only a JSON object:
{"summary": "what happened and any open threads, in a few sentences",
 "sessionName": "a 3-6 word title for the conversation (optional)",
 "insights": ["durable facts about the user or ongoing work worth remembering (optional)"]}`

// compact summarises old messages and truncates the session. Runs in the
// background; a TryLock per session prevents concurrent compactions, and any
// failure is logged and swallowed.
func (r *Runner) compact(sessionID, modelRef string) {
	muI, _ := r.compactMu.LoadOrStore(sessionID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	if !mu.TryLock() {
		slog.Debug("compaction already in progress", "session", sessionID)
		return
	}
	defer mu.Unlock()

	history := r.store.History(sessionID)
	if len(history) <= compactKeep {
		return
	}
	snap, ok := r.store.Snapshot(sessionID)
	if !ok {
		return
	}

	provider, modelID, err := r.registry.Resolve(modelRef)
	if err != nil {
		slog.Warn("compaction skipped, model unavailable", "session", sessionID, "error", err)
		return
	}

	var transcript strings.Builder
	if snap.Summary != "" {
		transcript.WriteString("Existing summary: " + snap.Summary + "\n\n")
	}
	for _, m := range history[:len(history)-compactKeep] {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	ctx, cancel := context.WithTimeout(context.Background(), compactTimeout)
	defer cancel()

	started := time.Now()
	resp, err := provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: compactInstruction},
			{Role: "user", Content: transcript.String()},
		},
		Model: modelID,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   1024,
			providers.OptTemperature: 0.3,
		},
	})
	r.recordAICall(sessionID, provider.Name(), modelID, resp, err, time.Since(started))
	if err != nil {
		slog.Warn("compaction call failed", "session", sessionID, "error", err)
		return
	}

	reply, err := parseCompactReply(resp.Content)
	if err != nil {
		slog.Warn("compaction reply unusable", "session", sessionID, "error", err)
		return
	}
	if err := r.store.Compact(sessionID, reply.Summary, reply.SessionName); err != nil {
		slog.Warn("compaction apply failed", "session", sessionID, "error", err)
		return
	}
	r.storeInsights(reply.Insights)
	if err := r.store.Save(sessionID); err != nil {
		slog.Warn("post-compaction save failed", "session", sessionID, "error", err)
	}
	slog.Info("session compacted", "session", sessionID, "kept", compactKeep, "insights", len(reply.Insights))
}

// parseCompactReply extracts the JSON object, tolerating markdown fences and
// surrounding prose.
func parseCompactReply(content string) (compactReply, error) {
	var reply compactReply
	text := strings.TrimSpace(content)
	if start := strings.IndexByte(text, '{'); start >= 0 {
		if end := strings.LastIndexByte(text, '}'); end > start {
			text = text[start : end+1]
		}
	}
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return reply, fmt.Errorf("parse compaction json: %w", err)
	}
	if strings.TrimSpace(reply.Summary) == "" {
		return reply, fmt.Errorf("compaction reply has no summary")
	}
	return reply, nil
}

// storeInsights appends compaction insights to today's daily memory file.
func (r *Runner) storeInsights(insights []string) {
	if len(insights) == 0 {
		return
	}
	day := time.Now().Format("2006-01-02")
	path := filepath.Join(r.paths.DailyDir(), day+".md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Warn("insight write failed", "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("insight write failed", "error", err)
		return
	}
	defer f.Close()
	for _, line := range insights {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fmt.Fprintf(f, "- %s\n", line)
	}
}
