package runner

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tamias-dev/tamias/internal/sessions"
	"github.com/tamias-dev/tamias/pkg/protocol"
)

// reportMaxLen caps the synthesized fallback report fed to the parent.
const reportMaxLen = 600

// finishSubagent resolves a sub-agent's terminal state after its turn ended
// and reports exactly once to the parent: a subagent-status event on the
// parent's subscribers plus a queued message so the parent's next turn sees
// the outcome.
func (r *Runner) finishSubagent(snap sessions.Snapshot, fullResponse string, failed bool) {
	cur, ok := r.store.Snapshot(snap.ID)
	if !ok || !cur.IsSubagent {
		return
	}
	if _, already := r.reported.LoadOrStore(cur.ID, true); already {
		return
	}

	status := cur.SubagentStatus
	message := cur.CallbackOutcome
	if message == "" {
		message = cur.CallbackReason
	}

	if !cur.SubagentCallbackCalled {
		// No callback landed: synthesize the report from the turn itself.
		if failed {
			status = sessions.StatusFailed
			message = "turn failed before reporting back"
		} else {
			status = sessions.StatusCompleted
			message = synthesizeReport(fullResponse)
		}
		r.store.FinalizeSubagent(cur.ID, status)
	}

	parent := cur.ParentSessionID
	if parent == "" {
		return
	}

	r.dispatcher.Emit(parent, protocol.SubagentStatus{
		SubagentID:      cur.ID,
		ParentSessionID: parent,
		Task:            cur.Task,
		TaskSlug:        cur.TaskSlug,
		Status:          status,
		Message:         message,
	})

	report := fmt.Sprintf("[sub-agent %s] %s: %s", cur.TaskSlug, status, message)
	if err := r.store.EnqueueMessage(parent, sessions.MessageJob{Content: report}); err != nil {
		slog.Warn("sub-agent report enqueue failed", "parent", parent, "subagent", cur.ID, "error", err)
	}
}

// synthesizeReport compresses the sub-agent's final text into a short
// outcome line.
func synthesizeReport(fullResponse string) string {
	text := strings.Join(strings.Fields(fullResponse), " ")
	if text == "" {
		return "finished without output"
	}
	if len(text) > reportMaxLen {
		text = text[:reportMaxLen] + "..."
	}
	return text
}
