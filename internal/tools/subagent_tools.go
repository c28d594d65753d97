package tools

import (
	"context"
	"fmt"

	"github.com/tamias-dev/tamias/pkg/protocol"

	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/internal/sessions"
)

// SpawnRequest carries the spawn tool's arguments to the orchestrator.
type SpawnRequest struct {
	Task         string
	AgentID      string
	Model        string
	Instructions string
}

// SpawnInfo is what the spawn tool reports back to the LLM.
type SpawnInfo struct {
	SessionID string
	TaskSlug  string
}

// Spawner starts sub-agent sessions on behalf of the spawn tool. Implemented
// by the agent orchestrator; injected here to keep the dependency one-way.
type Spawner interface {
	SpawnSubagent(ctx context.Context, parentSessionID string, req SpawnRequest) (SpawnInfo, error)
}

// SpawnTool starts a background sub-agent. Exposed as subagent__spawn.
type SpawnTool struct {
	spawner Spawner
}

func NewSpawnTool(spawner Spawner) *SpawnTool {
	return &SpawnTool{spawner: spawner}
}

func (t *SpawnTool) Name() string { return FlatName(CategorySubagent, "spawn") }
func (t *SpawnTool) Description() string {
	return "Spawn a background sub-agent to work on a task. Returns immediately; the sub-agent reports back when done."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "What the sub-agent should do, phrased as a complete instruction",
			},
			"agent_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional named agent to run the task as",
			},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "Optional model override, e.g. main/gpt-4.1",
			},
			"instructions": map[string]interface{}{
				"type":        "string",
				"description": "Optional extra system instructions for the sub-agent",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("task is required")
	}
	parentID := SessionIDFromCtx(ctx)
	if parentID == "" {
		return ErrorResult("spawn is only available inside a session")
	}
	req := SpawnRequest{Task: task}
	req.AgentID, _ = args["agent_id"].(string)
	req.Model, _ = args["model"].(string)
	req.Instructions, _ = args["instructions"].(string)

	info, err := t.spawner.SpawnSubagent(ctx, parentID, req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("spawn failed: %v", err))
	}
	return AsyncResult(fmt.Sprintf("sub-agent %s spawned for task %q; it will report back when finished", info.TaskSlug, task))
}

// CallbackTool lets a sub-agent report its terminal outcome. Exposed as
// subagent__callback; the runner relays it to the parent on the next done.
type CallbackTool struct {
	store *sessions.Store
}

func NewCallbackTool(store *sessions.Store) *CallbackTool {
	return &CallbackTool{store: store}
}

func (t *CallbackTool) Name() string { return FlatName(CategorySubagent, "callback") }
func (t *CallbackTool) Description() string {
	return "Report the final outcome of your task. Call exactly once, just before your final reply."
}

func (t *CallbackTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The task you were spawned for",
			},
			"status": map[string]interface{}{
				"type":        "string",
				"enum":        []string{sessions.StatusCompleted, sessions.StatusFailed},
				"description": "Whether the task completed or failed",
			},
			"outcome": map[string]interface{}{
				"type":        "string",
				"description": "Short result summary on success",
			},
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Failure reason when status is failed",
			},
			"context": map[string]interface{}{
				"type":        "string",
				"description": "Optional extra context for the parent",
			},
		},
		"required": []string{"task", "status"},
	}
}

func (t *CallbackTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	status, _ := args["status"].(string)
	outcome, _ := args["outcome"].(string)
	reason, _ := args["reason"].(string)
	if extra, _ := args["context"].(string); extra != "" {
		if outcome != "" {
			outcome += "\n" + extra
		} else {
			reason += "\n" + extra
		}
	}
	id := SessionIDFromCtx(ctx)
	if id == "" {
		return ErrorResult("callback is only available inside a session")
	}
	if err := t.store.RecordSubagentCallback(id, status, outcome, reason); err != nil {
		return ErrorResult(fmt.Sprintf("callback rejected: %v", err))
	}
	return SilentResult("callback recorded; finish with a short final reply")
}

// ProgressTool streams a progress note to the parent conversation. Exposed
// as subagent__progress.
type ProgressTool struct {
	store      *sessions.Store
	dispatcher *events.Dispatcher
}

func NewProgressTool(store *sessions.Store, dispatcher *events.Dispatcher) *ProgressTool {
	return &ProgressTool{store: store, dispatcher: dispatcher}
}

func (t *ProgressTool) Name() string { return FlatName(CategorySubagent, "progress") }
func (t *ProgressTool) Description() string {
	return "Send a short progress update to the conversation that spawned you"
}

func (t *ProgressTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message": map[string]interface{}{
				"type":        "string",
				"description": "One-line progress update",
			},
		},
		"required": []string{"message"},
	}
}

func (t *ProgressTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	message, _ := args["message"].(string)
	if message == "" {
		return ErrorResult("message is required")
	}
	id := SessionIDFromCtx(ctx)
	snap, ok := t.store.Snapshot(id)
	if !ok || !snap.IsSubagent || snap.ParentSessionID == "" {
		return ErrorResult("progress is only available to sub-agents")
	}
	t.store.SetProgress(id, message)
	t.dispatcher.Emit(snap.ParentSessionID, protocol.SubagentStatus{
		SubagentID:      id,
		ParentSessionID: snap.ParentSessionID,
		Task:            snap.Task,
		TaskSlug:        snap.TaskSlug,
		Status:          "progress",
		Message:         message,
	})
	return SilentResult("progress sent")
}
