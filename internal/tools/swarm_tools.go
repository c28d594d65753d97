package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// AgentSummary describes one named agent for listings.
type AgentSummary struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Model       string `json:"model,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// HandoffInfo reports the outcome of a completed handoff.
type HandoffInfo struct {
	FromAgent    string
	ToAgent      string
	NewSessionID string
}

// AgentDirectory exposes the named-agent registry to the swarm tools.
// Implemented by the agent orchestrator.
type AgentDirectory interface {
	ListAgents() []AgentSummary
	HandoffSession(ctx context.Context, sessionID, targetAgentID, reason, note string) (HandoffInfo, error)
}

// TransferTool rebinds the current conversation to another named agent.
// Exposed as swarm__transfer_to_agent.
type TransferTool struct {
	dir AgentDirectory
}

func NewTransferTool(dir AgentDirectory) *TransferTool {
	return &TransferTool{dir: dir}
}

func (t *TransferTool) Name() string { return FlatName(CategorySwarm, "transfer_to_agent") }
func (t *TransferTool) Description() string {
	return "Hand this conversation over to another named agent. Future messages on this channel go to that agent."
}

func (t *TransferTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"agent_id": map[string]interface{}{
				"type":        "string",
				"description": "Id or slug of the agent to transfer to",
			},
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Why the conversation is being transferred",
			},
			"context": map[string]interface{}{
				"type":        "string",
				"description": "Optional compressed summary of the conversation so far for the receiving agent",
			},
		},
		"required": []string{"agent_id", "reason"},
	}
}

func (t *TransferTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	agentID, _ := args["agent_id"].(string)
	reason, _ := args["reason"].(string)
	note, _ := args["context"].(string)
	if agentID == "" {
		return ErrorResult("agent_id is required")
	}
	sessionID := SessionIDFromCtx(ctx)
	if sessionID == "" {
		return ErrorResult("transfer is only available inside a session")
	}
	info, err := t.dir.HandoffSession(ctx, sessionID, agentID, reason, note)
	if err != nil {
		return ErrorResult(fmt.Sprintf("transfer failed: %v", err))
	}
	return NewResult(fmt.Sprintf("conversation transferred from %s to %s; say goodbye briefly, %s will take over from the next message", info.FromAgent, info.ToAgent, info.ToAgent))
}

// ListAgentsTool lists the named agents available for handoff. Exposed as
// swarm__list_agents.
type ListAgentsTool struct {
	dir AgentDirectory
}

func NewListAgentsTool(dir AgentDirectory) *ListAgentsTool {
	return &ListAgentsTool{dir: dir}
}

func (t *ListAgentsTool) Name() string { return FlatName(CategorySwarm, "list_agents") }
func (t *ListAgentsTool) Description() string {
	return "List the named agents this daemon can transfer conversations to"
}

func (t *ListAgentsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListAgentsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	agents := t.dir.ListAgents()
	out, err := json.Marshal(map[string]interface{}{
		"count":  len(agents),
		"agents": agents,
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode agent list: %v", err))
	}
	return SilentResult(string(out))
}
