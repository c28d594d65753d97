// Package protocol defines the wire representation of daemon events and the
// HTTP API payloads. Bridges, the SSE/WebSocket feeds, and external clients
// all consume the same tagged event shapes.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType tags a DaemonEvent variant.
type EventType string

const (
	EventStart          EventType = "start"
	EventChunk          EventType = "chunk"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventDone           EventType = "done"
	EventError          EventType = "error"
	EventFile           EventType = "file"
	EventSubagentStatus EventType = "subagent-status"
	EventAgentHandoff   EventType = "agent-handoff"
)

// Event is the closed set of daemon events. One concrete shape per tag;
// dispatch sites switch exhaustively on the concrete type.
type Event interface {
	Type() EventType
}

// Start signals that a turn has begun.
type Start struct {
	SessionID string `json:"sessionId"`
}

// Chunk carries incremental assistant text.
type Chunk struct {
	Text string `json:"text"`
}

// ToolCall signals that a tool invocation started.
type ToolCall struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult reports a completed tool call (emitted in debug mode only).
type ToolResult struct {
	Name   string `json:"name"`
	Output string `json:"output"`
}

// Done signals that a turn finished normally. Suppressed means the bridge
// must not deliver the accumulated text.
type Done struct {
	SessionID  string `json:"sessionId"`
	Suppressed bool   `json:"suppressed,omitempty"`
}

// Error signals that a turn failed.
type Error struct {
	Message string `json:"message"`
}

// File carries a binary artifact produced during a turn.
type File struct {
	Name     string `json:"name"`
	Buffer   []byte `json:"buffer"`
	MimeType string `json:"mimeType"`
}

// SubagentStatus notifies the parent's channel of sub-agent lifecycle changes.
type SubagentStatus struct {
	SubagentID      string `json:"subagentId"`
	ParentSessionID string `json:"parentSessionId"`
	Task            string `json:"task"`
	TaskSlug        string `json:"taskSlug"`
	Status          string `json:"status"`
	Message         string `json:"message,omitempty"`
}

// AgentHandoff signals that channel routing moved to a different named agent.
type AgentHandoff struct {
	FromAgent string `json:"fromAgent"`
	ToAgent   string `json:"toAgent"`
	Reason    string `json:"reason"`
}

func (Start) Type() EventType          { return EventStart }
func (Chunk) Type() EventType          { return EventChunk }
func (ToolCall) Type() EventType       { return EventToolCall }
func (ToolResult) Type() EventType     { return EventToolResult }
func (Done) Type() EventType           { return EventDone }
func (Error) Type() EventType          { return EventError }
func (File) Type() EventType           { return EventFile }
func (SubagentStatus) Type() EventType { return EventSubagentStatus }
func (AgentHandoff) Type() EventType   { return EventAgentHandoff }

// MarshalEvent serialises an event as a single JSON object with a "type" tag.
// This is the frame format used for SSE data lines and WebSocket messages.
func MarshalEvent(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case Start:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			Start
		}{EventStart, ev})
	case Chunk:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			Chunk
		}{EventChunk, ev})
	case ToolCall:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			ToolCall
		}{EventToolCall, ev})
	case ToolResult:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			ToolResult
		}{EventToolResult, ev})
	case Done:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			Done
		}{EventDone, ev})
	case Error:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			Error
		}{EventError, ev})
	case File:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			File
		}{EventFile, ev})
	case SubagentStatus:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			SubagentStatus
		}{EventSubagentStatus, ev})
	case AgentHandoff:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			AgentHandoff
		}{EventAgentHandoff, ev})
	default:
		return nil, fmt.Errorf("unknown event type %T", e)
	}
}

// UnmarshalEvent parses a tagged event frame back into its concrete shape.
func UnmarshalEvent(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse event frame: %w", err)
	}

	switch head.Type {
	case EventStart:
		return decode[Start](data)
	case EventChunk:
		return decode[Chunk](data)
	case EventToolCall:
		return decode[ToolCall](data)
	case EventToolResult:
		return decode[ToolResult](data)
	case EventDone:
		return decode[Done](data)
	case EventError:
		return decode[Error](data)
	case EventFile:
		return decode[File](data)
	case EventSubagentStatus:
		return decode[SubagentStatus](data)
	case EventAgentHandoff:
		return decode[AgentHandoff](data)
	default:
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
}

func decode[T Event](data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("parse %T: %w", ev, err)
	}
	return ev, nil
}

// Frame wraps an event with its session id for multi-session feeds (/ws).
type Frame struct {
	SessionID string          `json:"sessionId"`
	Event     json.RawMessage `json:"event"`
}

// NewFrame builds a feed frame for one event.
func NewFrame(sessionID string, e Event) (Frame, error) {
	raw, err := MarshalEvent(e)
	if err != nil {
		return Frame{}, err
	}
	return Frame{SessionID: sessionID, Event: raw}, nil
}
