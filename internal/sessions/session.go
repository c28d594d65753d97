// Package sessions owns every live conversation: the Session objects, their
// durable JSON files under projects/<slug>/<YYYY-MM>/, and the lookup indices
// by id and by (channelId, channelUserId). All mutation goes through the
// Store; bridges and the HTTP API hold session ids only.
package sessions

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/internal/providers"
)

// Sub-agent lifecycle states. Running moves to exactly one terminal state.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// MessageJob is one queued inbound message waiting for a runner turn.
type MessageJob struct {
	Content     string              `json:"content"`
	AuthorName  string              `json:"authorName,omitempty"`
	Attachments []events.Attachment `json:"attachments,omitempty"`
}

// Session is one conversation: its history, pending queue and bindings.
// Fields are guarded by the owning Store; outside the package only the
// Snapshot and History copies circulate.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	AutoName  bool      `json:"autoName,omitempty"` // Name was derived, compaction may replace it
	Summary   string    `json:"summary,omitempty"`
	Model     string    `json:"model"` // "{connectionNickname}/{modelId}"
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Messages []providers.Message `json:"messages"`

	// Bridge binding. ChannelID "terminal" is the local CLI; other bridges
	// use "<transport>:<instanceKey>".
	ChannelID     string `json:"channelId,omitempty"`
	ChannelUserID string `json:"channelUserId,omitempty"`
	ChannelName   string `json:"channelName,omitempty"`

	// Sub-agent lineage.
	ParentSessionID        string     `json:"parentSessionId,omitempty"`
	IsSubagent             bool       `json:"isSubagent,omitempty"`
	Task                   string     `json:"task,omitempty"`
	TaskSlug               string     `json:"taskSlug,omitempty"`
	SubagentStatus         string     `json:"subagentStatus,omitempty"`
	SpawnedAt              *time.Time `json:"spawnedAt,omitempty"`
	CompletedAt            *time.Time `json:"completedAt,omitempty"`
	Progress               string     `json:"progress,omitempty"`
	SubagentCallbackCalled bool       `json:"subagentCallbackCalled,omitempty"`
	CallbackOutcome        string     `json:"callbackOutcome,omitempty"`
	CallbackReason         string     `json:"callbackReason,omitempty"`

	// Agent binding.
	AgentID   string `json:"agentId,omitempty"`
	AgentSlug string `json:"agentSlug,omitempty"`
	AgentDir  string `json:"agentDir,omitempty"`

	// Scoping.
	ProjectSlug string `json:"projectSlug,omitempty"`
	TenantID    string `json:"tenantId,omitempty"`

	// Inactive sessions keep their history but no longer own a bridge
	// binding. Set when an agent handoff rebinds the conversation.
	Inactive bool `json:"inactive,omitempty"`

	InputTokens     int64 `json:"inputTokens,omitempty"`
	OutputTokens    int64 `json:"outputTokens,omitempty"`
	CompactionCount int   `json:"compactionCount,omitempty"`

	// In-memory only: pending jobs and the single-turn guard.
	queue      []MessageJob
	processing bool
}

// Snapshot is a point-in-time copy of a session. Messages are omitted;
// History returns those.
type Snapshot struct {
	Session
	QueueLength  int  `json:"queueLength"`
	Processing   bool `json:"processing"`
	MessageCount int  `json:"messageCount"`
}

// NewID returns a fresh session id.
func NewID() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// DeriveTaskSlug compresses a task description into a short filesystem-safe
// label: lowercase alphanumerics joined by single dashes, at most 32 bytes.
func DeriveTaskSlug(task string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(task)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > 32 {
		s = strings.Trim(s[:32], "-")
	}
	if s == "" {
		return "task"
	}
	return s
}

// deriveName builds a provisional session name from the first message.
func deriveName(content string) string {
	s := strings.Join(strings.Fields(content), " ")
	runes := []rune(s)
	if len(runes) > 48 {
		s = string(runes[:48])
	}
	return s
}
