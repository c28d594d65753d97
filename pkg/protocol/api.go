package protocol

import "time"

// Message is one turn in a session transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionSummary is the GET /sessions list item.
type SessionSummary struct {
	ID              string     `json:"id"`
	Name            string     `json:"name,omitempty"`
	Summary         string     `json:"summary,omitempty"`
	Model           string     `json:"model"`
	QueueLength     int        `json:"queueLength"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	IsSubagent      bool       `json:"isSubagent"`
	ParentSessionID string     `json:"parentSessionId,omitempty"`
	Task            string     `json:"task,omitempty"`
	SubagentStatus  string     `json:"subagentStatus,omitempty"`
	SpawnedAt       *time.Time `json:"spawnedAt,omitempty"`
	Progress        string     `json:"progress,omitempty"`
}

// SessionDetail is the GET /sessions/:id response.
type SessionDetail struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Model         string    `json:"model"`
	Summary       string    `json:"summary,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	ChannelID     string    `json:"channelId,omitempty"`
	ChannelUserID string    `json:"channelUserId,omitempty"`
	Messages      []Message `json:"messages"`
}

// CreateSessionRequest is the POST /sessions body.
type CreateSessionRequest struct {
	Model         string `json:"model,omitempty"`
	ChannelID     string `json:"channelId,omitempty"`
	ChannelUserID string `json:"channelUserId,omitempty"`
	ChannelName   string `json:"channelName,omitempty"`
}

// ChatRequest is the POST /chat body.
type ChatRequest struct {
	Content    string `json:"content"`
	AuthorName string `json:"authorName,omitempty"`
}

// DebugConnection describes one configured connection without its secret.
type DebugConnection struct {
	Nickname       string   `json:"nickname"`
	Provider       string   `json:"provider"`
	BaseURL        string   `json:"baseUrl,omitempty"`
	SelectedModels []string `json:"selectedModels"`
}

// DebugSession pairs a live session with its connection's config status.
type DebugSession struct {
	ID                       string `json:"id"`
	ConnectionNickname       string `json:"connectionNickname"`
	ConnectionExistsInConfig bool   `json:"connectionExistsInConfig"`
}

// DebugInfo is the GET /debug response.
type DebugInfo struct {
	Version       string            `json:"version"`
	ExecPath      string            `json:"execPath"`
	VerboseMode   bool              `json:"verboseMode"`
	Connections   []DebugConnection `json:"connections"`
	DefaultModels []string          `json:"defaultModels"`
	Sessions      []DebugSession    `json:"sessions"`
}

// DaemonInfo is the contents of daemon.json, the discovery file a CLI
// client reads to find the running daemon.
type DaemonInfo struct {
	PID           int       `json:"pid"`
	Port          int       `json:"port"`
	StartedAt     time.Time `json:"startedAt"`
	DashboardPort int       `json:"dashboardPort,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	OK bool `json:"ok"`
}
