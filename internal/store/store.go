// Package store records durable operational state in a relational database:
// every provider call (ai_logs) plus mirror rows for sessions and messages so
// external tooling can inspect the daemon without parsing session JSON files.
// SQLite at ~/.tamias/data.sqlite is the default; setting TAMIAS_POSTGRES_DSN
// switches the backend to Postgres. Writes are best-effort — callers log
// failures and move on, a broken database never fails a turn.
package store

import (
	"context"
	"time"

	"github.com/tamias-dev/tamias/internal/config"
)

// AICall is one recorded provider invocation.
type AICall struct {
	ID           string
	SessionID    string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	LatencyMS    int64
	Error        string
	CreatedAt    time.Time
}

// SessionRow mirrors the durable fields of a session for SQL consumers.
type SessionRow struct {
	ID              string
	Name            string
	Model           string
	ChannelID       string
	ProjectSlug     string
	IsSubagent      bool
	InputTokens     int64
	OutputTokens    int64
	CompactionCount int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MessageRow is one appended conversation message.
type MessageRow struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store is the operational database. Implementations are safe for concurrent
// use.
type Store interface {
	RecordAICall(ctx context.Context, call AICall) error
	UpsertSession(ctx context.Context, row SessionRow) error
	AppendMessage(ctx context.Context, row MessageRow) error
	RecentAICalls(ctx context.Context, sessionID string, limit int) ([]AICall, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

// Open selects the backend from config: Postgres when a DSN is present,
// SQLite at the data path otherwise. Migrations run before the store is
// returned.
func Open(cfg *config.Config, paths config.Paths) (Store, error) {
	if cfg != nil && cfg.Database.PostgresDSN != "" {
		return OpenPostgres(cfg.Database.PostgresDSN)
	}
	return OpenSQLite(paths.DataDB())
}
