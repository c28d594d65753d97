package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// sqliteStore is the default backend, one file under the state root.
type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite migrates and opens the SQLite database at path, creating parent
// directories as needed.
func OpenSQLite(path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := Migrate("sqlite", "sqlite://"+path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single connection: serialises writers, no SQLITE_BUSY in-process.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) RecordAICall(ctx context.Context, call AICall) error {
	fillCall(&call)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_logs (id, session_id, provider, model, input_tokens, output_tokens, latency_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.SessionID, call.Provider, call.Model,
		call.InputTokens, call.OutputTokens, call.LatencyMS, call.Error, call.CreatedAt)
	if err != nil {
		return fmt.Errorf("record ai call: %w", err)
	}
	return nil
}

func (s *sqliteStore) UpsertSession(ctx context.Context, row SessionRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, model, channel_id, project_slug, is_subagent,
		                       input_tokens, output_tokens, compaction_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, model = excluded.model, channel_id = excluded.channel_id,
		   project_slug = excluded.project_slug, is_subagent = excluded.is_subagent,
		   input_tokens = excluded.input_tokens, output_tokens = excluded.output_tokens,
		   compaction_count = excluded.compaction_count, updated_at = excluded.updated_at`,
		row.ID, row.Name, row.Model, row.ChannelID, row.ProjectSlug, row.IsSubagent,
		row.InputTokens, row.OutputTokens, row.CompactionCount, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *sqliteStore) AppendMessage(ctx context.Context, row MessageRow) error {
	fillMessage(&row)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		row.ID, row.SessionID, row.Role, row.Content, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecentAICalls(ctx context.Context, sessionID string, limit int) ([]AICall, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, provider, model, input_tokens, output_tokens, latency_ms, error, created_at
		 FROM ai_logs WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ai logs: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

func (s *sqliteStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session row: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// fillCall assigns the generated fields a caller may omit.
func fillCall(call *AICall) {
	if call.ID == "" {
		call.ID = uuid.Must(uuid.NewV7()).String()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
}

func fillMessage(row *MessageRow) {
	if row.ID == "" {
		row.ID = uuid.Must(uuid.NewV7()).String()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
}

func scanCalls(rows *sql.Rows) ([]AICall, error) {
	var out []AICall
	for rows.Next() {
		var c AICall
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Provider, &c.Model,
			&c.InputTokens, &c.OutputTokens, &c.LatencyMS, &c.Error, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ai log: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
