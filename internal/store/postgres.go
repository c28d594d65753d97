package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// pgStore is the Postgres backend, selected by TAMIAS_POSTGRES_DSN. The DSN
// is a secret: it stays in env, never in config.json or logs.
type pgStore struct {
	db *sql.DB
}

// OpenPostgres migrates and connects to the database named by a postgres://
// DSN.
func OpenPostgres(dsn string) (Store, error) {
	if err := Migrate("postgres", dsn); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &pgStore{db: db}, nil
}

func (s *pgStore) RecordAICall(ctx context.Context, call AICall) error {
	fillCall(&call)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_logs (id, session_id, provider, model, input_tokens, output_tokens, latency_ms, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		call.ID, call.SessionID, call.Provider, call.Model,
		call.InputTokens, call.OutputTokens, call.LatencyMS, call.Error, call.CreatedAt)
	if err != nil {
		return fmt.Errorf("record ai call: %w", err)
	}
	return nil
}

func (s *pgStore) UpsertSession(ctx context.Context, row SessionRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, model, channel_id, project_slug, is_subagent,
		                       input_tokens, output_tokens, compaction_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, model = EXCLUDED.model, channel_id = EXCLUDED.channel_id,
		   project_slug = EXCLUDED.project_slug, is_subagent = EXCLUDED.is_subagent,
		   input_tokens = EXCLUDED.input_tokens, output_tokens = EXCLUDED.output_tokens,
		   compaction_count = EXCLUDED.compaction_count, updated_at = EXCLUDED.updated_at`,
		row.ID, row.Name, row.Model, row.ChannelID, row.ProjectSlug, row.IsSubagent,
		row.InputTokens, row.OutputTokens, row.CompactionCount, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *pgStore) AppendMessage(ctx context.Context, row MessageRow) error {
	fillMessage(&row)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		row.ID, row.SessionID, row.Role, row.Content, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *pgStore) RecentAICalls(ctx context.Context, sessionID string, limit int) ([]AICall, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, provider, model, input_tokens, output_tokens, latency_ms, error, created_at
		 FROM ai_logs WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ai logs: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

func (s *pgStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session row: %w", err)
	}
	return nil
}

func (s *pgStore) Close() error { return s.db.Close() }
