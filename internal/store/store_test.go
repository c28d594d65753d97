package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "data.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite() = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestRecordAndReadAICalls verifies rows round-trip and come back newest
// first with the generated id and timestamp filled in.
func TestRecordAndReadAICalls(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	for i, model := range []string{"gpt-5", "claude-sonnet-4-5"} {
		err := s.RecordAICall(ctx, AICall{
			SessionID:    "sess_abc",
			Provider:     "openai",
			Model:        model,
			InputTokens:  100,
			OutputTokens: int64(10 * (i + 1)),
			LatencyMS:    250,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordAICall() = %v", err)
		}
	}
	if err := s.RecordAICall(ctx, AICall{SessionID: "sess_other", Provider: "ollama", Model: "llama3"}); err != nil {
		t.Fatal(err)
	}

	calls, err := s.RecentAICalls(ctx, "sess_abc", 10)
	if err != nil {
		t.Fatalf("RecentAICalls() = %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Model != "claude-sonnet-4-5" {
		t.Errorf("first call model = %q, want newest first", calls[0].Model)
	}
	if calls[0].ID == "" {
		t.Errorf("generated id missing")
	}
}

// TestUpsertSessionIsIdempotent verifies the second upsert updates in place
// rather than failing on the primary key.
func TestUpsertSessionIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	row := SessionRow{ID: "sess_1", Model: "openai/gpt-5", CreatedAt: now, UpdatedAt: now}
	if err := s.UpsertSession(ctx, row); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	row.Name = "renamed"
	row.CompactionCount = 2
	row.UpdatedAt = now.Add(time.Minute)
	if err := s.UpsertSession(ctx, row); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
}

// TestMigrateIsIdempotent verifies running migrations twice over the same
// file is a no-op the second time.
func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.sqlite")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen with migrations already applied: %v", err)
	}
	s.Close()
}

// TestDeleteSessionRemovesRows verifies session deletion clears the mirror
// rows but leaves the ai_logs audit trail alone.
func TestDeleteSessionRemovesRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.UpsertSession(ctx, SessionRow{ID: "sess_x", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendMessage(ctx, MessageRow{SessionID: "sess_x", Role: "user", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordAICall(ctx, AICall{SessionID: "sess_x", Provider: "openai", Model: "gpt-5"}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteSession(ctx, "sess_x"); err != nil {
		t.Fatalf("DeleteSession() = %v", err)
	}
	calls, err := s.RecentAICalls(ctx, "sess_x", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 {
		t.Errorf("ai_logs rows = %d after delete, want 1 (audit trail kept)", len(calls))
	}
}
