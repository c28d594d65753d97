package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestGoogleChat verifies key header placement, role mapping and function
// call parsing.
func TestGoogleChat(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		fmt.Fprint(w, `{
			"candidates": [{
				"content": {"role": "model", "parts": [
					{"text": "Looking that up."},
					{"functionCall": {"name": "workspace__list_files", "args": {"path": "."}}}
				]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 14, "candidatesTokenCount": 6}
		}`)
	}))
	defer srv.Close()

	p := NewGoogleProvider("g-key", srv.URL)
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model: "gemini-2.5-flash",
		Messages: []Message{
			{Role: "system", Content: "be helpful"},
			{Role: "user", Content: "what files?"},
			{Role: "assistant", Content: "I can check."},
			{Role: "user", Content: "do it"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if !strings.Contains(gotPath, "gemini-2.5-flash:generateContent") {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "g-key" {
		t.Errorf("x-goog-api-key = %q", gotKey)
	}
	if gotBody["systemInstruction"] == nil {
		t.Error("system message not lifted to systemInstruction")
	}
	contents := gotBody["contents"].([]interface{})
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	second := contents[1].(map[string]interface{})
	if second["role"] != "model" {
		t.Errorf("assistant role mapped to %q, want model", second["role"])
	}

	if resp.Content != "Looking that up." {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "workspace__list_files" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 20 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

// TestGoogleChatStream verifies SSE chunk accumulation.
func TestGoogleChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "alt=sse") {
			t.Errorf("missing alt=sse in query %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"candidates":[{"content":{"parts":[{"text":"The answer "}]}}]}`,
			`data: {"candidates":[{"content":{"parts":[{"text":"is 4."}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":4}}`,
		}
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	}))
	defer srv.Close()

	p := NewGoogleProvider("g-key", srv.URL)
	var streamed string
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Model:    "gemini-2.5-flash",
		Messages: []Message{{Role: "user", Content: "2+2?"}},
	}, func(c StreamChunk) {
		streamed += c.Content
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Content != "The answer is 4." || streamed != resp.Content {
		t.Errorf("content = %q, streamed = %q", resp.Content, streamed)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 9 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

// TestGoogleToolResultWire verifies tool results become functionResponse
// parts keyed by tool name.
func TestGoogleToolResultWire(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}`)
	}))
	defer srv.Close()

	p := NewGoogleProvider("g-key", srv.URL)
	_, err := p.Chat(context.Background(), ChatRequest{
		Model: "gemini-2.5-flash",
		Messages: []Message{
			{Role: "user", Content: "check"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "terminal__run_command_0", Name: "terminal__run_command", Arguments: map[string]interface{}{"command": "date"}}}},
			{Role: "tool", ToolCallID: "terminal__run_command_0", ToolName: "terminal__run_command", Content: "Mon"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	contents := gotBody["contents"].([]interface{})
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	toolEntry := contents[2].(map[string]interface{})
	parts := toolEntry["parts"].([]interface{})
	fr := parts[0].(map[string]interface{})["functionResponse"].(map[string]interface{})
	if fr["name"] != "terminal__run_command" {
		t.Errorf("functionResponse name = %v", fr["name"])
	}
}

// TestGoogleRetryInfo verifies the RetryInfo error detail is honored as a
// retry delay source.
func TestGoogleRetryInfo(t *testing.T) {
	body := []byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"2s"}]}}`)
	if got := parseRetryInfo(body); got.Seconds() != 2 {
		t.Errorf("parseRetryInfo = %v, want 2s", got)
	}
	if got := parseRetryInfo([]byte(`{}`)); got != 0 {
		t.Errorf("empty body = %v", got)
	}
}
