package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestAnthropicChat verifies headers, the messages wire format and response
// parsing for the non-streaming path.
func TestAnthropicChat(t *testing.T) {
	var gotHeaders http.Header
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		fmt.Fprint(w, `{
			"content": [
				{"type": "text", "text": "Checking."},
				{"type": "tool_use", "id": "toolu_1", "name": "session__list_sessions", "input": {"limit": 5}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 30, "output_tokens": 12}
		}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("sk-ant-test", srv.URL)
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model: "claude-sonnet-4",
		Messages: []Message{
			{Role: "system", Content: "you are terse"},
			{Role: "user", Content: "what sessions exist?"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotHeaders.Get("x-api-key") != "sk-ant-test" {
		t.Errorf("x-api-key = %q", gotHeaders.Get("x-api-key"))
	}
	if gotHeaders.Get("anthropic-version") == "" {
		t.Error("missing anthropic-version header")
	}
	if gotBody["system"] == nil {
		t.Error("system prompt not lifted into system field")
	}
	msgs := gotBody["messages"].([]interface{})
	if len(msgs) != 1 {
		t.Errorf("wire messages = %d, want 1 (system lifted out)", len(msgs))
	}

	if resp.Content != "Checking." {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "session__list_sessions" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if got := resp.ToolCalls[0].Arguments["limit"]; got != float64(5) {
		t.Errorf("args = %v", resp.ToolCalls[0].Arguments)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 42 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

// TestAnthropicChatStream verifies SSE event parsing: text deltas, tool input
// accumulation, stop reason and usage.
func TestAnthropicChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []struct{ event, data string }{
			{"message_start", `{"message":{"usage":{"input_tokens":50,"cache_read_input_tokens":40}}}`},
			{"content_block_start", `{"index":0,"content_block":{"type":"text"}}`},
			{"content_block_delta", `{"delta":{"type":"text_delta","text":"On "}}`},
			{"content_block_delta", `{"delta":{"type":"text_delta","text":"it."}}`},
			{"content_block_start", `{"index":1,"content_block":{"type":"tool_use","id":"toolu_2","name":"terminal__run_command"}}`},
			{"content_block_delta", `{"delta":{"type":"input_json_delta","partial_json":"{\"comm"}}`},
			{"content_block_delta", `{"delta":{"type":"input_json_delta","partial_json":"and\":\"uptime\"}"}}`},
			{"message_delta", `{"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`},
			{"message_stop", `{}`},
		}
		for _, ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.event, ev.data)
		}
	}))
	defer srv.Close()

	p := NewAnthropicProvider("sk-ant-test", srv.URL)
	var streamed string
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Model:    "claude-sonnet-4",
		Messages: []Message{{Role: "user", Content: "check load"}},
	}, func(c StreamChunk) {
		streamed += c.Content
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if resp.Content != "On it." || streamed != "On it." {
		t.Errorf("content = %q, streamed = %q", resp.Content, streamed)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if got := resp.ToolCalls[0].Arguments["command"]; got != "uptime" {
		t.Errorf("accumulated input = %v", resp.ToolCalls[0].Arguments)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 50 || resp.Usage.CompletionTokens != 9 || resp.Usage.CacheReadTokens != 40 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

// TestAnthropicStreamError verifies an error event aborts the stream with a
// descriptive error.
func TestAnthropicStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"error\":{\"type\":\"overloaded_error\",\"message\":\"try later\"}}\n\n")
	}))
	defer srv.Close()

	p := NewAnthropicProvider("sk-ant-test", srv.URL)
	_, err := p.ChatStream(context.Background(), ChatRequest{
		Model:    "claude-sonnet-4",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, nil)
	if err == nil {
		t.Fatal("want stream error")
	}
}

// TestAnthropicToolResultWire verifies tool results become tool_result user
// blocks.
func TestAnthropicToolResultWire(t *testing.T) {
	var gotBody struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		fmt.Fprint(w, `{"content":[{"type":"text","text":"done"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("sk-ant-test", srv.URL)
	_, err := p.Chat(context.Background(), ChatRequest{
		Model: "claude-sonnet-4",
		Messages: []Message{
			{Role: "user", Content: "run it"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "toolu_9", Name: "x", Arguments: map[string]interface{}{}}}},
			{Role: "tool", ToolCallID: "toolu_9", Content: `{"success":true}`},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if len(gotBody.Messages) != 3 {
		t.Fatalf("wire messages = %d", len(gotBody.Messages))
	}
	last := gotBody.Messages[2]
	if last.Role != "user" {
		t.Errorf("tool result role = %q, want user", last.Role)
	}
	var blocks []map[string]interface{}
	if err := json.Unmarshal(last.Content, &blocks); err != nil || len(blocks) != 1 {
		t.Fatalf("tool result content = %s", last.Content)
	}
	if blocks[0]["type"] != "tool_result" || blocks[0]["tool_use_id"] != "toolu_9" {
		t.Errorf("tool result block = %v", blocks[0])
	}
}
