package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tamias-dev/tamias/internal/bridges"
	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/internal/sessions"
	"github.com/tamias-dev/tamias/pkg/protocol"
)

// stubHook is a minimal webhook bridge for mux mounting tests.
type stubHook struct {
	path string
	hit  bool
}

func (h *stubHook) Name() string                    { return "stub" }
func (h *stubHook) Start(context.Context) error     { return nil }
func (h *stubHook) Stop(context.Context) error      { return nil }
func (h *stubHook) WebhookPath() string             { return h.path }
func (h *stubHook) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.hit = true
	w.WriteHeader(http.StatusOK)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testConfig(t *testing.T) (*config.Config, config.Paths) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg := config.Default()
	cfg.Connections = map[string]config.Connection{
		"main": {Provider: config.ProviderOpenAI, EnvKeyName: "OPENAI_API_KEY", SelectedModels: []string{"gpt-4.1"}},
	}
	cfg.DefaultModels = []string{"main/gpt-4.1"}
	paths := config.Paths{Root: t.TempDir()}
	if err := paths.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	return cfg, paths
}

func newTestServer(t *testing.T) (*Server, *sessions.Store, *httptest.Server) {
	t.Helper()
	cfg, paths := testConfig(t)
	st := sessions.NewStore(cfg, paths, events.NewDispatcher())
	s := New(Options{Config: cfg, Paths: paths, Store: st, Version: "test"})
	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(ts.Close)
	return s, st, ts
}

// readSSE collects events from an SSE body until a terminal event or EOF.
func readSSE(t *testing.T, body *bufio.Scanner) []protocol.Event {
	t.Helper()
	var evs []protocol.Event
	for body.Scan() {
		line := body.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		ev, err := protocol.UnmarshalEvent([]byte(strings.TrimPrefix(line, "data: ")))
		if err != nil {
			t.Fatalf("bad SSE frame %q: %v", line, err)
		}
		evs = append(evs, ev)
		switch ev.(type) {
		case protocol.Done, protocol.Error:
			return evs
		}
	}
	return evs
}

// Health answers 200 with the fixed body clients poll for during startup.
func TestHealthEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var h protocol.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if !h.OK {
		t.Fatal("health not ok")
	}
}

// Sessions are created, listed, fetched and deleted through the REST surface.
func TestSessionLifecycle(t *testing.T) {
	_, _, ts := newTestServer(t)

	body := bytes.NewBufferString(`{"channelId":"api","channelUserId":"u1"}`)
	resp, err := http.Post(ts.URL+"/sessions", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	var created protocol.SessionSummary
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	if created.ID == "" || created.Model != "main/gpt-4.1" {
		t.Fatalf("created = %+v", created)
	}

	resp, err = http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var list []protocol.SessionSummary
	json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("list = %+v", list)
	}

	resp, err = http.Get(ts.URL + "/sessions/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	var detail protocol.SessionDetail
	json.NewDecoder(resp.Body).Decode(&detail)
	resp.Body.Close()
	if detail.ID != created.ID || detail.ChannelID != "api" {
		t.Fatalf("detail = %+v", detail)
	}
	if detail.Messages == nil {
		t.Fatal("messages should be an empty array, not null")
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/sessions/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", resp.StatusCode)
	}
}

// Creating a session against an unconfigured connection is a 400, not a 500.
func TestCreateSessionRejectsUnknownModel(t *testing.T) {
	_, _, ts := newTestServer(t)

	body := bytes.NewBufferString(`{"model":"ghost/gpt-4.1"}`)
	resp, err := http.Post(ts.URL+"/sessions", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

// POST /chat enqueues the message and streams the whole turn as SSE frames,
// ending the response at the done event.
func TestChatStreamsTurn(t *testing.T) {
	_, st, ts := newTestServer(t)

	st.SetWake(func(id string) {
		go func() {
			job, ok := st.BeginTurn(id)
			if !ok {
				return
			}
			d := st.Dispatcher()
			d.Emit(id, protocol.Start{SessionID: id})
			d.Emit(id, protocol.Chunk{Text: "echo: "})
			d.Emit(id, protocol.Chunk{Text: job.Content})
			d.Emit(id, protocol.Done{SessionID: id})
			st.EndTurn(id)
		}()
	})

	snap, err := st.CreateSession(sessions.CreateParams{})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(ts.URL+"/chat?sessionId="+snap.ID, "application/json",
		bytes.NewBufferString(`{"content":"ping"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	evs := readSSE(t, bufio.NewScanner(resp.Body))
	var text strings.Builder
	sawDone := false
	for _, ev := range evs {
		switch e := ev.(type) {
		case protocol.Chunk:
			text.WriteString(e.Text)
		case protocol.Done:
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatal("stream ended without done event")
	}
	if text.String() != "echo: ping" {
		t.Fatalf("streamed text = %q", text.String())
	}
}

// Chat rejects missing session ids, unknown sessions and empty content
// before any SSE headers go out.
func TestChatValidation(t *testing.T) {
	_, st, ts := newTestServer(t)
	snap, err := st.CreateSession(sessions.CreateParams{})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		url  string
		body string
		want int
	}{
		{"missing session id", "/chat", `{"content":"hi"}`, http.StatusBadRequest},
		{"unknown session", "/chat?sessionId=sess_nope", `{"content":"hi"}`, http.StatusNotFound},
		{"empty content", "/chat?sessionId=" + snap.ID, `{"content":"  "}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, err := http.Post(ts.URL+tc.url, "application/json", strings.NewReader(tc.body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

// An attached stream closes as soon as the session reports an error.
func TestStreamClosesOnError(t *testing.T) {
	_, st, ts := newTestServer(t)
	snap, err := st.CreateSession(sessions.CreateParams{})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/session/" + snap.ID + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	st.Dispatcher().Emit(snap.ID, protocol.Start{SessionID: snap.ID})
	st.Dispatcher().Emit(snap.ID, protocol.Error{Message: "all models failed"})

	evs := readSSE(t, bufio.NewScanner(resp.Body))
	if len(evs) == 0 {
		t.Fatal("no events received")
	}
	last, ok := evs[len(evs)-1].(protocol.Error)
	if !ok {
		t.Fatalf("last event = %T, want Error", evs[len(evs)-1])
	}
	if last.Message != "all models failed" {
		t.Fatalf("message = %q", last.Message)
	}
}

// Streaming an unknown session is a plain 404.
func TestStreamUnknownSession(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/session/sess_nope/stream")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

// Every session's events reach /ws consumers as Frame JSON.
func TestFeedBroadcastsFrames(t *testing.T) {
	s, st, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	waitFor(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.clients) == 1
	})

	st.Dispatcher().Emit("sess_feed1", protocol.Chunk{Text: "word"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame protocol.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	if frame.SessionID != "sess_feed1" {
		t.Fatalf("sessionId = %q", frame.SessionID)
	}
	ev, err := protocol.UnmarshalEvent(frame.Event)
	if err != nil {
		t.Fatal(err)
	}
	chunk, ok := ev.(protocol.Chunk)
	if !ok || chunk.Text != "word" {
		t.Fatalf("event = %#v", ev)
	}
}

// /debug exposes connection metadata but never secret values.
func TestDebugMasksSecrets(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/debug")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	var info protocol.DebugInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatal(err)
	}
	if info.Version != "test" {
		t.Fatalf("version = %q", info.Version)
	}
	if len(info.Connections) != 1 || info.Connections[0].Nickname != "main" {
		t.Fatalf("connections = %+v", info.Connections)
	}
	if bytes.Contains(raw, []byte("sk-test")) {
		t.Fatal("debug response leaked an api key")
	}
}

// DELETE /daemon acknowledges with 202 and fires the shutdown callback.
func TestShutdownEndpoint(t *testing.T) {
	cfg, paths := testConfig(t)
	st := sessions.NewStore(cfg, paths, events.NewDispatcher())
	fired := make(chan struct{})
	s := New(Options{Config: cfg, Paths: paths, Store: st, OnShutdownRequest: func() { close(fired) }})
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/daemon", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown callback never fired")
	}
}

// Webhook bridges get mounted on the daemon mux at their own path.
func TestWebhookMount(t *testing.T) {
	cfg, paths := testConfig(t)
	st := sessions.NewStore(cfg, paths, events.NewDispatcher())
	hook := &stubHook{path: "/webhooks/test/x"}
	s := New(Options{Config: cfg, Paths: paths, Store: st, Webhooks: []bridges.WebhookBridge{hook}})
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + hook.path)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if !hook.hit {
		t.Fatal("webhook handler never reached")
	}
}

// A configured port that is already taken surfaces as ErrBind so the CLI
// can exit with the dedicated code.
func TestListenReportsBindFailure(t *testing.T) {
	cfg, paths := testConfig(t)
	st := sessions.NewStore(cfg, paths, events.NewDispatcher())

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()
	cfg.Daemon.Port = taken.Addr().(*net.TCPAddr).Port

	s := New(Options{Config: cfg, Paths: paths, Store: st})
	if _, err := s.Listen(); !errors.Is(err, ErrBind) {
		t.Fatalf("err = %v, want ErrBind", err)
	}
}

// Listen writes daemon.json, Serve keeps it for the daemon's lifetime, and
// shutdown removes it so discovery never points at a dead process.
func TestDaemonInfoLifecycle(t *testing.T) {
	cfg, paths := testConfig(t)
	st := sessions.NewStore(cfg, paths, events.NewDispatcher())
	s := New(Options{Config: cfg, Paths: paths, Store: st})

	port, err := s.Listen()
	if err != nil {
		t.Fatal(err)
	}
	if port < portScanStart || reservedPorts[port] {
		t.Fatalf("picked port %d", port)
	}

	info, err := ReadInfo(paths)
	if err != nil {
		t.Fatal(err)
	}
	if info.Port != port || info.PID != os.Getpid() {
		t.Fatalf("info = %+v", info)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx) }()

	waitFor(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	cancel()
	if err := <-served; err != nil {
		t.Fatalf("serve returned %v", err)
	}
	if _, err := os.Stat(paths.DaemonFile()); !os.IsNotExist(err) {
		t.Fatal("daemon.json still present after shutdown")
	}
}
