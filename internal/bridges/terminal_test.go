package bridges

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/tamias-dev/tamias/pkg/protocol"
)

// TestTerminalStreamsTurn feeds one line through the REPL, streams a reply
// event by event, and ends the loop at EOF.
func TestTerminalStreamsTurn(t *testing.T) {
	gw, st, _ := newGatewayFixture(t)

	in := strings.NewReader("hi there\n")
	var out, errw syncBuffer
	eof := make(chan struct{})
	term := newTerminalWith(gw, false, in, &out, &errw, func() { close(eof) })

	if err := term.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer term.Stop(context.Background())

	var id string
	waitFor(t, func() bool {
		var ok bool
		id, ok = st.GetSessionForBridge("terminal", "local")
		return ok
	})

	job, ok := st.BeginTurn(id)
	if !ok {
		t.Fatal("no queued job after accept")
	}
	if job.Content != "hi there" {
		t.Fatalf("job content = %q", job.Content)
	}

	d := gw.Events()
	d.Emit(id, protocol.Start{SessionID: id})
	d.Emit(id, protocol.Chunk{Text: "hello "})
	d.Emit(id, protocol.Chunk{Text: "back"})
	d.Emit(id, protocol.Done{SessionID: id})

	waitFor(t, func() bool { return strings.Contains(out.String(), "hello back") })

	// Done releases the prompt; the exhausted reader then triggers EOF.
	waitFor(t, func() bool {
		select {
		case <-eof:
			return true
		default:
			return false
		}
	})
	if !strings.Contains(errw.String(), "You: ") {
		t.Error("prompt missing from stderr stream")
	}
}

// TestTerminalErrorRendersAndReleases shows turn failures inline and frees
// the prompt for the next line.
func TestTerminalErrorRendersAndReleases(t *testing.T) {
	gw, st, _ := newGatewayFixture(t)

	in := strings.NewReader("first\nexit\n")
	var out, errw syncBuffer
	eof := make(chan struct{})
	term := newTerminalWith(gw, false, in, &out, &errw, func() { close(eof) })

	if err := term.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer term.Stop(context.Background())

	var id string
	waitFor(t, func() bool {
		var ok bool
		id, ok = st.GetSessionForBridge("terminal", "local")
		return ok
	})

	gw.Events().Emit(id, protocol.Error{Message: "all models failed"})

	waitFor(t, func() bool { return strings.Contains(out.String(), "⚠️ Error: all models failed") })

	// The released loop reads "exit" and shuts down.
	waitFor(t, func() bool {
		select {
		case <-eof:
			return true
		default:
			return false
		}
	})
}

// TestTerminalDebugToolLines renders tool traffic to stderr only when debug
// is on, truncated to one terminal line.
func TestTerminalDebugToolLines(t *testing.T) {
	gw, st, _ := newGatewayFixture(t)

	var out, errw syncBuffer
	term := newTerminalWith(gw, true, strings.NewReader("run it\n"), &out, &errw, nil)
	if err := term.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer term.Stop(context.Background())

	var id string
	waitFor(t, func() bool {
		var ok bool
		id, ok = st.GetSessionForBridge("terminal", "local")
		return ok
	})

	input := json.RawMessage(`{"path":"` + strings.Repeat("x", 300) + `"}`)
	gw.Events().Emit(id, protocol.ToolCall{Name: "read_file", Input: input})
	gw.Events().Emit(id, protocol.ToolResult{Name: "read_file", Output: "42 lines"})

	waitFor(t, func() bool { return strings.Contains(errw.String(), "⚙ read_file") })
	waitFor(t, func() bool { return strings.Contains(errw.String(), "→ 42 lines") })

	for _, line := range strings.Split(errw.String(), "\n") {
		if strings.HasPrefix(line, "⚙") && !strings.Contains(line, "…") {
			t.Errorf("long tool input not truncated: %q", line)
		}
	}
}
