package bridges

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"

	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/pkg/protocol"
)

// terminalChannelID is the fixed conversation binding for the local REPL.
const (
	terminalChannelID = "terminal"
	terminalUserID    = "local"
)

// toolLineWidth bounds inline tool-call rendering so a huge JSON input does
// not wrap the whole terminal.
const toolLineWidth = 100

// Terminal is the foreground stdin/stdout bridge: one message per line, the
// reply streamed live. It is the only bridge that renders chunk events as
// they arrive instead of buffering until done.
type Terminal struct {
	gw    *Gateway
	debug bool
	onEOF func()

	in   io.Reader
	out  io.Writer // assistant output
	errw io.Writer // prompts and status lines

	mu       sync.Mutex // serialises writes
	turnDone chan struct{}
	cancel   context.CancelFunc
}

// NewTerminal builds the stdin/stdout bridge. onEOF runs when input ends or
// the user types exit; the daemon hooks shutdown there.
func NewTerminal(gw *Gateway, debug bool, onEOF func()) *Terminal {
	return newTerminalWith(gw, debug, os.Stdin, os.Stdout, os.Stderr, onEOF)
}

func newTerminalWith(gw *Gateway, debug bool, in io.Reader, out, errw io.Writer, onEOF func()) *Terminal {
	return &Terminal{
		gw:       gw,
		debug:    debug,
		onEOF:    onEOF,
		in:       in,
		out:      out,
		errw:     errw,
		turnDone: make(chan struct{}, 1),
	}
}

func (t *Terminal) Name() string { return "terminal" }

// Start subscribes to the event stream and begins reading lines.
func (t *Terminal) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.gw.Events().SubscribeAll("bridge:terminal", t.onEvent)
	go t.readLoop(ctx)
	return nil
}

// Stop unsubscribes from the event stream. The read loop exits with the
// context; a Scan blocked on a real stdin ends when the process does.
func (t *Terminal) Stop(_ context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	t.gw.Events().UnsubscribeAll("bridge:terminal")
	return nil
}

func (t *Terminal) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.write(t.errw, "You: ")
		if !scanner.Scan() {
			if t.onEOF != nil {
				t.onEOF()
			}
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			if t.onEOF != nil {
				t.onEOF()
			}
			return
		}

		_, err := t.gw.Accept(events.InboundMessage{
			ChannelID:     terminalChannelID,
			ChannelUserID: terminalUserID,
			Content:       line,
		}, "terminal")
		if err != nil {
			t.write(t.errw, fmt.Sprintf("⚠️ Error: %v\n", err))
			continue
		}

		// Hold the prompt until the turn finishes so streamed output does
		// not interleave with the next read.
		select {
		case <-ctx.Done():
			return
		case <-t.turnDone:
		}
	}
}

func (t *Terminal) onEvent(sessionID string, ev protocol.Event) {
	channelID, _, _, ok := t.gw.Binding(sessionID)
	if !ok || channelID != terminalChannelID {
		return
	}

	switch e := ev.(type) {
	case protocol.Start:
		t.write(t.out, "\n")
	case protocol.Chunk:
		t.write(t.out, e.Text)
	case protocol.ToolCall:
		if t.debug {
			line := fmt.Sprintf("⚙ %s %s", e.Name, string(e.Input))
			t.write(t.errw, runewidth.Truncate(line, toolLineWidth, "…")+"\n")
		}
	case protocol.ToolResult:
		if t.debug {
			line := fmt.Sprintf("→ %s", e.Output)
			t.write(t.errw, runewidth.Truncate(line, toolLineWidth, "…")+"\n")
		}
	case protocol.File:
		path, err := t.saveFile(e)
		if err != nil {
			slog.Warn("terminal file save failed", "name", e.Name, "error", err)
		} else {
			t.write(t.errw, fmt.Sprintf("📎 saved %s\n", path))
		}
	case protocol.Done:
		t.write(t.out, "\n\n")
		t.signalDone()
	case protocol.Error:
		t.write(t.out, fmt.Sprintf("\n⚠️ Error: %s\n\n", e.Message))
		t.signalDone()
	case protocol.SubagentStatus:
		msg := fmt.Sprintf("· sub-agent %s %s", e.TaskSlug, e.Status)
		if e.Message != "" {
			msg += ": " + e.Message
		}
		t.write(t.errw, msg+"\n")
	case protocol.AgentHandoff:
		t.write(t.errw, fmt.Sprintf("· conversation handed off to %s\n", e.ToAgent))
	}
}

func (t *Terminal) saveFile(f protocol.File) (string, error) {
	tmp, err := os.CreateTemp("", "tamias_*_"+f.Name)
	if err != nil {
		return "", err
	}
	defer tmp.Close()
	if _, err := tmp.Write(f.Buffer); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (t *Terminal) write(w io.Writer, s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(w, s)
}

func (t *Terminal) signalDone() {
	select {
	case t.turnDone <- struct{}{}:
	default:
	}
}
