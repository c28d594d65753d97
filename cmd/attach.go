package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/daemon"
	"github.com/tamias-dev/tamias/pkg/protocol"
)

func attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Stream the live event feed of a running daemon",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runAttach(cmd.Context()); err != nil {
				fmt.Fprintf(os.Stderr, "tamias: %v\n", err)
				os.Exit(1)
			}
		},
	}
}

func runAttach(ctx context.Context) error {
	paths := config.DefaultPaths()
	info, err := daemon.ReadInfo(paths)
	if err != nil {
		return fmt.Errorf("no running daemon found (try \"tamias start --daemon\"): %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", info.Port)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{})
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "detach")

	fmt.Printf("attached to daemon (pid %d, port %d), Ctrl-C to detach\n", info.PID, info.Port)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Println("\ndetached")
				return nil
			}
			return fmt.Errorf("feed closed: %w", err)
		}
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		ev, err := protocol.UnmarshalEvent(frame.Event)
		if err != nil {
			continue
		}
		renderFeedEvent(frame.SessionID, ev)
	}
}

// renderFeedEvent prints one feed frame. Chunks stream inline; everything
// else gets a session-tagged line.
func renderFeedEvent(sessionID string, ev protocol.Event) {
	tag := sessionID
	if len(tag) > 13 {
		tag = tag[:13]
	}
	switch e := ev.(type) {
	case protocol.Start:
		fmt.Printf("[%s] turn started\n", tag)
	case protocol.Chunk:
		fmt.Print(e.Text)
	case protocol.ToolCall:
		fmt.Printf("\n[%s] tool %s\n", tag, e.Name)
	case protocol.ToolResult:
		fmt.Printf("[%s] tool %s finished\n", tag, e.Name)
	case protocol.Done:
		if e.Suppressed {
			fmt.Printf("[%s] done (suppressed)\n", tag)
			return
		}
		fmt.Printf("\n[%s] done\n", tag)
	case protocol.Error:
		fmt.Printf("\n[%s] error: %s\n", tag, e.Message)
	case protocol.File:
		fmt.Printf("[%s] file %s (%d bytes, %s)\n", tag, e.Name, len(e.Buffer), e.MimeType)
	case protocol.SubagentStatus:
		fmt.Printf("[%s] subagent %s: %s\n", tag, e.TaskSlug, e.Status)
	case protocol.AgentHandoff:
		fmt.Printf("[%s] handoff %s -> %s\n", tag, e.FromAgent, e.ToAgent)
	}
}
