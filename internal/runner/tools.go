package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tamias-dev/tamias/internal/providers"
	"github.com/tamias-dev/tamias/internal/telemetry"
	"github.com/tamias-dev/tamias/internal/tools"
	"github.com/tamias-dev/tamias/pkg/protocol"
)

// executeTools runs one round of tool calls and returns the tool messages to
// feed back. All tool_call events go out before execution starts; a single
// call runs inline, several run in parallel with results re-ordered to the
// call order.
func (r *Runner) executeTools(ctx context.Context, sessionID string, active tools.ActiveSet, calls []providers.ToolCall, usage *providers.Usage) []providers.Message {
	for _, tc := range calls {
		input, _ := json.Marshal(tc.Arguments)
		r.dispatcher.Emit(sessionID, protocol.ToolCall{Name: tc.Name, Input: input})
	}

	if len(calls) == 1 {
		res := r.runTool(ctx, sessionID, active, calls[0])
		return []providers.Message{r.handleToolResult(sessionID, calls[0], res, usage)}
	}

	type indexed struct {
		idx int
		tc  providers.ToolCall
		res *tools.Result
	}
	resultCh := make(chan indexed, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			resultCh <- indexed{idx: idx, tc: tc, res: r.runTool(ctx, sessionID, active, tc)}
		}(i, tc)
	}
	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexed, 0, len(calls))
	for res := range resultCh {
		collected = append(collected, res)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	msgs := make([]providers.Message, 0, len(collected))
	for _, c := range collected {
		msgs = append(msgs, r.handleToolResult(sessionID, c.tc, c.res, usage))
	}
	return msgs
}

// runTool executes one call against the active set. Panics and unknown tools
// become error results so the turn keeps going.
func (r *Runner) runTool(ctx context.Context, sessionID string, active tools.ActiveSet, tc providers.ToolCall) (res *tools.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "session", sessionID, "tool", tc.Name, "panic", rec)
			res = tools.ErrorResult("tool crashed, see daemon log")
		}
	}()

	tool, ok := active.Get(tc.Name)
	if !ok {
		return tools.ErrorResult("unknown or disabled tool: " + tc.Name)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "tool.exec")
	span.SetAttributes(attribute.String("tool.name", tc.Name))
	defer span.End()

	started := time.Now()
	res = tool.Execute(ctx, tc.Arguments)
	slog.Debug("tool executed", "session", sessionID, "tool", tc.Name,
		"is_error", res.IsError, "elapsed", time.Since(started).Round(time.Millisecond))
	return res
}

// handleToolResult emits the per-result events and converts the result into
// a tool message.
func (r *Runner) handleToolResult(sessionID string, tc providers.ToolCall, res *tools.Result, usage *providers.Usage) providers.Message {
	if res.IsError {
		msg := res.ForLLM
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		slog.Warn("tool error", "session", sessionID, "tool", tc.Name, "error", msg)
	}
	usage.Add(res.Usage)

	if r.cfg.Debug {
		r.dispatcher.Emit(sessionID, protocol.ToolResult{Name: tc.Name, Output: res.ForLLM})
	}
	if res.ForUser != "" && !res.Silent {
		r.dispatcher.Emit(sessionID, protocol.Chunk{Text: "\n" + res.ForUser + "\n"})
	}
	for _, f := range res.Files {
		r.dispatcher.Emit(sessionID, protocol.File{Name: f.Name, Buffer: f.Data, MimeType: f.MimeType})
	}

	return providers.Message{
		Role:       "tool",
		Content:    res.ForLLM,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
	}
}
