package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"
)

// AllowlistBlocked is the exact result body the LLM sees when an allowlist
// rejects a call.
const AllowlistBlocked = `{"success":false,"error":"Allowlist blocked"}`

type allowlistTool struct {
	Tool
	patterns []*regexp.Regexp
}

// WithAllowlist wraps a tool so the JSON-serialised input must match at
// least one pattern or the call resolves blocked without invoking the tool.
// Invalid patterns are dropped with a warning; an empty compiled set keeps
// the tool unguarded.
func WithAllowlist(t Tool, patterns []string) Tool {
	var compiled []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			slog.Warn("allowlist pattern invalid, ignoring", "tool", t.Name(), "pattern", p, "error", err)
			continue
		}
		compiled = append(compiled, re)
	}
	if len(compiled) == 0 {
		return t
	}
	return &allowlistTool{Tool: t, patterns: compiled}
}

func (t *allowlistTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	serialised, err := json.Marshal(args)
	if err != nil {
		return &Result{ForLLM: AllowlistBlocked, IsError: true}
	}
	for _, re := range t.patterns {
		if re.Match(serialised) {
			return t.Tool.Execute(ctx, args)
		}
	}
	slog.Info("tool call blocked by allowlist", "tool", t.Name())
	return &Result{ForLLM: AllowlistBlocked, IsError: true}
}

type timeoutTool struct {
	Tool
	limit time.Duration
}

// WithTimeout bounds a tool call's wall clock. The wrapped Execute runs on
// its own goroutine so even a tool that ignores its context cannot stall
// the turn past the limit.
func WithTimeout(t Tool, limit time.Duration) Tool {
	if limit <= 0 {
		return t
	}
	return &timeoutTool{Tool: t, limit: limit}
}

func (t *timeoutTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	ctx, cancel := context.WithTimeout(ctx, t.limit)
	defer cancel()

	done := make(chan *Result, 1)
	go func() {
		done <- t.Tool.Execute(ctx, args)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return ErrorResult(fmt.Sprintf("tool %s timed out after %s", t.Name(), t.limit))
	}
}
