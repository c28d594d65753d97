// Package runner executes session turns: it claims queued messages, walks
// the model fallback chain, streams provider output as daemon events, runs
// tool calls, and persists the outcome. One turn per session at a time; any
// number of sessions in parallel.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tamias-dev/tamias/internal/agents"
	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/internal/prompt"
	"github.com/tamias-dev/tamias/internal/providers"
	"github.com/tamias-dev/tamias/internal/sessions"
	"github.com/tamias-dev/tamias/internal/store"
	"github.com/tamias-dev/tamias/internal/telemetry"
	"github.com/tamias-dev/tamias/internal/tools"
	"github.com/tamias-dev/tamias/pkg/protocol"
)

const (
	// maxSteps bounds tool-calling rounds within one turn.
	maxSteps = 20

	// turnTimeout is the per-turn wall clock.
	turnTimeout = 10 * time.Minute

	// heartbeatOK suppresses delivery when it is the entire trimmed reply.
	heartbeatOK = "HEARTBEAT_OK"

	defaultMaxTokens   = 8192
	defaultTemperature = 0.7
)

// Runner drives turns for every session. Wire it to the store with
// store.SetWake(runner.Process) so enqueues wake it.
type Runner struct {
	cfg          *config.Config
	paths        config.Paths
	store        *sessions.Store
	registry     *providers.Registry
	toolbox      *tools.Registry
	orchestrator *agents.Orchestrator
	composer     *prompt.Composer
	dispatcher   *events.Dispatcher
	ailog        store.Store // nil when the database is unavailable

	shutdown atomic.Bool
	turns    sync.WaitGroup

	// compactMu serialises compaction per session (TryLock skips when one
	// is already running).
	compactMu sync.Map // sessionID → *sync.Mutex

	// reported guards the one terminal subagent-status per sub-agent.
	reported sync.Map // sessionID → true
}

// Options collects the runner's collaborators.
type Options struct {
	Config       *config.Config
	Paths        config.Paths
	Store        *sessions.Store
	Providers    *providers.Registry
	Tools        *tools.Registry
	Orchestrator *agents.Orchestrator
	Composer     *prompt.Composer
	AILog        store.Store
}

// New builds a runner. Call Store.SetWake(r.Process) afterwards.
func New(opts Options) *Runner {
	return &Runner{
		cfg:          opts.Config,
		paths:        opts.Paths,
		store:        opts.Store,
		registry:     opts.Providers,
		toolbox:      opts.Tools,
		orchestrator: opts.Orchestrator,
		composer:     opts.Composer,
		dispatcher:   opts.Store.Dispatcher(),
		ailog:        opts.AILog,
	}
}

// Process runs at most one turn for the session, then reschedules itself
// while the queue is non-empty. Safe to call concurrently; BeginTurn admits
// a single caller.
func (r *Runner) Process(sessionID string) {
	if r.shutdown.Load() {
		r.store.DiscardQueue(sessionID)
		return
	}
	job, ok := r.store.BeginTurn(sessionID)
	if !ok {
		return
	}
	r.turns.Add(1)
	defer r.turns.Done()

	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	r.runTurn(ctx, sessionID, job)
	cancel()

	if remaining := r.store.EndTurn(sessionID); remaining > 0 {
		if r.shutdown.Load() {
			r.store.DiscardQueue(sessionID)
			return
		}
		runtime.Gosched()
		go r.Process(sessionID)
	}
}

// Shutdown stops new turns and waits for in-flight ones until ctx expires.
// Running turns notice the flag at their next step boundary and end with an
// error event.
func (r *Runner) Shutdown(ctx context.Context) {
	r.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		r.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown: turns still running at deadline")
	}
}

func (r *Runner) runTurn(ctx context.Context, sessionID string, job sessions.MessageJob) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("turn panicked", "session", sessionID, "panic", rec)
			r.dispatcher.Emit(sessionID, protocol.Error{Message: fmt.Sprintf("internal error: %v", rec)})
		}
	}()

	snap, ok := r.store.Snapshot(sessionID)
	if !ok {
		return
	}

	ctx, span := telemetry.Tracer().Start(ctx, "turn")
	span.SetAttributes(attribute.String("session.id", sessionID))
	defer span.End()

	content := job.Content
	if job.AuthorName != "" {
		content = job.AuthorName + ": " + content
	}
	userMsg := providers.Message{Role: "user", Content: content, Images: imagesFromAttachments(job.Attachments)}
	r.store.AppendMessage(sessionID, userMsg)

	chain := r.modelChain(snap)
	if len(chain) == 0 {
		span.SetStatus(codes.Error, "no model configured")
		r.dispatcher.Emit(sessionID, protocol.Error{Message: "No model configured. Add a connection and defaultModels to config.json."})
		return
	}

	restrict := tools.Restriction{}
	agent, agentBound := agents.Agent{}, false
	if snap.AgentID != "" && r.orchestrator != nil {
		restrict = r.orchestrator.RestrictionFor(snap.AgentID)
		agent, agentBound = r.orchestrator.Registry().Get(snap.AgentID)
	}
	active := r.toolbox.ActiveFor(r.cfg, restrict)

	in := prompt.Input{
		Session:   snap,
		Model:     chain[0],
		ToolNames: active.Names,
	}
	if agentBound {
		in.AgentName = agent.Name
		in.AgentInstructions = agent.Instructions
		in.ExtraSkills = agent.ExtraSkills
	}
	systemPrompt := r.composer.Compose(in)

	r.dispatcher.Emit(sessionID, protocol.Start{SessionID: sessionID})

	toolCtx := tools.WithSessionID(ctx, sessionID)
	toolCtx = tools.WithDebug(toolCtx, r.cfg.Debug)
	if len(userMsg.Images) > 0 {
		toolCtx = tools.WithMediaImages(toolCtx, userMsg.Images)
	}

	outcome := r.runChain(toolCtx, sessionID, snap, chain, systemPrompt, active)
	if outcome.err != nil {
		span.SetStatus(codes.Error, outcome.err.Error())
		r.dispatcher.Emit(sessionID, protocol.Error{Message: outcome.err.Error()})
		if snap.IsSubagent {
			r.finishSubagent(snap, "", true)
		}
		return
	}

	finalText := outcome.text
	suppressed := strings.TrimSpace(finalText) == heartbeatOK

	r.store.AppendMessage(sessionID, providers.Message{Role: "assistant", Content: finalText})
	r.store.AddUsage(sessionID, int64(outcome.usage.PromptTokens), int64(outcome.usage.CompletionTokens))
	if err := r.store.Save(sessionID); err != nil {
		slog.Warn("session save failed", "session", sessionID, "error", err)
	}
	r.mirrorSession(sessionID, userMsg.Content, finalText)

	slog.Info("turn complete",
		"session", sessionID,
		"model", outcome.model,
		"steps", outcome.steps,
		"input_tokens", outcome.usage.PromptTokens,
		"output_tokens", outcome.usage.CompletionTokens,
		"est_cost_usd", estimateCost(outcome.model, outcome.usage),
		"suppressed", suppressed)

	r.dispatcher.Emit(sessionID, protocol.Done{SessionID: sessionID, Suppressed: suppressed})

	if snap.IsSubagent {
		r.finishSubagent(snap, finalText, false)
	}

	if snapAfter, ok := r.store.Snapshot(sessionID); ok && snapAfter.MessageCount >= compactThreshold {
		go r.compact(sessionID, outcome.model)
	}
}

// turnOutcome is what one walk of the model chain produced.
type turnOutcome struct {
	text  string
	model string
	steps int
	usage providers.Usage
	err   error
}

// runChain walks the fallback chain, running the step loop under each model
// until one completes the turn. A model failure advances the chain with a
// user-visible warning chunk; accumulated tool results carry over.
func (r *Runner) runChain(ctx context.Context, sessionID string, snap sessions.Snapshot, chain []string, systemPrompt string, active tools.ActiveSet) turnOutcome {
	working := append([]providers.Message{{Role: "system", Content: systemPrompt}}, r.store.History(sessionID)...)
	defs := tools.Definitions(active.Tools)

	var full strings.Builder
	var usage providers.Usage
	var lastErr error
	steps := 0
	chainIdx := 0

	for {
		if r.shutdown.Load() {
			return turnOutcome{err: fmt.Errorf("shutdown")}
		}
		if steps >= maxSteps {
			// Step budget exhausted: return what we have, no error.
			return turnOutcome{text: full.String(), model: chain[chainIdx], steps: steps, usage: usage}
		}

		modelRef := chain[chainIdx]
		provider, modelID, err := r.registry.Resolve(modelRef)
		if err != nil {
			lastErr = err
		} else {
			resp, callErr := r.callModel(ctx, sessionID, provider, modelID, modelRef, working, defs, &full)
			if callErr == nil {
				steps++
				usage.Add(resp.Usage)

				if len(resp.ToolCalls) == 0 {
					return turnOutcome{text: full.String(), model: modelRef, steps: steps, usage: usage}
				}

				working = append(working, providers.Message{
					Role:      "assistant",
					Content:   resp.Content,
					ToolCalls: resp.ToolCalls,
				})
				working = append(working, r.executeTools(ctx, sessionID, active, resp.ToolCalls, &usage)...)
				continue
			}
			lastErr = callErr
		}

		if chainIdx+1 >= len(chain) {
			return turnOutcome{err: fmt.Errorf("All models failed: %s", reason(lastErr))}
		}
		next := chain[chainIdx+1]
		slog.Warn("model failed, trying fallback", "session", sessionID, "model", modelRef, "next", next, "error", lastErr)
		r.dispatcher.Emit(sessionID, protocol.Chunk{
			Text: fmt.Sprintf("\n⚠️ Model %s failed: %s\nTrying fallback %s...\n", modelRef, reason(lastErr), next),
		})
		chainIdx++
	}
}

// callModel performs one streaming provider call, forwarding text deltas as
// chunk events and accumulating them into full.
func (r *Runner) callModel(ctx context.Context, sessionID string, provider providers.Provider, modelID, modelRef string, msgs []providers.Message, defs []providers.ToolDefinition, full *strings.Builder) (*providers.ChatResponse, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "llm.call")
	span.SetAttributes(
		attribute.String("llm.provider", provider.Name()),
		attribute.String("llm.model", modelID),
	)
	defer span.End()

	started := time.Now()
	resp, err := provider.ChatStream(ctx, providers.ChatRequest{
		Messages: msgs,
		Tools:    defs,
		Model:    modelID,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   defaultMaxTokens,
			providers.OptTemperature: defaultTemperature,
		},
	}, func(chunk providers.StreamChunk) {
		if chunk.Content == "" {
			return
		}
		full.WriteString(chunk.Content)
		r.dispatcher.Emit(sessionID, protocol.Chunk{Text: chunk.Content})
	})

	r.recordAICall(sessionID, provider.Name(), modelID, resp, err, time.Since(started))

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

// recordAICall logs the provider invocation to the operational database.
// Failures are warnings, never turn failures.
func (r *Runner) recordAICall(sessionID, providerName, model string, resp *providers.ChatResponse, callErr error, latency time.Duration) {
	if r.ailog == nil {
		return
	}
	call := store.AICall{
		SessionID: sessionID,
		Provider:  providerName,
		Model:     model,
		LatencyMS: latency.Milliseconds(),
	}
	if resp != nil && resp.Usage != nil {
		call.InputTokens = int64(resp.Usage.PromptTokens)
		call.OutputTokens = int64(resp.Usage.CompletionTokens)
	}
	if callErr != nil {
		call.Error = callErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.ailog.RecordAICall(ctx, call); err != nil {
		slog.Warn("ai log write failed", "session", sessionID, "error", err)
	}
}

// mirrorSession best-effort updates the SQL mirror after a completed turn.
func (r *Runner) mirrorSession(sessionID, userText, assistantText string) {
	if r.ailog == nil {
		return
	}
	snap, ok := r.store.Snapshot(sessionID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.ailog.UpsertSession(ctx, store.SessionRow{
		ID:              snap.ID,
		Name:            snap.Name,
		Model:           snap.Model,
		ChannelID:       snap.ChannelID,
		ProjectSlug:     snap.ProjectSlug,
		IsSubagent:      snap.IsSubagent,
		InputTokens:     snap.InputTokens,
		OutputTokens:    snap.OutputTokens,
		CompactionCount: snap.CompactionCount,
		CreatedAt:       snap.CreatedAt,
		UpdatedAt:       snap.UpdatedAt,
	})
	if err != nil {
		slog.Warn("session mirror failed", "session", sessionID, "error", err)
		return
	}
	for _, m := range []store.MessageRow{
		{SessionID: sessionID, Role: "user", Content: userText},
		{SessionID: sessionID, Role: "assistant", Content: assistantText},
	} {
		if err := r.ailog.AppendMessage(ctx, m); err != nil {
			slog.Warn("message mirror failed", "session", sessionID, "error", err)
			return
		}
	}
}

// modelChain resolves the effective fallback chain for a session: an
// explicit session model first, the bound agent's chain next, then the
// global defaults, with unknown connection nicknames filtered out.
func (r *Runner) modelChain(snap sessions.Snapshot) []string {
	var raw []string
	if snap.Model != "" {
		raw = append(raw, snap.Model)
	}
	if snap.AgentID != "" && r.orchestrator != nil {
		if agent, ok := r.orchestrator.Registry().Get(snap.AgentID); ok {
			raw = append(raw, r.orchestrator.ResolveAgentModelChain(agent)...)
		}
	}
	raw = append(raw, r.cfg.DefaultModelChain()...)

	seen := make(map[string]bool, len(raw))
	var chain []string
	for _, ref := range raw {
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		parsed, err := config.ParseModelRef(ref)
		if err != nil {
			slog.Warn("skipping malformed model ref", "ref", ref)
			continue
		}
		if _, ok := r.cfg.Connections[parsed.Nickname]; !ok {
			slog.Warn("skipping model with unknown connection", "ref", ref)
			continue
		}
		chain = append(chain, ref)
	}
	return chain
}

// reason extracts a short human-readable failure reason for bridge text.
// Secrets never appear here; provider errors carry status text only.
func reason(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}
