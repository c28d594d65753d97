// Package bridges connects chat transports to the session engine. Each
// bridge normalises platform messages into events.InboundMessage, feeds
// them through the Gateway into session queues, and renders the daemon
// event stream back as platform output: buffered replies, typing
// indicators, queue reactions and file uploads.
package bridges

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tamias-dev/tamias/internal/agents"
	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/internal/sessions"
	"github.com/tamias-dev/tamias/pkg/protocol"
)

// Queue state reactions: the head of a conversation's queue gets eyes, every
// message behind it an hourglass.
const (
	reactionReady  = "👀"
	reactionQueued = "⏳"
)

// sendRetries bounds retransmissions after a platform rate-limit response.
const sendRetries = 3

// Bridge is one running transport adapter.
type Bridge interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// WebhookBridge is a bridge whose inbound side is an HTTP endpoint the
// daemon must mount instead of a connection the bridge opens itself.
type WebhookBridge interface {
	Bridge
	http.Handler
	// WebhookPath is the route the daemon serves this bridge under.
	WebhookPath() string
}

// Manager owns the configured bridges and starts/stops them as a group.
type Manager struct {
	mu      sync.RWMutex
	bridges []Bridge
}

// NewManager returns an empty manager. Bridges are added by the daemon
// wiring before StartAll.
func NewManager() *Manager {
	return &Manager{}
}

// Add registers a bridge.
func (m *Manager) Add(b Bridge) {
	m.mu.Lock()
	m.bridges = append(m.bridges, b)
	m.mu.Unlock()
}

// Bridges returns the registered bridges in add order.
func (m *Manager) Bridges() []Bridge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Bridge, len(m.bridges))
	copy(out, m.bridges)
	return out
}

// Webhooks returns the bridges that need an HTTP route on the daemon mux.
func (m *Manager) Webhooks() []WebhookBridge {
	var out []WebhookBridge
	for _, b := range m.Bridges() {
		if wb, ok := b.(WebhookBridge); ok {
			out = append(out, wb)
		}
	}
	return out
}

// StartAll starts every bridge in parallel. A bridge that fails to start is
// logged and skipped so the remaining transports still come up; the daemon
// keeps running even when one platform is unreachable.
func (m *Manager) StartAll(ctx context.Context) error {
	bs := m.Bridges()
	if len(bs) == 0 {
		slog.Warn("no bridges enabled")
		return nil
	}

	slog.Info("starting bridges", "count", len(bs))
	var g errgroup.Group
	for _, b := range bs {
		g.Go(func() error {
			if err := b.Start(ctx); err != nil {
				slog.Error("bridge failed to start", "bridge", b.Name(), "error", err)
				return nil
			}
			slog.Info("bridge started", "bridge", b.Name())
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every bridge in parallel and waits for all of them.
func (m *Manager) StopAll(ctx context.Context) error {
	bs := m.Bridges()
	if len(bs) == 0 {
		return nil
	}

	slog.Info("stopping bridges", "count", len(bs))
	var g errgroup.Group
	for _, b := range bs {
		g.Go(func() error {
			if err := b.Stop(ctx); err != nil {
				slog.Error("bridge failed to stop", "bridge", b.Name(), "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Gateway is the single path from a bridge into the session engine: resolve
// the conversation's session (creating and agent-binding it on first
// contact), then enqueue the message. Bridges hold session ids only; all
// session state stays behind the store.
type Gateway struct {
	store    *sessions.Store
	registry *agents.Registry
	paths    config.Paths
}

// NewGateway wires the accept path. registry may be nil when no agents.json
// exists; fresh conversations then bind to no persona.
func NewGateway(store *sessions.Store, registry *agents.Registry, paths config.Paths) *Gateway {
	return &Gateway{store: store, registry: registry, paths: paths}
}

// Events returns the dispatcher bridges subscribe to for outbound delivery.
func (g *Gateway) Events() *events.Dispatcher { return g.store.Dispatcher() }

// Binding reports which conversation a session is bound to.
func (g *Gateway) Binding(sessionID string) (channelID, channelUserID, channelName string, ok bool) {
	return g.store.BridgeBinding(sessionID)
}

// Accept resolves the session for an inbound message and enqueues it. The
// first message of a conversation creates the session; when an enabled agent
// claims the channel, the session is bound to that agent's persona and model.
// The returned id identifies the session the turn will run on.
func (g *Gateway) Accept(in events.InboundMessage, channelName string) (string, error) {
	id, ok := g.store.GetSessionForBridge(in.ChannelID, in.ChannelUserID)
	if !ok {
		p := sessions.CreateParams{
			ChannelID:     in.ChannelID,
			ChannelUserID: in.ChannelUserID,
			ChannelName:   channelName,
		}
		if g.registry != nil {
			if a, claimed := g.registry.ForChannel(in.ChannelID); claimed {
				p.AgentID = a.ID
				p.AgentSlug = a.Slug
				p.AgentDir = g.paths.AgentDir(a.Slug)
				if a.Model != "" {
					p.Model = a.Model
				}
			}
		}
		snap, err := g.store.CreateSession(p)
		if err != nil {
			return "", fmt.Errorf("create session for %s/%s: %w", in.ChannelID, in.ChannelUserID, err)
		}
		id = snap.ID
		slog.Info("bridge conversation bound",
			"session", id, "channel", in.ChannelID, "user", in.ChannelUserID, "agent", p.AgentSlug)
	}

	err := g.store.EnqueueMessage(id, sessions.MessageJob{
		Content:     in.Content,
		AuthorName:  in.AuthorName,
		Attachments: in.Attachments,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// pacer hands out one rate.Limiter per conversation so outbound sends stay
// inside platform flood limits without one busy conversation stalling the
// others.
type pacer struct {
	limit rate.Limit
	burst int
	lims  sync.Map // conversation key → *rate.Limiter
}

func newPacer(every time.Duration, burst int) *pacer {
	return &pacer{limit: rate.Every(every), burst: burst}
}

func (p *pacer) wait(ctx context.Context, key string) error {
	lim, _ := p.lims.LoadOrStore(key, rate.NewLimiter(p.limit, p.burst))
	return lim.(*rate.Limiter).Wait(ctx)
}

// subagentLine renders a sub-agent lifecycle change as a short out-of-band
// status message.
func subagentLine(e protocol.SubagentStatus) string {
	line := fmt.Sprintf("🤖 Sub-agent %s %s", e.TaskSlug, e.Status)
	if e.Message != "" {
		line += ": " + truncateRunes(e.Message, 300)
	}
	return line
}

// handoffLine renders an agent handoff notice.
func handoffLine(e protocol.AgentHandoff) string {
	line := fmt.Sprintf("🔀 Conversation handed off to %s", e.ToAgent)
	if e.Reason != "" {
		line += ": " + truncateRunes(e.Reason, 200)
	}
	return line
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// maxInlineAttachment caps how much of an inbound file a bridge downloads
// into memory. Bigger files keep their URL only.
const maxInlineAttachment int64 = 10 * 1024 * 1024

var mediaClient = &http.Client{Timeout: 30 * time.Second}

// downloadAttachment fetches an inbound media URL with a hard size cap.
func downloadAttachment(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := mediaClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxBytes)
	}
	return data, nil
}
