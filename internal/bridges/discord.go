package bridges

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/pkg/protocol"
)

const (
	// discordTextLimit leaves headroom under the platform's 2000-char cap
	// so reply decorations never push a chunk over the edge.
	discordTextLimit = 1900

	// Discord's typing indicator expires after 10s.
	discordTypingInterval = 7 * time.Second
)

// typingTTL is the safety net that stops a keepalive whose done event was
// lost. Sized to outlast the longest allowed turn.
const typingTTL = 10 * time.Minute

// discordRef identifies one inbound Discord message for reaction updates.
type discordRef struct {
	channelID string
	messageID string
}

// Discord is one configured Discord bot. The conversation key is the
// Discord channel id (guild channel or DM channel).
type Discord struct {
	key       string
	cfg       config.BridgeInstance
	channelID string // "discord:<key>"
	gw        *Gateway

	session   *discordgo.Session
	botUserID string
	convs     convTable[discordRef]
	pace      *pacer

	runCtx context.Context
	cancel context.CancelFunc
}

// NewDiscord builds a Discord bridge from one configured instance. The bot
// token is resolved through the instance's env key.
func NewDiscord(key string, cfg config.BridgeInstance, gw *Gateway) (*Discord, error) {
	token := cfg.Token()
	if token == "" {
		return nil, fmt.Errorf("discord %s: no token in $%s", key, cfg.EnvKeyName)
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord %s: %w", key, err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	// Rate limits are handled here with bounded retries, not by discordgo's
	// unbounded internal wait.
	session.ShouldRetryOnRateLimit = false

	return &Discord{
		key:       key,
		cfg:       cfg,
		channelID: "discord:" + key,
		gw:        gw,
		session:   session,
		pace:      newPacer(time.Second, 4),
	}, nil
}

func (b *Discord) Name() string { return b.channelID }

// Start opens the gateway connection and subscribes to daemon events.
func (b *Discord) Start(ctx context.Context) error {
	b.runCtx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))

	b.session.AddHandler(b.onMessageCreate)
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := b.session.User("@me")
	if err != nil {
		b.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	b.botUserID = user.ID

	b.gw.Events().SubscribeAll("bridge:"+b.channelID, b.onEvent)
	slog.Info("discord bridge connected", "bridge", b.key, "username", user.Username, "mode", b.cfg.EffectiveMode())
	return nil
}

// Stop closes the gateway connection.
func (b *Discord) Stop(_ context.Context) error {
	b.gw.Events().UnsubscribeAll("bridge:" + b.channelID)
	if b.cancel != nil {
		b.cancel()
	}
	return b.session.Close()
}

func (b *Discord) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == b.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == b.botUserID {
			mentioned = true
			break
		}
	}

	if !b.shouldAccept(m.ChannelID, isDM, mentioned) {
		return
	}

	content := strings.TrimSpace(m.Content)
	atts := b.collectAttachments(m.Attachments)
	if content == "" && len(atts) == 0 {
		return
	}

	sessionID, err := b.gw.Accept(events.InboundMessage{
		ChannelID:     b.channelID,
		ChannelUserID: m.ChannelID,
		AuthorName:    resolveDisplayName(m),
		Content:       content,
		Attachments:   atts,
		MentionsBot:   mentioned,
	}, b.channelID)
	if err != nil {
		slog.Error("discord message rejected", "bridge", b.key, "channel", m.ChannelID, "error", err)
		return
	}

	ref := discordRef{channelID: m.ChannelID, messageID: m.ID}
	if b.convs.get(m.ChannelID).push(ref) {
		b.react(ref, reactionReady)
	} else {
		b.react(ref, reactionQueued)
	}
	slog.Debug("discord message accepted", "bridge", b.key, "channel", m.ChannelID, "session", sessionID)
}

// shouldAccept applies the channel allowlist and the bridge mode. DMs are
// treated as implicit mentions: they pass mention-only mode but never
// listen-only.
func (b *Discord) shouldAccept(channelID string, isDM, mentioned bool) bool {
	if b.cfg.EffectiveMode() == config.ModeListenOnly {
		return false
	}
	if !isDM && len(b.cfg.AllowedChannels) > 0 && !containsFold(b.cfg.AllowedChannels, channelID) {
		return false
	}
	if b.cfg.EffectiveMode() == config.ModeMentionOnly && !isDM && !mentioned {
		return false
	}
	return true
}

func (b *Discord) collectAttachments(in []*discordgo.MessageAttachment) []events.Attachment {
	var out []events.Attachment
	for _, a := range in {
		att := events.Attachment{Name: a.Filename, MimeType: a.ContentType, URL: a.URL}
		if int64(a.Size) <= maxInlineAttachment {
			data, err := downloadAttachment(b.runCtx, a.URL, maxInlineAttachment)
			if err != nil {
				slog.Warn("discord attachment download failed", "name", a.Filename, "error", err)
			} else {
				att.Data = data
			}
		}
		out = append(out, att)
	}
	return out
}

func (b *Discord) onEvent(sessionID string, ev protocol.Event) {
	channelID, convKey, _, ok := b.gw.Binding(sessionID)
	if !ok || channelID != b.channelID {
		return
	}
	conv := b.convs.get(convKey)

	switch e := ev.(type) {
	case protocol.Start:
		if ref, started := conv.begin(); started {
			b.clearReactions(ref)
		}
		ctrl := startTyping(discordTypingInterval, typingTTL, func() error {
			return b.session.ChannelTyping(convKey)
		})
		conv.setTyping(ctrl.Stop)

	case protocol.Chunk:
		conv.append(e.Text)

	case protocol.File:
		b.sendFile(convKey, e)

	case protocol.Done:
		conv.endTyping()
		text := conv.take()
		if !e.Suppressed && strings.TrimSpace(text) != "" {
			b.sendChunked(convKey, text)
		}
		b.promote(conv)

	case protocol.Error:
		conv.endTyping()
		conv.take()
		b.sendChunked(convKey, "⚠️ Error: "+e.Message)
		b.promote(conv)

	case protocol.SubagentStatus:
		b.sendChunked(convKey, subagentLine(e))

	case protocol.AgentHandoff:
		b.sendChunked(convKey, handoffLine(e))
	}
}

// promote releases the finished turn and moves the eyes reaction to the new
// queue head.
func (b *Discord) promote(conv *conv[discordRef]) {
	if next, ok := conv.finish(); ok {
		_ = b.session.MessageReactionRemove(next.channelID, next.messageID, reactionQueued, "@me")
		b.react(next, reactionReady)
	}
}

// sendChunked splits text at newline boundaries under the platform limit
// and sends the parts sequentially, paced per conversation.
func (b *Discord) sendChunked(channelID, text string) {
	for _, part := range splitMessage(text, discordTextLimit) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		if err := b.pace.wait(b.runCtx, channelID); err != nil {
			return
		}
		if err := b.sendWithRetry(channelID, part); err != nil {
			slog.Error("discord send failed", "bridge", b.key, "channel", channelID, "error", err)
			return
		}
	}
}

// sendWithRetry retries rate-limited sends up to sendRetries times, sleeping
// the interval Discord asks for.
func (b *Discord) sendWithRetry(channelID, content string) error {
	for attempt := 0; ; attempt++ {
		_, err := b.session.ChannelMessageSend(channelID, content)
		if err == nil {
			return nil
		}
		var rl *discordgo.RateLimitError
		if errors.As(err, &rl) && attempt < sendRetries {
			slog.Debug("discord rate limited, retrying",
				"channel", channelID, "retry_after", rl.RetryAfter, "attempt", attempt+1)
			select {
			case <-b.runCtx.Done():
				return b.runCtx.Err()
			case <-time.After(rl.RetryAfter):
			}
			continue
		}
		return err
	}
}

func (b *Discord) sendFile(channelID string, f protocol.File) {
	if err := b.pace.wait(b.runCtx, channelID); err != nil {
		return
	}
	_, err := b.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Files: []*discordgo.File{{
			Name:        f.Name,
			ContentType: f.MimeType,
			Reader:      bytes.NewReader(f.Buffer),
		}},
	})
	if err != nil {
		slog.Error("discord file upload failed", "bridge", b.key, "name", f.Name, "error", err)
	}
}

func (b *Discord) react(ref discordRef, emoji string) {
	if err := b.session.MessageReactionAdd(ref.channelID, ref.messageID, emoji); err != nil {
		slog.Debug("discord reaction failed", "message", ref.messageID, "error", err)
	}
}

func (b *Discord) clearReactions(ref discordRef) {
	for _, emoji := range []string{reactionReady, reactionQueued} {
		_ = b.session.MessageReactionRemove(ref.channelID, ref.messageID, emoji, "@me")
	}
}

// resolveDisplayName prefers the guild nickname, then the global display
// name, then the account name.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
