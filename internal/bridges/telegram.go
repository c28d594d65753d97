package bridges

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/pkg/protocol"
)

const (
	// telegramTextLimit stays under the platform's 4096-char message cap.
	telegramTextLimit = 4000

	// Telegram's typing indicator expires after roughly 5s.
	telegramTypingInterval = 4 * time.Second
)

// tgRef identifies one inbound Telegram message for reaction updates.
type tgRef struct {
	chatID    int64
	messageID int
}

// Telegram is one configured Telegram bot, fed by long polling. The
// conversation key is the chat id.
type Telegram struct {
	key       string
	cfg       config.BridgeInstance
	channelID string // "telegram:<key>"
	gw        *Gateway
	version   string

	bot   *telego.Bot
	token string
	convs convTable[tgRef]
	pace  *pacer

	runCtx     context.Context
	cancel     context.CancelFunc
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewTelegram builds a Telegram bridge from one configured instance.
func NewTelegram(key string, cfg config.BridgeInstance, gw *Gateway, version string) (*Telegram, error) {
	token := cfg.Token()
	if token == "" {
		return nil, fmt.Errorf("telegram %s: no token in $%s", key, cfg.EnvKeyName)
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram %s: %w", key, err)
	}
	return &Telegram{
		key:       key,
		cfg:       cfg,
		channelID: "telegram:" + key,
		gw:        gw,
		version:   version,
		bot:       bot,
		token:     token,
		pace:      newPacer(time.Second, 3),
	}, nil
}

func (b *Telegram) Name() string { return b.channelID }

// Start begins long polling for updates and subscribes to daemon events.
func (b *Telegram) Start(ctx context.Context) error {
	b.runCtx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))

	pollCtx, cancel := context.WithCancel(ctx)
	b.pollCancel = cancel
	b.pollDone = make(chan struct{})

	updates, err := b.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	b.gw.Events().SubscribeAll("bridge:"+b.channelID, b.onEvent)
	slog.Info("telegram bridge connected",
		"bridge", b.key, "username", b.bot.Username(), "mode", b.cfg.EffectiveMode())

	go func() {
		defer close(b.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed", "bridge", b.key)
					return
				}
				if update.Message != nil {
					b.onMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the poll goroutine to exit so
// Telegram releases the getUpdates lock before a new instance starts.
func (b *Telegram) Stop(_ context.Context) error {
	b.gw.Events().UnsubscribeAll("bridge:" + b.channelID)
	if b.pollCancel != nil {
		b.pollCancel()
	}
	if b.pollDone != nil {
		select {
		case <-b.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout", "bridge", b.key)
		}
	}
	if b.cancel != nil {
		b.cancel()
	}
	return nil
}

func (b *Telegram) onMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil || msg.From.IsBot || isServiceMessage(msg) {
		return
	}

	mentioned := b.detectMention(msg)
	if !b.shouldAccept(msg, mentioned) {
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	atts := b.collectAttachments(ctx, msg)
	if strings.TrimSpace(content) == "" && len(atts) == 0 {
		return
	}

	author := msg.From.FirstName
	if msg.From.Username != "" {
		author = "@" + msg.From.Username
	}

	chatKey := strconv.FormatInt(msg.Chat.ID, 10)
	sessionID, err := b.gw.Accept(events.InboundMessage{
		ChannelID:     b.channelID,
		ChannelUserID: chatKey,
		AuthorName:    author,
		Content:       content,
		Attachments:   atts,
		MentionsBot:   mentioned,
	}, b.channelID)
	if err != nil {
		slog.Error("telegram message rejected", "bridge", b.key, "chat", chatKey, "error", err)
		return
	}

	ref := tgRef{chatID: msg.Chat.ID, messageID: msg.MessageID}
	if b.convs.get(chatKey).push(ref) {
		b.setReaction(ref, reactionReady)
	} else {
		b.setReaction(ref, reactionQueued)
	}
	slog.Debug("telegram message accepted", "bridge", b.key, "chat", chatKey, "session", sessionID)
}

// shouldAccept applies the chat allowlist and the bridge mode. Private
// chats count as implicit mentions; groups need a real one in mention-only
// mode.
func (b *Telegram) shouldAccept(msg *telego.Message, mentioned bool) bool {
	mode := b.cfg.EffectiveMode()
	if mode == config.ModeListenOnly {
		return false
	}
	if len(b.cfg.AllowedChats) > 0 && !b.chatAllowed(msg.Chat) {
		return false
	}
	isGroup := msg.Chat.Type == telego.ChatTypeGroup || msg.Chat.Type == telego.ChatTypeSupergroup
	if mode == config.ModeMentionOnly && isGroup && !mentioned {
		return false
	}
	return true
}

// chatAllowed matches the allowlist against the numeric chat id or the chat
// username, with or without the @.
func (b *Telegram) chatAllowed(chat telego.Chat) bool {
	id := strconv.FormatInt(chat.ID, 10)
	for _, entry := range b.cfg.AllowedChats {
		if entry == id {
			return true
		}
		if chat.Username != "" &&
			(strings.EqualFold(entry, chat.Username) || strings.EqualFold(entry, "@"+chat.Username)) {
			return true
		}
	}
	return false
}

func (b *Telegram) detectMention(msg *telego.Message) bool {
	return mentionsBot(msg, b.bot.Username())
}

// mentionsBot checks text and caption entities for an @mention of the bot,
// falls back to a substring scan, and treats replying to the bot as an
// implicit mention. Photos carry their entities in CaptionEntities.
func mentionsBot(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	handle := "@" + strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			if entity.Type != "mention" && entity.Type != "bot_command" {
				continue
			}
			end := entity.Offset + entity.Length
			if entity.Offset < 0 || end > len(pair.text) {
				continue
			}
			if strings.Contains(strings.ToLower(pair.text[entity.Offset:end]), handle) {
				return true
			}
		}
		if strings.Contains(strings.ToLower(pair.text), handle) {
			return true
		}
	}

	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		return msg.ReplyToMessage.From.Username == botUsername
	}
	return false
}

func (b *Telegram) collectAttachments(ctx context.Context, msg *telego.Message) []events.Attachment {
	var out []events.Attachment

	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		if data, err := b.download(ctx, photo.FileID); err != nil {
			slog.Warn("telegram photo download failed", "bridge", b.key, "error", err)
		} else {
			out = append(out, events.Attachment{Name: "photo.jpg", MimeType: "image/jpeg", Data: data})
		}
	}

	if doc := msg.Document; doc != nil {
		if data, err := b.download(ctx, doc.FileID); err != nil {
			slog.Warn("telegram document download failed", "bridge", b.key, "name", doc.FileName, "error", err)
		} else {
			out = append(out, events.Attachment{Name: doc.FileName, MimeType: doc.MimeType, Data: data})
		}
	}

	if v := msg.Voice; v != nil {
		if data, err := b.download(ctx, v.FileID); err != nil {
			slog.Warn("telegram voice download failed", "bridge", b.key, "error", err)
		} else {
			mime := v.MimeType
			if mime == "" {
				mime = "audio/ogg"
			}
			out = append(out, events.Attachment{Name: "voice.ogg", MimeType: mime, Data: data})
		}
	}

	return out
}

// download fetches a file through the Bot API file endpoint, capped at
// maxInlineAttachment.
func (b *Telegram) download(ctx context.Context, fileID string) ([]byte, error) {
	file, err := b.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return nil, errors.New("empty file path")
	}
	if int64(file.FileSize) > maxInlineAttachment {
		return nil, fmt.Errorf("file too large: %d bytes", file.FileSize)
	}

	fileURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.token, file.FilePath)
	data, err := downloadAttachment(ctx, fileURL, maxInlineAttachment)
	if err != nil {
		// A transport error echoes the URL, which carries the bot token.
		return nil, errors.New(strings.ReplaceAll(err.Error(), b.token, "[token]"))
	}
	return data, nil
}

func (b *Telegram) onEvent(sessionID string, ev protocol.Event) {
	channelID, convKey, _, ok := b.gw.Binding(sessionID)
	if !ok || channelID != b.channelID {
		return
	}
	chatID, err := strconv.ParseInt(convKey, 10, 64)
	if err != nil {
		return
	}
	conv := b.convs.get(convKey)

	switch e := ev.(type) {
	case protocol.Start:
		if ref, started := conv.begin(); started {
			b.clearReaction(ref)
		}
		ctrl := startTyping(telegramTypingInterval, typingTTL, func() error {
			return b.bot.SendChatAction(b.runCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
		})
		conv.setTyping(ctrl.Stop)

	case protocol.Chunk:
		conv.append(e.Text)

	case protocol.File:
		b.sendFile(chatID, convKey, e)

	case protocol.Done:
		conv.endTyping()
		text := conv.take()
		if !e.Suppressed && strings.TrimSpace(text) != "" {
			b.sendChunked(chatID, convKey, text)
		}
		b.promote(conv)

	case protocol.Error:
		conv.endTyping()
		conv.take()
		md := fmt.Sprintf("⚠️ *Error:* %s\n\n_tamias %s_", mdv2Escape(e.Message), mdv2Escape(b.version))
		b.sendNotice(chatID, convKey, md, "⚠️ Error: "+e.Message)
		b.promote(conv)

	case protocol.SubagentStatus:
		md := fmt.Sprintf("🤖 Sub\\-agent `%s` %s", e.TaskSlug, mdv2Escape(e.Status))
		if e.Message != "" {
			md += "\n" + mdv2Escape(truncateRunes(e.Message, 300))
		}
		b.sendNotice(chatID, convKey, md, subagentLine(e))

	case protocol.AgentHandoff:
		md := fmt.Sprintf("🔀 Conversation handed off to `%s`", e.ToAgent)
		if e.Reason != "" {
			md += "\n" + mdv2Escape(truncateRunes(e.Reason, 200))
		}
		b.sendNotice(chatID, convKey, md, handoffLine(e))
	}
}

func (b *Telegram) promote(conv *conv[tgRef]) {
	// SetMessageReaction replaces the bot's reactions, so promoting the new
	// head overwrites its hourglass in one call.
	if next, ok := conv.finish(); ok {
		b.setReaction(next, reactionReady)
	}
}

// sendChunked splits text under the platform limit and sends the parts
// sequentially: Markdown first, plain text when the parser rejects it.
func (b *Telegram) sendChunked(chatID int64, convKey, text string) {
	for _, part := range splitMessage(text, telegramTextLimit) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		if err := b.pace.wait(b.runCtx, convKey); err != nil {
			return
		}
		if err := b.sendText(chatID, part); err != nil {
			slog.Error("telegram send failed", "bridge", b.key, "chat", convKey, "error", err)
			return
		}
	}
}

func (b *Telegram) sendText(chatID int64, text string) error {
	msg := tu.Message(tu.ID(chatID), text)
	msg.ParseMode = telego.ModeMarkdown
	if err := b.sendWithRetry(msg); err == nil {
		return nil
	}
	plain := tu.Message(tu.ID(chatID), text)
	return b.sendWithRetry(plain)
}

// sendNotice sends a MarkdownV2 status line, falling back to plain text on
// parse failure.
func (b *Telegram) sendNotice(chatID int64, convKey, md, plain string) {
	if err := b.pace.wait(b.runCtx, convKey); err != nil {
		return
	}
	msg := tu.Message(tu.ID(chatID), md)
	msg.ParseMode = telego.ModeMarkdownV2
	if err := b.sendWithRetry(msg); err == nil {
		return
	}
	if err := b.sendWithRetry(tu.Message(tu.ID(chatID), plain)); err != nil {
		slog.Error("telegram notice failed", "bridge", b.key, "chat", convKey, "error", err)
	}
}

// sendWithRetry retries flood-limited sends up to sendRetries times,
// honouring the retry_after Telegram returns.
func (b *Telegram) sendWithRetry(params *telego.SendMessageParams) error {
	for attempt := 0; ; attempt++ {
		_, err := b.bot.SendMessage(b.runCtx, params)
		if err == nil {
			return nil
		}
		var apiErr *telegoapi.Error
		if errors.As(err, &apiErr) && apiErr.ErrorCode == 429 && attempt < sendRetries {
			wait := time.Duration(attempt+1) * time.Second
			if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
				wait = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
			}
			slog.Debug("telegram rate limited, retrying", "retry_after", wait, "attempt", attempt+1)
			select {
			case <-b.runCtx.Done():
				return b.runCtx.Err()
			case <-time.After(wait):
			}
			continue
		}
		return err
	}
}

func (b *Telegram) sendFile(chatID int64, convKey string, f protocol.File) {
	if err := b.pace.wait(b.runCtx, convKey); err != nil {
		return
	}
	doc := tu.Document(tu.ID(chatID), tu.File(tu.NameReader(bytes.NewReader(f.Buffer), f.Name)))
	if _, err := b.bot.SendDocument(b.runCtx, doc); err != nil {
		slog.Error("telegram file upload failed", "bridge", b.key, "name", f.Name, "error", err)
	}
}

func (b *Telegram) setReaction(ref tgRef, emoji string) {
	if b.cfg.SimpleQueue {
		return
	}
	err := b.bot.SetMessageReaction(b.runCtx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(ref.chatID),
		MessageID: ref.messageID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji},
		},
	})
	if err != nil {
		slog.Debug("telegram reaction failed", "message", ref.messageID, "error", err)
	}
}

func (b *Telegram) clearReaction(ref tgRef) {
	if b.cfg.SimpleQueue {
		return
	}
	_ = b.bot.SetMessageReaction(b.runCtx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(ref.chatID),
		MessageID: ref.messageID,
	})
}

// isServiceMessage reports join/leave/pin style updates that carry no user
// content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if len(msg.Photo) > 0 || msg.Document != nil || msg.Voice != nil ||
		msg.Audio != nil || msg.Video != nil || msg.Sticker != nil {
		return false
	}
	return true
}

// mdv2Escaper escapes every character MarkdownV2 treats as syntax.
var mdv2Escaper = strings.NewReplacer(
	"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "(", "\\(", ")", "\\)",
	"~", "\\~", "`", "\\`", ">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
	"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}", ".", "\\.", "!", "\\!",
	"\\", "\\\\",
)

func mdv2Escape(s string) string {
	return mdv2Escaper.Replace(s)
}
