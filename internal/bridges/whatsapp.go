package bridges

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/pkg/protocol"
)

// whatsappTextLimit stays under the Cloud API's 4096-char body cap.
const whatsappTextLimit = 4000

const defaultGraphBase = "https://graph.facebook.com/v20.0"

// WhatsApp bridges the Meta WhatsApp Cloud API. Inbound messages arrive on
// a webhook the daemon mounts; outbound replies go through the Graph send
// endpoint. The conversation key is the sender's wa_id.
type WhatsApp struct {
	key       string
	cfg       config.BridgeInstance
	channelID string // "whatsapp:<key>"
	gw        *Gateway

	token   string
	verify  string
	apiBase string
	client  *http.Client

	convs convTable[struct{}]
	pace  *pacer

	runCtx  context.Context
	cancel  context.CancelFunc
	running atomic.Bool
}

// NewWhatsApp builds a WhatsApp bridge from one configured instance. The
// access token and webhook verify token are resolved through env keys.
func NewWhatsApp(key string, cfg config.BridgeInstance, gw *Gateway) (*WhatsApp, error) {
	token := cfg.Token()
	if token == "" {
		return nil, fmt.Errorf("whatsapp %s: no access token in $%s", key, cfg.EnvKeyName)
	}
	if cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("whatsapp %s: phoneNumberId not configured", key)
	}
	return &WhatsApp{
		key:       key,
		cfg:       cfg,
		channelID: "whatsapp:" + key,
		gw:        gw,
		token:     token,
		verify:    os.Getenv(cfg.VerifyTokenEnvName),
		apiBase:   defaultGraphBase,
		client:    &http.Client{Timeout: 30 * time.Second},
		pace:      newPacer(time.Second, 3),
	}, nil
}

func (b *WhatsApp) Name() string { return b.channelID }

// WebhookPath is the daemon route this bridge answers on.
func (b *WhatsApp) WebhookPath() string { return "/webhooks/whatsapp/" + b.key }

// Start marks the webhook live and subscribes to daemon events. The HTTP
// side is served by the daemon mux via WebhookPath.
func (b *WhatsApp) Start(ctx context.Context) error {
	b.runCtx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.running.Store(true)
	b.gw.Events().SubscribeAll("bridge:"+b.channelID, b.onEvent)
	slog.Info("whatsapp bridge ready",
		"bridge", b.key, "path", b.WebhookPath(), "mode", b.cfg.EffectiveMode())
	return nil
}

// Stop takes the webhook out of service.
func (b *WhatsApp) Stop(_ context.Context) error {
	b.running.Store(false)
	b.gw.Events().UnsubscribeAll("bridge:" + b.channelID)
	if b.cancel != nil {
		b.cancel()
	}
	return nil
}

// ServeHTTP handles Meta's webhook traffic: the GET verification handshake
// and POSTed message notifications.
func (b *WhatsApp) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		b.handleVerify(w, r)
	case http.MethodPost:
		b.handleNotification(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (b *WhatsApp) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && b.verify != "" && q.Get("hub.verify_token") == b.verify {
		io.WriteString(w, q.Get("hub.challenge"))
		return
	}
	slog.Warn("whatsapp webhook verification rejected", "bridge", b.key)
	w.WriteHeader(http.StatusForbidden)
}

func (b *WhatsApp) handleNotification(w http.ResponseWriter, r *http.Request) {
	if !b.running.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	var payload waPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&payload); err != nil {
		slog.Warn("whatsapp webhook payload malformed", "bridge", b.key, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	// Always acknowledge before Meta's retry window; processing failures are
	// logged, not redelivered.
	w.WriteHeader(http.StatusOK)

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			for i := range change.Value.Messages {
				b.acceptMessage(&change.Value.Messages[i], change.Value.Contacts)
			}
		}
	}
}

func (b *WhatsApp) acceptMessage(msg *waMessage, contacts []waContact) {
	if msg.From == "" {
		return
	}

	content, replied := b.extractContent(msg)
	if !b.shouldAccept(msg.From, content, replied) {
		return
	}
	content = b.stripPrefix(content)

	atts := b.collectAttachments(msg)
	if strings.TrimSpace(content) == "" && len(atts) == 0 {
		return
	}

	author := msg.From
	for _, c := range contacts {
		if c.WaID == msg.From && c.Profile.Name != "" {
			author = c.Profile.Name
			break
		}
	}

	go b.markRead(msg.ID)

	sessionID, err := b.gw.Accept(events.InboundMessage{
		ChannelID:     b.channelID,
		ChannelUserID: msg.From,
		AuthorName:    author,
		Content:       content,
		Attachments:   atts,
		MentionsBot:   replied,
	}, b.channelID)
	if err != nil {
		slog.Error("whatsapp message rejected", "bridge", b.key, "from", msg.From, "error", err)
		return
	}
	slog.Debug("whatsapp message accepted", "bridge", b.key, "from", msg.From, "session", sessionID)
}

func (b *WhatsApp) extractContent(msg *waMessage) (content string, replied bool) {
	replied = msg.Context != nil && msg.Context.ID != ""
	if msg.Text != nil {
		return msg.Text.Body, replied
	}
	for _, m := range []*waMedia{msg.Image, msg.Document, msg.Audio} {
		if m != nil && m.Caption != "" {
			return m.Caption, replied
		}
	}
	return "", replied
}

// shouldAccept applies the sender allowlist and the bridge mode. WhatsApp
// has no @mentions, so mention-only means replying to the bot or using the
// configured prefix.
func (b *WhatsApp) shouldAccept(from, content string, replied bool) bool {
	mode := b.cfg.EffectiveMode()
	if mode == config.ModeListenOnly {
		return false
	}
	if len(b.cfg.AllowedChats) > 0 && !containsFold(b.cfg.AllowedChats, from) {
		return false
	}
	if mode == config.ModeMentionOnly && !replied && !b.hasPrefix(content) {
		return false
	}
	return true
}

func (b *WhatsApp) hasPrefix(content string) bool {
	return b.cfg.Prefix != "" && strings.HasPrefix(strings.TrimSpace(content), b.cfg.Prefix)
}

func (b *WhatsApp) stripPrefix(content string) string {
	trimmed := strings.TrimSpace(content)
	if b.cfg.Prefix != "" && strings.HasPrefix(trimmed, b.cfg.Prefix) {
		return strings.TrimSpace(strings.TrimPrefix(trimmed, b.cfg.Prefix))
	}
	return content
}

func (b *WhatsApp) collectAttachments(msg *waMessage) []events.Attachment {
	var out []events.Attachment
	add := func(m *waMedia, fallback string) {
		if m == nil || m.ID == "" {
			return
		}
		name := m.Filename
		if name == "" {
			name = fallback
		}
		data, err := b.downloadMedia(m.ID)
		if err != nil {
			slog.Warn("whatsapp media download failed", "bridge", b.key, "media", m.ID, "error", err)
			return
		}
		out = append(out, events.Attachment{Name: name, MimeType: m.MimeType, Data: data})
	}
	add(msg.Image, "image.jpg")
	add(msg.Document, "document")
	add(msg.Audio, "audio.ogg")
	return out
}

// downloadMedia resolves a media id to its CDN URL and fetches the bytes.
// Both calls need the bearer token.
func (b *WhatsApp) downloadMedia(mediaID string) ([]byte, error) {
	var meta struct {
		URL string `json:"url"`
	}
	if err := b.graphGet(b.apiBase+"/"+mediaID, &meta); err != nil {
		return nil, err
	}
	if meta.URL == "" {
		return nil, fmt.Errorf("media %s has no url", mediaID)
	}

	req, err := http.NewRequestWithContext(b.runCtx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInlineAttachment+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxInlineAttachment {
		return nil, fmt.Errorf("media exceeds %d bytes", maxInlineAttachment)
	}
	return data, nil
}

// markRead clears the sender's unread marker. Best effort.
func (b *WhatsApp) markRead(messageID string) {
	if messageID == "" {
		return
	}
	body := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	if err := b.graphPost("/messages", body, nil); err != nil {
		slog.Debug("whatsapp mark read failed", "bridge", b.key, "error", err)
	}
}

func (b *WhatsApp) onEvent(sessionID string, ev protocol.Event) {
	channelID, convKey, _, ok := b.gw.Binding(sessionID)
	if !ok || channelID != b.channelID {
		return
	}
	conv := b.convs.get(convKey)

	switch e := ev.(type) {
	case protocol.Chunk:
		conv.append(e.Text)

	case protocol.File:
		b.sendFile(convKey, e)

	case protocol.Done:
		text := conv.take()
		if !e.Suppressed && strings.TrimSpace(text) != "" {
			b.sendChunked(convKey, text)
		}

	case protocol.Error:
		conv.take()
		b.sendChunked(convKey, "⚠️ Error: "+e.Message)

	case protocol.SubagentStatus:
		b.sendChunked(convKey, subagentLine(e))

	case protocol.AgentHandoff:
		b.sendChunked(convKey, handoffLine(e))
	}
}

func (b *WhatsApp) sendChunked(to, text string) {
	for _, part := range splitMessage(text, whatsappTextLimit) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		if err := b.pace.wait(b.runCtx, to); err != nil {
			return
		}
		if err := b.sendText(to, part); err != nil {
			slog.Error("whatsapp send failed", "bridge", b.key, "to", to, "error", err)
			return
		}
	}
}

func (b *WhatsApp) sendText(to, text string) error {
	body := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": text},
	}
	return b.graphPost("/messages", body, nil)
}

// sendFile uploads the artifact to the media endpoint and sends it as a
// document message.
func (b *WhatsApp) sendFile(to string, f protocol.File) {
	if err := b.pace.wait(b.runCtx, to); err != nil {
		return
	}
	mediaID, err := b.uploadMedia(f)
	if err != nil {
		slog.Error("whatsapp media upload failed", "bridge", b.key, "name", f.Name, "error", err)
		return
	}
	body := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "document",
		"document":          map[string]any{"id": mediaID, "filename": f.Name},
	}
	if err := b.graphPost("/messages", body, nil); err != nil {
		slog.Error("whatsapp document send failed", "bridge", b.key, "name", f.Name, "error", err)
	}
}

func (b *WhatsApp) uploadMedia(f protocol.File) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", err
	}
	if err := mw.WriteField("type", f.MimeType); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", f.Name)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(f.Buffer); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	url := b.apiBase + "/" + b.cfg.PhoneNumberID + "/media"
	req, err := http.NewRequestWithContext(b.runCtx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media upload: status %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// graphPost posts JSON to the phone number's endpoint, retrying 429s with
// the advertised backoff.
func (b *WhatsApp) graphPost(path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := b.apiBase + "/" + b.cfg.PhoneNumberID + path

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(b.runCtx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+b.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.client.Do(req)
		if err != nil {
			return fmt.Errorf("graph request: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < sendRetries {
			resp.Body.Close()
			wait := time.Duration(attempt+1) * time.Second
			if s := resp.Header.Get("Retry-After"); s != "" {
				if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
					wait = time.Duration(secs) * time.Second
				}
			}
			slog.Debug("whatsapp rate limited, retrying", "retry_after", wait, "attempt", attempt+1)
			select {
			case <-b.runCtx.Done():
				return b.runCtx.Err()
			case <-time.After(wait):
			}
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("graph request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		}
		if out != nil {
			return json.NewDecoder(resp.Body).Decode(out)
		}
		return nil
	}
}

func (b *WhatsApp) graphGet(url string, out any) error {
	req, err := http.NewRequestWithContext(b.runCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graph request: status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Webhook payload shapes, reduced to the fields the bridge reads.

type waPayload struct {
	Entry []struct {
		Changes []struct {
			Field string   `json:"field"`
			Value waChange `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waChange struct {
	Contacts []waContact `json:"contacts"`
	Messages []waMessage `json:"messages"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
	Context *struct {
		ID string `json:"id"`
	} `json:"context"`
	Image    *waMedia `json:"image"`
	Document *waMedia `json:"document"`
	Audio    *waMedia `json:"audio"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename"`
	Caption  string `json:"caption"`
}
