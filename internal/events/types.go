// Package events moves messages between bridges, sessions and subscribers:
// inbound messages flow from bridges into session queues, and each turn's
// event stream fans out through the Dispatcher to the originating bridge,
// SSE watchers and the dashboard feed.
package events

import "github.com/tamias-dev/tamias/pkg/protocol"

// InboundMessage is a normalised message received from a bridge.
type InboundMessage struct {
	ChannelID     string            `json:"channelId"`     // "<transport>:<instanceKey>", or "terminal"
	ChannelUserID string            `json:"channelUserId"` // chat/user id inside the transport
	AuthorName    string            `json:"authorName,omitempty"`
	Content       string            `json:"content"`
	Attachments   []Attachment      `json:"attachments,omitempty"`
	MentionsBot   bool              `json:"mentionsBot,omitempty"`
	Raw           map[string]string `json:"raw,omitempty"` // transport-specific extras
}

// Attachment is an inbound media item. Data is populated for small files the
// bridge downloaded; URL is kept for anything else.
type Attachment struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Handler receives one event for one session. Handlers run on the session's
// pump goroutine; long work here delays that session's deliveries only.
type Handler func(sessionID string, ev protocol.Event)
