package daemon

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tamias-dev/tamias/pkg/protocol"
)

const (
	feedBuffer    = 256
	feedWriteWait = 10 * time.Second
	feedPongWait  = 60 * time.Second
	feedPingEvery = 45 * time.Second
)

// feedClient is one websocket consumer of the global event firehose. The
// feed is write-only; the read side only services close and pong frames.
type feedClient struct {
	id   string
	conn *websocket.Conn
	send chan protocol.Frame

	closeOnce sync.Once
	done      chan struct{}
}

// handleFeed upgrades the connection and streams every session's events as
// Frame JSON until the client goes away.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &feedClient{
		id:   uuid.NewString()[:8],
		conn: conn,
		send: make(chan protocol.Frame, feedBuffer),
		done: make(chan struct{}),
	}
	s.registerFeed(c)
	defer s.unregisterFeed(c)

	go c.writeLoop()
	c.readLoop()
}

func (s *Server) registerFeed(c *feedClient) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.dispatcher.SubscribeAll("ws:"+c.id, func(sessionID string, ev protocol.Event) {
		frame, err := protocol.NewFrame(sessionID, ev)
		if err != nil {
			return
		}
		select {
		case c.send <- frame:
		default:
			// Slow consumer; the feed is best-effort for dashboards.
		}
	})

	slog.Info("feed client connected", "client", c.id)
}

func (s *Server) unregisterFeed(c *feedClient) {
	s.dispatcher.UnsubscribeAll("ws:" + c.id)
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.close()
	slog.Info("feed client disconnected", "client", c.id)
}

func (s *Server) closeClients() {
	s.mu.RLock()
	cs := make([]*feedClient, 0, len(s.clients))
	for _, c := range s.clients {
		cs = append(cs, c)
	}
	s.mu.RUnlock()
	for _, c := range cs {
		c.close()
	}
}

func (c *feedClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *feedClient) readLoop() {
	c.conn.SetReadLimit(1 << 10)
	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *feedClient) writeLoop() {
	ticker := time.NewTicker(feedPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
