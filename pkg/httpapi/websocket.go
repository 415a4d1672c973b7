package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/logger"
)

const wsWriteTimeout = 10 * time.Second

// clientFrame is a client→server WebSocket message (spec.md §6).
type clientFrame struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	Content   string   `json:"content"`
	Media     []string `json:"media,omitempty"`
	Tool      string   `json:"tool,omitempty"`
}

// serverFrame is a server→client WebSocket message.
type serverFrame struct {
	Type      string      `json:"type"`
	Content   string      `json:"content,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
	Tool      string      `json:"tool,omitempty"`
	Arguments interface{} `json:"arguments,omitempty"`
	Result    string      `json:"result,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
}

// wsHub tracks live WebSocket connections keyed by session id string, so
// the "ws" pseudo-channel's outbound Send can route a Bus OutboundMessage
// (addressed by ChatID == session id) to the right socket.
type wsHub struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
}

func newWSHub() *wsHub {
	return &wsHub{clients: make(map[string]*wsClient)}
}

func (h *wsHub) register(sessionID string, c *wsClient) {
	h.mu.Lock()
	h.clients[sessionID] = c
	h.mu.Unlock()
}

func (h *wsHub) unregister(sessionID string) {
	h.mu.Lock()
	delete(h.clients, sessionID)
	h.mu.Unlock()
}

func (h *wsHub) get(sessionID string) (*wsClient, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[sessionID]
	return c, ok
}

type wsClient struct {
	conn      *websocket.Conn
	sessionID string
	writeMu   sync.Mutex
}

func (c *wsClient) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

// handleWebSocket upgrades the connection and runs its read loop until
// the client disconnects or the server shuts down. A connection joins
// the hub under the session id carried by its first "subscribe" frame;
// every inbound "message" frame after that publishes onto the Bus as
// channel "ws", chat_id <session id>, which the wsChannel adapter then
// routes outbound replies back to by the same key.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("httpapi", "websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	client := &wsClient{conn: conn}
	defer func() {
		if client.sessionID != "" {
			s.wsHub.unregister(client.sessionID)
		}
	}()

	client.writeJSON(serverFrame{Type: "connected"})

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case "ping":
			client.writeJSON(serverFrame{Type: "pong"})

		case "subscribe":
			if client.sessionID != "" {
				s.wsHub.unregister(client.sessionID)
			}
			client.sessionID = frame.SessionID
			s.wsHub.register(client.sessionID, client)

		case "unsubscribe":
			if client.sessionID != "" {
				s.wsHub.unregister(client.sessionID)
				client.sessionID = ""
			}

		case "message":
			if client.sessionID == "" {
				client.sessionID = frame.SessionID
				s.wsHub.register(client.sessionID, client)
			}
			s.bus.PublishInbound(bus.InboundMessage{
				Channel:    "ws",
				SenderID:   "ws-user",
				ChatID:     client.sessionID,
				SessionKey: fmt.Sprintf("ws:%s", client.sessionID),
				Content:    frame.Content,
				Media:      frame.Media,
			})

		case "tool_execute":
			client.writeJSON(serverFrame{
				Type:    "error",
				Message: "direct tool execution over the control socket is not supported; use the agent's normal tool loop",
				Code:    "unsupported",
			})

		default:
			client.writeJSON(serverFrame{Type: "error", Message: "unknown frame type", Code: "bad_request"})
		}
	}
}

// wsChannel adapts the hub of live WebSocket connections into a
// channels.Channel so the Manager's single outbound dispatcher routes
// replies addressed to Channel:"ws" here without any second consumer of
// the Bus's outbound FIFO.
type wsChannel struct {
	bus *bus.MessageBus
	hub *wsHub
}

func newWSChannel(mb *bus.MessageBus, hub *wsHub) *wsChannel {
	return &wsChannel{bus: mb, hub: hub}
}

func (c *wsChannel) Name() string { return "ws" }

// Start only blocks until ctx is cancelled: wsChannel has no connection
// of its own to run, it only forwards outbound sends to whatever client
// is currently registered in the hub for a given chat id.
func (c *wsChannel) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (c *wsChannel) Stop(ctx context.Context) error { return nil }

func (c *wsChannel) IsRunning() bool { return true }

func (c *wsChannel) IsAllowed(senderID string) bool { return true }

func (c *wsChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	client, ok := c.hub.get(msg.ChatID)
	if !ok {
		return fmt.Errorf("no websocket client subscribed for session %q", msg.ChatID)
	}
	return client.writeJSON(serverFrame{Type: "message_chunk", Content: msg.Content})
}
