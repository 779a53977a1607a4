// Package hub bridges a user's websocket connections to their relay. Inbound
// frames become relay messages; upstream events fan out to every connected
// socket. A hub never blocks an emitting session: slow clients drop events.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/pkg/concurrent"
	"github.com/parleyhq/parley/pkg/relay"
	"github.com/parleyhq/parley/pkg/upstream"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// maxFrameSize bounds inbound client frames.
	maxFrameSize = 1 << 20

	// clientBuffer is the per-socket outbound queue. Events beyond it are
	// dropped rather than stalling the session.
	clientBuffer = 256
)

// Frame is one inbound client message.
type Frame struct {
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	StartToken string         `json:"start_token,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

var frameTopics = map[string]string{
	"open":     relay.TopicOpen,
	"close":    relay.TopicClose,
	"message":  relay.TopicMessage,
	"command":  relay.TopicCommand,
	"shutdown": relay.TopicShutdown,
	"resume":   relay.TopicResume,
}

// Hub is the fan-out point for one user. It implements upstream.Sink.
type Hub struct {
	log     *slog.Logger
	userID  string
	clients *concurrent.Map[*client, struct{}]

	forward func(relay.Msg) error
}

func newHub(log *slog.Logger, userID string) *Hub {
	return &Hub{
		log:     log.With("user_id", userID),
		userID:  userID,
		clients: concurrent.NewMap[*client, struct{}](),
	}
}

// Send fans an upstream event out to every connected socket. It never
// blocks; clients with full queues miss the event.
func (h *Hub) Send(e upstream.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Error("cannot encode event", "type", e.Type, "error", err)
		return
	}

	h.clients.Range(func(c *client, _ struct{}) bool {
		select {
		case c.send <- data:
		default:
			h.log.Warn("dropping event for slow client", "type", e.Type)
		}
		return true
	})
}

// Attach serves conn until it closes. It blocks; run it from the HTTP
// handler goroutine.
func (h *Hub) Attach(ctx context.Context, conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.clients.Store(c, struct{}{})

	go c.writeLoop()
	h.readLoop(ctx, c)

	h.clients.Delete(c)
	close(c.send)
}

// ClientCount reports the number of attached sockets.
func (h *Hub) ClientCount() int {
	return h.clients.Length()
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("client read failed", "error", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.sendError(c, "", upstream.CodeInvalidJSON, "malformed frame")
			continue
		}
		topic, ok := frameTopics[f.Type]
		if !ok {
			h.sendError(c, f.RequestID, upstream.CodeInvalidJSON, "unknown frame type "+f.Type)
			continue
		}

		m := relay.Msg{
			Topic:      topic,
			SessionID:  f.SessionID,
			StartToken: f.StartToken,
			Data:       f.Data,
			RequestID:  f.RequestID,
		}
		if err := h.forward(m); err != nil {
			h.sendError(c, f.RequestID, upstream.CodeSessionSpawnError, "relay unavailable")
		}
	}
}

// sendError delivers an error frame to a single client instead of the whole
// hub; frame-level failures concern only the sender.
func (h *Hub) sendError(c *client, requestID, code, message string) {
	payload := map[string]any{"code": code, "message": message}
	if requestID != "" {
		payload["request_id"] = requestID
	}
	data, err := json.Marshal(upstream.Event{Type: upstream.EmitError, Payload: payload})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
