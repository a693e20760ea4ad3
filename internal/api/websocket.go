package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pelago-hub/hubd/internal/eventbus"
	"github.com/pelago-hub/hubd/internal/logging"
)

// WebSocket message types, mirroring the teacher's event-socket wire
// protocol: subscribe/unsubscribe by topic pattern, ping/pong keepalive,
// and server-pushed events.
const (
	wsTypeSubscribe   = "subscribe"
	wsTypeUnsubscribe = "unsubscribe"
	wsTypePing        = "ping"
	wsTypePong        = "pong"
	wsTypeEvent       = "event"
	wsTypeResponse    = "response"
	wsTypeError       = "error"

	wsSendBufferSize = 256
	wsPingInterval   = 30 * time.Second
	wsPongTimeout    = 60 * time.Second
	wsMaxMessageSize = 1 << 16

	subscriberMailboxSize = 256
)

// wsMessage is one frame of the WebSocket wire protocol.
type wsMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type wsSubscribePayload struct {
	Topics []string `json:"topics"`
}

// Hub tracks connected WebSocket clients over the daemon's event bus.
// Unlike the teacher's Hub (which owns per-client subscription sets and
// fans out Broadcast calls itself), each client here owns its own
// eventbus.Subscriber; the bus already does topic matching and bounded,
// drop-oldest mailbox delivery, so the hub's job shrinks to bookkeeping.
type Hub struct {
	log *logging.Logger
	bus *eventbus.Bus

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func NewHub(log *logging.Logger, bus *eventbus.Bus) *Hub {
	return &Hub{log: log, bus: bus, clients: make(map[*wsClient]struct{})}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ClientCount returns the number of connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

type wsClient struct {
	hub         *Hub
	conn        *websocket.Conn
	sub         *eventbus.Subscriber
	unsubscribe func()
	send        chan []byte
	done        chan struct{}
}

// handleWebSocket upgrades the connection and starts the client's
// read/write pumps. There is no auth ticket here — this surface is for
// already-trusted local clients.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeInternalError(w, "event bus not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sub, unsubscribe := s.bus.Subscribe(subscriberMailboxSize)
	c := &wsClient{
		hub:         s.hub,
		conn:        conn,
		sub:         sub,
		unsubscribe: unsubscribe,
		send:        make(chan []byte, wsSendBufferSize),
		done:        make(chan struct{}),
	}

	s.hub.register(c)
	go c.pumpEvents()
	go c.writePump()
	c.readPump(s.hub.log)
}

// pumpEvents drains the client's bus subscriber and forwards matching
// events as wsTypeEvent frames, plus a bus/overflow notification each time
// it finds that this subscriber's mailbox has dropped events since the
// previous check.
func (c *wsClient) pumpEvents() {
	var lastOverflow uint64
	for {
		evt, ok := c.sub.Next(c.done)
		if !ok {
			return
		}

		if n := c.sub.OverflowCount(); n > lastOverflow {
			lastOverflow = n
			c.trySend(encodeWSMessage(wsMessage{
				Type:      wsTypeEvent,
				EventType: "bus/overflow",
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Payload:   map[string]uint64{"dropped": n},
			}))
		}

		c.trySend(encodeWSMessage(wsMessage{
			Type:      wsTypeEvent,
			EventType: evt.Topic,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Payload:   evt.Payload,
		}))
	}
}

func encodeWSMessage(msg wsMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return data
}

func (c *wsClient) trySend(data []byte) {
	if data == nil {
		return
	}
	defer func() { _ = recover() }() // absorb send-on-closed-channel during shutdown
	select {
	case c.send <- data:
	default:
		// client's own outbound buffer is full; drop rather than block
	}
}

func (c *wsClient) readPump(log *logging.Logger) {
	defer func() {
		close(c.done)
		c.unsubscribe()
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
		c.handleMessage(raw)
	}
}

func (c *wsClient) handleMessage(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case wsTypeSubscribe:
		c.handleSubscribe(msg)
	case wsTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case wsTypePing:
		c.trySend(encodeWSMessage(wsMessage{Type: wsTypePong, ID: msg.ID}))
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *wsClient) handleSubscribe(msg wsMessage) {
	topics, err := decodeTopics(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}
	for _, t := range topics {
		c.sub.SubscribeTopic(t)
	}
	c.trySend(encodeWSMessage(wsMessage{Type: wsTypeResponse, ID: msg.ID, Payload: map[string]any{"subscribed": topics}}))
}

func (c *wsClient) handleUnsubscribe(msg wsMessage) {
	topics, err := decodeTopics(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}
	for _, t := range topics {
		c.sub.UnsubscribeTopic(t)
	}
	c.trySend(encodeWSMessage(wsMessage{Type: wsTypeResponse, ID: msg.ID, Payload: map[string]any{"unsubscribed": topics}}))
}

func decodeTopics(payload any) ([]string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var sub wsSubscribePayload
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, err
	}
	return sub.Topics, nil
}

func (c *wsClient) sendError(id, message string) {
	c.trySend(encodeWSMessage(wsMessage{Type: wsTypeError, ID: id, Payload: map[string]string{"message": message}}))
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsPongTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsPongTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
