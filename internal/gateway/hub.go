package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const clientWriteTimeout = 5 * time.Second

// EventMessage is one frame on the event stream. Seq is monotonic per
// server so a client can detect gaps after a reconnect.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Seq       int64       `json:"seq"`
}

// hub tracks connected websocket clients and fans events out to them.
type hub struct {
	logger zerolog.Logger
	seq    atomic.Int64

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// wsClient serializes writes to one connection. Concurrent writes on a
// gorilla conn are not allowed.
type wsClient struct {
	id   string
	conn *websocket.Conn

	mu sync.Mutex
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{
		logger:  logger,
		clients: make(map[string]*wsClient),
	}
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *hub) add(conn *websocket.Conn) *wsClient {
	id, _ := gonanoid.New()
	client := &wsClient{id: id, conn: conn}

	h.mu.Lock()
	h.clients[id] = client
	h.mu.Unlock()

	h.logger.Info().Str("client_id", id).Msg("Event stream client connected")
	return client
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	client, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()

	if ok {
		client.conn.Close()
		h.logger.Info().Str("client_id", id).Msg("Event stream client disconnected")
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast sends one event to every connected client. A client whose
// write fails is dropped; the stream never blocks on a stuck peer.
func (h *hub) broadcast(event string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       h.seq.Add(1),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if err := client.write(payload); err != nil {
			h.logger.Warn().Err(err).Str("client_id", client.id).Str("event", event).Msg("Dropping unresponsive event stream client")
			h.remove(client.id)
		}
	}
}

// closeAll disconnects every client. Used on shutdown after the final
// broadcast.
func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*wsClient)
	h.mu.Unlock()

	for _, client := range clients {
		client.conn.Close()
	}
}
