package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/Shubh17ss/locumbnb-sub003/internal/eventbus"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboard is served from another origin in development
	},
}

// EventMessage is the live view of a platform event sent to dashboard clients.
type EventMessage struct {
	Type      domain.EventType   `json:"type"`
	EventID   string             `json:"event_id"`
	Source    domain.EventSource `json:"source"`
	UserID    string             `json:"user_id,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Data      domain.Payload     `json:"data"`
}

// EventSubscriber is the subset of *eventbus.Bus the hub listens on.
type EventSubscriber interface {
	Subscribe(eventTypes []domain.EventType, cb eventbus.SubscriberFunc) string
	Unsubscribe(id string)
}

type broadcastMsg struct {
	eventType domain.EventType
	data      []byte
}

// Hub manages WebSocket connections and broadcasts platform events to all
// connected clients.
type Hub struct {
	clients    map[*client]struct{}
	mu         sync.RWMutex
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	logger     *slog.Logger
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	// types limits delivery to these event types; empty means all.
	types map[domain.EventType]struct{}
}

func (c *client) wants(t domain.EventType) bool {
	if len(c.types) == 0 {
		return true
	}
	_, ok := c.types[t]
	return ok
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's event loop and returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "total_clients", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", "total_clients", total)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(msg.eventType) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// slow client
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Attach subscribes the hub to every event type on the bus and returns the
// subscription id.
func (h *Hub) Attach(bus EventSubscriber) string {
	return bus.Subscribe(domain.EventTypes(), h.Publish)
}

// Publish queues a platform event for broadcast. It never blocks; events are
// dropped when the broadcast buffer is full.
func (h *Hub) Publish(event domain.PlatformEvent) {
	data, err := json.Marshal(EventMessage{
		Type:      event.Type,
		EventID:   event.ID,
		Source:    event.Source,
		UserID:    event.UserID,
		Timestamp: event.Timestamp,
		Data:      event.Data,
	})
	if err != nil {
		h.logger.Error("failed to marshal websocket event", "event_type", event.Type, "error", err)
		return
	}

	select {
	case h.broadcast <- broadcastMsg{eventType: event.Type, data: data}:
	default:
		h.logger.Warn("websocket broadcast channel full, dropping event", "event_type", event.Type)
	}
}

// HandleWebSocket upgrades HTTP connections to WebSocket and registers the
// client. An optional comma separated "types" query parameter filters the
// feed.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	types := make(map[domain.EventType]struct{})
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			et := domain.EventType(strings.TrimSpace(t))
			if !et.Valid() {
				http.Error(w, "unknown event type: "+string(et), http.StatusBadRequest)
				return
			}
			types[et] = struct{}{}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, 256),
		types: types,
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump only watches for pongs and disconnects.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
