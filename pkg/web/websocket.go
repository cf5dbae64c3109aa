package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/scheduler"
)

// Event types pushed to WebSocket clients
const (
	EventProcedureStarted = "procedure_started"
	EventProcedureEnded   = "procedure_ended"
	EventSubeventResult   = "subevent_result"
	EventFAETable         = "fae_table"
	EventStatusUpdate     = "status_update"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 30 * time.Second
	pingPeriod   = pongWait * 9 / 10
	clientQueue  = 256
	hubQueue     = 512
	maxReadBytes = 512
)

// Event is one message streamed to dashboard clients
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Marshal converts an event to JSON bytes
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// client is one dashboard connection. send is closed by the hub only.
type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	dropped int
}

// WebSocketHub fans ranging activity out to dashboard clients. It is a
// scheduler.Observer; every callback only queues an event, so the engine
// goroutine never waits on a slow client.
type WebSocketHub struct {
	scheduler.NopObserver

	logger     *logger.Logger
	events     chan Event
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewWebSocketHub creates a hub; Run must be started before clients connect
func NewWebSocketHub(log *logger.Logger) *WebSocketHub {
	return &WebSocketHub{
		logger:     log,
		events:     make(chan Event, hubQueue),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Run owns the client set until ctx ends
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("Dashboard client connected", logger.String("client", c.id))

		case c := <-h.unregister:
			h.drop(c)

		case ev := <-h.events:
			data, err := ev.Marshal()
			if err != nil {
				h.logger.Error("Failed to marshal event",
					logger.String("type", ev.Type),
					logger.Error(err))
				continue
			}
			h.fanOut(data)

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*client]struct{})
			h.mu.Unlock()
			h.logger.Info("WebSocket hub stopped")
			return
		}
	}
}

func (h *WebSocketHub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug("Dashboard client disconnected",
		logger.String("client", c.id),
		logger.Int("dropped", c.dropped))
}

func (h *WebSocketHub) fanOut(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			c.dropped++
			if c.dropped == 1 || c.dropped%100 == 0 {
				h.logger.Warn("Dashboard client too slow, dropping events",
					logger.String("client", c.id),
					logger.Int("dropped", c.dropped))
			}
		}
	}
}

// Broadcast queues an event for every client. A full queue drops it.
func (h *WebSocketHub) Broadcast(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("Event queue full, dropping event", logger.String("type", ev.Type))
	}
}

// Handler upgrades requests to WebSocket clients of this hub
func (h *WebSocketHub) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  512,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug("WebSocket upgrade failed", logger.Error(err))
			return
		}
		c := &client{id: r.RemoteAddr, conn: conn, send: make(chan []byte, clientQueue)}
		select {
		case h.register <- c:
		case <-h.done:
			_ = conn.Close()
			return
		}
		go h.writePump(c)
		go h.readPump(c)
	})
}

// readPump only watches for pongs and the close frame.
func (h *WebSocketHub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// GetClientCount returns the number of connected clients
func (h *WebSocketHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ProcedureStarted implements scheduler.Observer
func (h *WebSocketHub) ProcedureStarted(connID uint16, configID uint8, counter uint16) {
	h.Broadcast(Event{
		Type: EventProcedureStarted,
		Data: map[string]interface{}{
			"conn_id":           connID,
			"config_id":         configID,
			"procedure_counter": counter,
		},
	})
}

// SubeventCompleted implements scheduler.Observer
func (h *WebSocketHub) SubeventCompleted(s scheduler.SubeventSummary) {
	h.Broadcast(Event{
		Type: EventSubeventResult,
		Data: map[string]interface{}{"result": s},
	})
}

// ProcedureEnded implements scheduler.Observer
func (h *WebSocketHub) ProcedureEnded(s scheduler.ProcedureSummary) {
	h.Broadcast(Event{
		Type: EventProcedureEnded,
		Data: map[string]interface{}{
			"conn_id":           s.ConnID,
			"config_id":         s.ConfigID,
			"procedure_counter": s.ProcedureCounter,
			"done_status":       s.DoneStatus,
			"abort_reason":      s.AbortReason,
			"subevents":         s.Subevents,
			"steps":             s.Steps,
			"duration_ms":       s.EndedAt.Sub(s.StartedAt).Milliseconds(),
		},
	})
}

// FAETableUpdated implements scheduler.Observer
func (h *WebSocketHub) FAETableUpdated(t csdb.FAETable) {
	h.Broadcast(Event{
		Type: EventFAETable,
		Data: map[string]interface{}{"table": t[:]},
	})
}

// BroadcastConnections pushes a snapshot of every connection's CS state
func (h *WebSocketHub) BroadcastConnections(conns []scheduler.ConnectionStatus) {
	h.Broadcast(Event{
		Type: EventStatusUpdate,
		Data: map[string]interface{}{
			"connections": conns,
			"clients":     h.GetClientCount(),
		},
	})
}
