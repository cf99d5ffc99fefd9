package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub broadcasts events to WebSocket clients. A client subscribes either to
// a single ticket's events or to the global stream (all tickets).
type Hub struct {
	mu       sync.Mutex
	byTicket map[string]map[*websocket.Conn]bool
	global   map[*websocket.Conn]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub creates a WebSocket hub. allowedOrigin restricts the Origin header;
// empty allows any origin.
func NewHub(allowedOrigin string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		byTicket: make(map[string]map[*websocket.Conn]bool),
		global:   make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" {
					return true
				}
				return r.Header.Get("Origin") == allowedOrigin
			},
		},
		logger: logger,
	}
}

// Publish sends the event to the ticket's subscribers and the global stream.
func (h *Hub) Publish(_ context.Context, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.global {
		h.send(conn, ev)
	}
	if ev.TicketID != "" {
		for conn := range h.byTicket[ev.TicketID] {
			h.send(conn, ev)
		}
	}
}

// send writes one frame, dropping the connection on failure. Caller holds mu.
func (h *Hub) send(conn *websocket.Conn, ev Event) {
	if err := conn.WriteJSON(ev); err != nil {
		h.logger.Debug("websocket write failed, dropping client", "error", err)
		conn.Close()
		h.removeLocked(conn)
	}
}

// ServeTicket handles a WebSocket subscription for one ticket.
func (h *Hub) ServeTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	if h.byTicket[ticketID] == nil {
		h.byTicket[ticketID] = make(map[*websocket.Conn]bool)
	}
	h.byTicket[ticketID][conn] = true
	h.mu.Unlock()

	h.readLoop(conn)
}

// ServeGlobal handles a WebSocket subscription for all tickets.
func (h *Hub) ServeGlobal(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.global[conn] = true
	h.mu.Unlock()

	h.readLoop(conn)
}

// readLoop consumes client frames until the connection drops. The only
// client message with meaning is the literal text "ping".
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		h.mu.Lock()
		h.removeLocked(conn)
		h.mu.Unlock()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(msg) == "ping" {
			h.mu.Lock()
			err := conn.WriteJSON(map[string]string{"type": "pong"})
			h.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) removeLocked(conn *websocket.Conn) {
	delete(h.global, conn)
	for id, conns := range h.byTicket {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.byTicket, id)
		}
	}
}

// ClientCount returns the number of connected clients (for tests).
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.global)
	for _, conns := range h.byTicket {
		n += len(conns)
	}
	return n
}
