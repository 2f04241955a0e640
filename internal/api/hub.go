package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vigil/internal/pipeline"
)

const (
	subscriberBuffer = 16
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingInterval     = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventHub streams committed events to WebSocket clients. Each connection
// holds its own bus subscription; a slow client loses events instead of
// stalling the writers.
type EventHub struct {
	bus    *pipeline.EventBus
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[*websocket.Conn]bool
}

// NewEventHub creates a hub over the pipeline event bus.
func NewEventHub(bus *pipeline.EventBus, logger *zap.Logger) *EventHub {
	return &EventHub{
		bus:    bus,
		logger: logger,
		conns:  make(map[*websocket.Conn]bool),
	}
}

// ServeWS upgrades the request and streams events until the client goes
// away. An optional camera query parameter narrows the stream.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	camera := r.URL.Query().Get("camera")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.logger.Debug("websocket client connected",
		zap.String("camera", camera),
		zap.String("remote", r.RemoteAddr))

	h.register(conn)
	events, cancel := h.bus.Subscribe(camera, subscriberBuffer)
	go h.writePump(conn, events, cancel)
	go h.readPump(conn, cancel)
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close drops every client connection.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.Close()
	}
	h.conns = make(map[*websocket.Conn]bool)
}

func (h *EventHub) register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
}

func (h *EventHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// writePump forwards bus announcements to one client and keeps the
// connection alive with pings.
func (h *EventHub) writePump(conn *websocket.Conn, events <-chan pipeline.EventAnnouncement, cancel func()) {
	defer func() {
		cancel()
		h.unregister(conn)
		conn.Close()
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case announcement, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(announcement); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client messages to detect disconnection. Cancelling the
// subscription closes the event channel, which in turn stops the write
// pump.
func (h *EventHub) readPump(conn *websocket.Conn, cancel func()) {
	defer func() {
		cancel()
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}
