package httpapi

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var dashboardUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// dashboardClient is one /ws/dashboard subscriber, identified by a
// random client id rather than anything tied to a specific experiment.
type dashboardClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// dashboardHub fans experiment-list change notifications out to every
// connected dashboard client. Unlike the experiment/signal/backtest
// streams, which are per-request SSE (spec §6), the dashboard list view
// wants a single standing push channel shared across all open browser
// tabs — the one concern SSE's request-scoped model doesn't cover well.
type dashboardHub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*dashboardClient
}

func newDashboardHub(logger *zap.Logger) *dashboardHub {
	return &dashboardHub{logger: logger.Named("dashboard"), clients: make(map[string]*dashboardClient)}
}

func (h *dashboardHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := dashboardUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &dashboardClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, 16)}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards inbound frames; the protocol is push-only. It exists
// to detect client disconnects and to process control frames, per
// gorilla/websocket's documented pattern. No read deadline is set.
func (h *dashboardHub) readPump(c *dashboardClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *dashboardHub) writePump(c *dashboardClient) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *dashboardHub) remove(c *dashboardClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	h.mu.Unlock()
	close(c.send)
}

// broadcast pushes msg to every connected client, dropping it for any
// client whose send buffer is full rather than blocking the caller.
func (h *dashboardHub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}
