package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/robertguss/serialforge/internal/jobs"
)

const (
	clientBuffer = 64
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Message is sent to websocket clients
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// inbound is a client command. "subscribe" narrows the stream to one
// project, an empty project id widens it again. "ping" is answered with "pong".
type inbound struct {
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan Message

	mu        sync.Mutex
	projectID string
	closeOnce sync.Once
}

func (c *wsClient) wants(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectID == "" || c.projectID == projectID
}

func (c *wsClient) subscribe(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projectID = projectID
}

// Hub fans job events out to websocket clients. It is a jobs.EventSink.
type Hub struct {
	originPatterns []string
	logger         *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

var _ jobs.EventSink = (*Hub)(nil)

// NewHub creates a hub accepting cross-origin upgrades from allowedOrigins
func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		originPatterns: hostPatterns(allowedOrigins),
		logger:         logger,
		clients:        make(map[*wsClient]struct{}),
	}
}

// hostPatterns turns CORS origins into the host patterns the upgrader matches
func hostPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		patterns = append(patterns, o)
	}
	return patterns
}

// Publish sends e to every interested client. Clients that cannot keep up
// are disconnected.
func (h *Hub) Publish(e jobs.Event) {
	msg := Message{Type: string(e.Type), Data: e, Timestamp: e.Time}

	var slow []*wsClient
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(e.ProjectID) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client")
		h.remove(c)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shutdown(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		c.shutdown(websocket.StatusPolicyViolation, "client removed")
	}
}

// shutdown closes the send channel once. Callers must have removed c from
// the hub first so no Publish can still be sending.
func (c *wsClient) shutdown(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.conn.Close(code, reason)
	})
}

// ServeWs upgrades the request and streams events until the client leaves
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	c := &wsClient{
		conn:      conn,
		send:      make(chan Message, clientBuffer),
		projectID: r.URL.Query().Get("project_id"),
	}
	if !h.add(c) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.writePump(ctx, h.logger)

	h.readPump(ctx, c)
	h.remove(c)
}

func (h *Hub) readPump(ctx context.Context, c *wsClient) {
	for {
		var msg inbound
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				h.logger.Debug("websocket read ended", "error", err)
			}
			return
		}

		switch msg.Type {
		case "subscribe":
			c.subscribe(msg.ProjectID)
		case "ping":
			// writes may run concurrently with the write pump
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, Message{Type: "pong", Timestamp: time.Now()})
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsClient) writePump(ctx context.Context, logger *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			cancel()
			if err != nil {
				logger.Debug("websocket write failed", "error", err)
				_ = c.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				_ = c.conn.Close(websocket.StatusInternalError, "ping failed")
				return
			}
		}
	}
}
