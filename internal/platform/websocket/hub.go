// Package websocket streams review lifecycle events to connected reviewer
// worklists. Each connection sees only its own tenant's events and may narrow
// them further to a set of event types.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ivd/middleware/internal/platform/notify"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = pongTimeout * 9 / 10
	maxInbound   = 4096
)

// ClientMessage is what a client may send to change its filter.
type ClientMessage struct {
	Action string             `json:"action"`
	Types  []notify.EventType `json:"types"`
}

// Client is one connected worklist.
type Client struct {
	ID       string
	TenantID string
	Send     chan []byte

	mu    sync.RWMutex
	types map[notify.EventType]bool // empty means every type
}

func newClient(tenantID string, types []notify.EventType) *Client {
	c := &Client{ID: uuid.NewString(), TenantID: tenantID, Send: make(chan []byte, sendBuffer)}
	c.setTypes(types)
	return c
}

func (c *Client) setTypes(types []notify.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = make(map[notify.EventType]bool, len(types))
	for _, t := range types {
		c.types[t] = true
	}
}

func (c *Client) wants(t notify.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.types) == 0 || c.types[t]
}

// Hub tracks connected clients by tenant. It implements notify.Notifier so it
// can sit alongside the broker and webhook sinks.
type Hub struct {
	mu      sync.RWMutex
	tenants map[string]map[*Client]struct{}
	closed  bool
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		tenants: make(map[string]map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

// Register adds c to its tenant. It reports false once the hub is closed.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set := h.tenants[c.TenantID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.tenants[c.TenantID] = set
	}
	set[c] = struct{}{}
	return true
}

// Unregister removes c and closes its Send channel. Calling it twice is safe.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(c)
}

func (h *Hub) remove(c *Client) {
	set, ok := h.tenants[c.TenantID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.tenants, c.TenantID)
	}
	close(c.Send)
}

// ProcessMessage applies a client's filter request. Unknown actions are ignored.
func (h *Hub) ProcessMessage(c *Client, msg ClientMessage) {
	switch msg.Action {
	case "filter":
		c.setTypes(msg.Types)
	case "all":
		c.setTypes(nil)
	}
}

// Notify delivers e to every interested client of e's tenant. A client whose
// buffer is full misses the event rather than stalling the caller.
func (h *Hub) Notify(_ context.Context, e notify.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.tenants[e.TenantID] {
		if !c.wants(e.Type) {
			continue
		}
		select {
		case c.Send <- data:
		default:
			h.logger.Warn().Str("client_id", c.ID).Str("tenant_id", c.TenantID).Msg("client too slow, event dropped")
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, set := range h.tenants {
		for c := range set {
			h.remove(c)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.tenants {
		n += len(set)
	}
	return n
}

func (h *Hub) TenantCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants[tenantID])
}

// Handler upgrades GET requests into event streams.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts connections from the listed origins; "*" allows all.
// Requests without an Origin header, such as server-side clients, are always
// accepted.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
	}
}

// Stream handles GET .../stream?type=review.queued&type=review.decided.
// The tenant comes from the request context set by the tenant middleware.
func (h *Handler) Stream(c echo.Context) error {
	tenant, _ := c.Get("tenant_id").(string)
	if tenant == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant is required")
	}
	var types []notify.EventType
	for _, t := range c.QueryParams()["type"] {
		types = append(types, notify.EventType(t))
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		return nil
	}

	client := newClient(tenant, types)
	if !h.hub.Register(client) {
		_ = ws.Close()
		return nil
	}
	h.hub.logger.Info().Str("client_id", client.ID).Str("tenant_id", tenant).Msg("stream connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(c *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(c)
		_ = ws.Close()
		h.hub.logger.Info().Str("client_id", c.ID).Str("tenant_id", c.TenantID).Msg("stream disconnected")
	}()

	ws.SetReadLimit(maxInbound)
	_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(c, msg)
	}
}

func (h *Handler) writePump(c *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
