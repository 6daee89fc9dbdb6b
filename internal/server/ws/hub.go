package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
	sendBufferSize = 256

	defaultReplayLimit = 50
	replayBatch        = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client represents a single WebSocket connection. An empty filter set
// receives every event.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	mu      sync.RWMutex
	filters map[string]bool
}

// subscribeMsg is the JSON message a client sends to narrow or widen the
// events it receives, e.g. {"action":"subscribe","events":["tick_*"]}.
type subscribeMsg struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

// Config captures runtime metadata sent to clients on connect.
type Config struct {
	Mode      string
	TraderID  domain.TraderID
	StartedAt time.Time

	// SettlementStream, when set, is read to replay the last ReplayLimit
	// settled transactions to each new client.
	SettlementStream string
	ReplayLimit      int
}

// Hub relays market events from the signal bus to connected WebSocket
// clients.
type Hub struct {
	channel    string
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	stopped    chan struct{}
	bus        domain.SignalBus
	mu         sync.RWMutex
	logger     *slog.Logger
	cfg        Config

	replayMu sync.Mutex
	cursor   string
	recent   [][]byte
}

// NewHub creates a hub that relays messages published on channel.
func NewHub(bus domain.SignalBus, channel string, cfg Config, logger *slog.Logger) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = defaultReplayLimit
	}
	cfg.ReplayLimit = min(cfg.ReplayLimit, sendBufferSize-1)
	return &Hub{
		channel:    channel,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopped:    make(chan struct{}),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws")),
		cfg:        cfg,
		cursor:     "0",
	}
}

// Run relays events until ctx is cancelled. It returns nil on cancellation.
func (h *Hub) Run(ctx context.Context) error {
	msgs, err := h.bus.Subscribe(ctx, h.channel)
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "ws: relaying events", slog.String("channel", h.channel))

	for {
		select {
		case <-ctx.Done():
			close(h.stopped)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.InfoContext(ctx, "ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.InfoContext(ctx, "ws: client disconnected", slog.Int("total_clients", n))

		case data, ok := <-msgs:
			if !ok {
				h.logger.WarnContext(ctx, "ws: event subscription closed")
				msgs = nil
				continue
			}
			h.fanOut(ctx, data)
		}
	}
}

func (h *Hub) fanOut(ctx context.Context, data []byte) {
	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		h.logger.WarnContext(ctx, "ws: dropping malformed event", slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(head.Event) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.WarnContext(ctx, "ws: dropping message for slow client")
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		filters: make(map[string]bool),
	}
	if events := r.URL.Query().Get("events"); events != "" {
		for _, e := range strings.Split(events, ",") {
			if e = strings.TrimSpace(e); e != "" {
				c.filters[e] = true
			}
		}
	}

	c.sendInitialStatus()
	c.replaySettlements(h.recentSettlements(r.Context()))
	select {
	case h.register <- c:
	case <-h.stopped:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil {
			c.apply(sub)
		}
	}
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, e := range msg.Events {
			c.filters[e] = true
		}
	case "unsubscribe":
		for _, e := range msg.Events {
			delete(c.filters, e)
		}
	}
}

// wants reports whether the client's filters admit the named event. A filter
// ending in '*' matches by prefix.
func (c *client) wants(event string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.filters) == 0 || c.filters[event] {
		return true
	}
	for f := range c.filters {
		if prefix, ok := strings.CutSuffix(f, "*"); ok && strings.HasPrefix(event, prefix) {
			return true
		}
	}
	return false
}

// sendInitialStatus lets clients mark the connection healthy before any
// market event flows.
func (c *client) sendInitialStatus() {
	msg, err := json.Marshal(map[string]any{
		"type": "node_status",
		"payload": map[string]any{
			"mode":           c.hub.cfg.Mode,
			"trader_id":      c.hub.cfg.TraderID.String(),
			"uptime_seconds": max(0, int64(time.Since(c.hub.cfg.StartedAt).Seconds())),
		},
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// recentSettlements reads what the settlement stream gained since the last
// call and returns the newest ReplayLimit entries, oldest first.
func (h *Hub) recentSettlements(ctx context.Context) [][]byte {
	if h.cfg.SettlementStream == "" {
		return nil
	}
	h.replayMu.Lock()
	defer h.replayMu.Unlock()

	for {
		msgs, err := h.bus.StreamRead(ctx, h.cfg.SettlementStream, h.cursor, replayBatch)
		if err != nil {
			h.logger.WarnContext(ctx, "ws: settlement stream read failed", slog.String("error", err.Error()))
			break
		}
		for _, m := range msgs {
			h.recent = append(h.recent, m.Payload)
			h.cursor = m.ID
		}
		if over := len(h.recent) - h.cfg.ReplayLimit; over > 0 {
			h.recent = slices.Clone(h.recent[over:])
		}
		if len(msgs) < replayBatch {
			break
		}
	}
	return slices.Clone(h.recent)
}

// replaySettlements queues settled transactions ahead of live events.
func (c *client) replaySettlements(payloads [][]byte) {
	if !c.wants("transaction_replayed") {
		return
	}
	for _, p := range payloads {
		msg, err := json.Marshal(map[string]any{
			"event":       "transaction_replayed",
			"transaction": json.RawMessage(p),
		})
		if err != nil {
			continue
		}
		select {
		case c.send <- msg:
		default:
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
