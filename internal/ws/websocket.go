// Package ws provides the WebSocket stream of service-run and call events.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prismaqf/callblocker/internal/config"
	"github.com/prismaqf/callblocker/internal/redact"
	"github.com/prismaqf/callblocker/internal/session"
	"github.com/prismaqf/callblocker/internal/store"
)

// isLocalhostOrigin checks if the Origin header indicates a localhost request.
func isLocalhostOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLocalhostOrigin(origin)
	},
}

// Hub manages WebSocket connections and message broadcasting. It implements
// session.Notifier.
type Hub struct {
	cfg        *config.Config
	logger     *slog.Logger
	masker     *redact.Masker
	clients    map[*Client]bool
	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

var _ session.Notifier = (*Hub)(nil)

// Client represents a WebSocket client connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Message types for WebSocket communication.
const (
	MessageTypeCallLogged = "call_logged"
	MessageTypeRunStarted = "run_started"
	MessageTypeRunUpdated = "run_updated"
	MessageTypeRunStopped = "run_stopped"
	MessageTypePing       = "ping"
)

// Message is a WebSocket message.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// CallEvent is the payload of a call_logged message.
type CallEvent struct {
	Call *store.LoggedCall `json:"call"`
	Info session.LogInfo   `json:"info"`
}

// NewHub creates a new WebSocket hub. Numbers are masked in broadcasts when
// the configuration masks them in exports.
func NewHub(cfg *config.Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		cfg:        cfg,
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	if cfg != nil {
		h.masker = redact.FromConfig(&cfg.Privacy, true)
	}
	return h
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client connected", "clients", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client disconnected", "clients", h.ClientCount())

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("failed to marshal message", "error", err)
				continue
			}

			// Collect clients to remove under read lock (no mutation)
			h.mu.RLock()
			var toRemove []*Client
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					toRemove = append(toRemove, client)
				}
			}
			h.mu.RUnlock()

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					// Unregister may have run concurrently
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
			}

		case <-pingTicker.C:
			h.Broadcast(&Message{
				Type:      MessageTypePing,
				Timestamp: time.Now(),
			})
		}
	}
}

// Broadcast sends a message to all connected clients without blocking.
func (h *Hub) Broadcast(msg *Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", msg.Type)
	}
}

// RunStarted broadcasts a run_started message.
func (h *Hub) RunStarted(run *store.ServiceRun) {
	h.broadcastRun(MessageTypeRunStarted, run)
}

// RunUpdated broadcasts a run_updated message.
func (h *Hub) RunUpdated(run *store.ServiceRun) {
	h.broadcastRun(MessageTypeRunUpdated, run)
}

// RunStopped broadcasts a run_stopped message.
func (h *Hub) RunStopped(run *store.ServiceRun) {
	h.broadcastRun(MessageTypeRunStopped, run)
}

func (h *Hub) broadcastRun(msgType string, run *store.ServiceRun) {
	h.Broadcast(&Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      run,
	})
}

// CallLogged broadcasts a call_logged message.
func (h *Hub) CallLogged(call *store.LoggedCall, info session.LogInfo) {
	c := *call
	c.Number = h.masker.Mask(c.Number)
	if c.Description != nil {
		d := h.masker.MaskText(*c.Description)
		c.Description = &d
	}
	h.Broadcast(&Message{
		Type:      MessageTypeCallLogged,
		Timestamp: time.Now(),
		Data:      CallEvent{Call: &c, Info: info},
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler returns an HTTP handler for WebSocket connections. The token is
// read from h.cfg.Auth.Token on every request when a config is present.
//
// Authentication modes (checked in order):
// 1. Authorization header
// 2. Token query param (WebSocket clients can't always set headers)
func (h *Hub) Handler(authToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentToken := authToken
		if h.cfg != nil {
			currentToken = h.cfg.Auth.Token
		}

		authenticated := false
		auth := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(auth), []byte("Bearer "+currentToken)) == 1 {
			authenticated = true
		}
		if !authenticated {
			token := r.URL.Query().Get("token")
			if subtle.ConstantTimeCompare([]byte(token), []byte(currentToken)) == 1 {
				authenticated = true
			}
		}

		origin := r.Header.Get("Origin")
		if origin != "" && !isLocalhostOrigin(origin) {
			h.logger.Warn("rejected non-localhost WebSocket origin", "origin", origin)
			http.Error(w, "Forbidden: non-localhost origin", http.StatusForbidden)
			return
		}

		if !authenticated || currentToken == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("failed to upgrade connection", "error", err)
			return
		}

		client := &Client{
			hub:  h,
			conn: conn,
			send: make(chan []byte, 256),
		}

		select {
		case h.register <- client:
		case <-h.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Batch any queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection until it fails, then unregisters.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket error", "error", err)
			}
			break
		}
	}
}
