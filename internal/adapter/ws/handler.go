// Package ws implements the WebSocket adapter that streams kernel lifecycle
// events to dashboard clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// Message is the envelope for all WebSocket messages. Type is the bus subject.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// conn wraps a single WebSocket connection. An empty topics set receives
// every message; otherwise only types whose first token is listed.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
	topics map[string]struct{}
}

func (c *conn) wants(msgType string) bool {
	if len(c.topics) == 0 {
		return true
	}
	topic, _, _ := strings.Cut(msgType, ".")
	_, ok := c.topics[topic]
	return ok
}

// Hub manages all active WebSocket connections and broadcasts messages.
type Hub struct {
	originPatterns []string

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a hub accepting connections from the given origin patterns.
// An empty origin accepts same-host connections only.
func NewHub(origins ...string) *Hub {
	var patterns []string
	for _, o := range origins {
		if o == "" {
			continue
		}
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		patterns = append(patterns, o)
	}
	return &Hub{
		originPatterns: patterns,
		conns:          make(map[*conn]struct{}),
	}
}

// HandleWS upgrades the request. The optional "topics" query parameter is a
// comma-separated list such as "hitl,tasks".
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	// The connection outlives the handler, so it gets its own context.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{ws: ws, cancel: cancel, topics: parseTopics(r.URL.Query().Get("topics"))}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("websocket connected", "remote", r.RemoteAddr, "topics", len(c.topics))

	// Read loop detects disconnects; clients never send data.
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()
}

func parseTopics(raw string) map[string]struct{} {
	if raw == "" {
		return nil
	}
	topics := make(map[string]struct{})
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics[t] = struct{}{}
		}
	}
	return topics
}

// Broadcast sends a message to every interested client. Clients whose write
// fails or times out are dropped.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if c.wants(msg.Type) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.ws.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Debug("websocket write failed", "error", err)
			h.remove(c)
		}
	}
}

// BroadcastEvent marshals payload and broadcasts it under eventType.
// Raw JSON payloads are forwarded unchanged.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	var data []byte
	switch p := payload.(type) {
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			slog.Error("marshal ws event payload", "type", eventType, "error", err)
			return
		}
	}
	h.Broadcast(ctx, Message{Type: eventType, Payload: data})
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()

	for c := range conns {
		c.cancel()
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected")
	}
}
