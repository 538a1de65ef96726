// Package bus fans events out to websocket subscribers and in-process
// listeners, and dispatches inbound subscriber messages to handlers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/gorilla/websocket"
)

// Listener is an in-process subscriber. Each call runs on its own goroutine.
type Listener func(eventType string, data map[string]any)

// InboundHandler receives a decoded inbound message from a subscriber.
// A nil client means the message did not come from a websocket subscriber.
type InboundHandler func(c *Client, msg map[string]any) error

// Envelope is the outbound wire format.
type Envelope struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

type Bus struct {
	logger *slog.Logger
	hub    *Hub

	mu        sync.RWMutex
	listeners []Listener
	handlers  []InboundHandler
}

func New(logger *slog.Logger, cfg HubConfig) *Bus {
	return &Bus{
		logger: logger,
		hub:    NewHub(logger, cfg),
	}
}

func (b *Bus) Hub() *Hub { return b.hub }

// Run drives the subscriber hub until ctx is canceled.
func (b *Bus) Run(ctx context.Context) {
	b.hub.Run(ctx)
}

// AddListener appends fn. Registering the same function twice delivers twice.
func (b *Bus) AddListener(fn Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// AddInboundHandler appends h; handlers run in registration order.
func (b *Bus) AddInboundHandler(h InboundHandler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Broadcast delivers the event to every subscriber and every listener.
// It never blocks on a subscriber or a listener.
func (b *Bus) Broadcast(eventType string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}

	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.RUnlock()

	if b.hub.Len() > 0 {
		msg, err := json.Marshal(Envelope{Event: eventType, Data: data})
		if err != nil {
			b.logger.Warn("bus marshal failed", "event", eventType, "error", err)
		} else {
			b.hub.BroadcastBytes(msg)
		}
	}

	for _, fn := range listeners {
		go b.callListener(fn, eventType, data)
	}
}

func (b *Bus) callListener(fn Listener, eventType string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus listener panicked", "event", eventType, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(eventType, data)
}

// HandleInbound decodes a raw subscriber message and passes it to every
// inbound handler. Errors and panics are logged and never reach the caller.
func (b *Bus) HandleInbound(c *Client, raw []byte) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.logger.Warn("bus inbound message is not a JSON object", "remote_addr", remote(c), "error", err)
		return
	}
	b.Dispatch(c, msg)
}

// Dispatch runs every inbound handler on an already decoded message.
func (b *Bus) Dispatch(c *Client, msg map[string]any) {
	b.mu.RLock()
	handlers := append([]InboundHandler(nil), b.handlers...)
	b.mu.RUnlock()

	for i, h := range handlers {
		if err := b.callHandler(h, c, msg); err != nil {
			b.logger.Warn("bus inbound handler failed", "handler", i, "remote_addr", remote(c), "error", err)
		}
	}
}

func (b *Bus) callHandler(h InboundHandler, c *Client, msg map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(c, msg)
}

func remote(c *Client) string {
	if c == nil {
		return ""
	}
	return c.remoteAddr
}

// ============================================================================
// HTTP wiring
// ============================================================================

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Register registers the websocket endpoint on the provided mux.
func (b *Bus) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, b.handleWS)
}

func (b *Bus) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("bus websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(b.hub, conn, r.RemoteAddr, b.HandleInbound, b.logger)
	if !b.hub.join(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}
