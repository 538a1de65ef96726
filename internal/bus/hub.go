package bus

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second

	maxInboundBytes = 64 << 10
)

// Hub fans serialized frames out to websocket subscribers. The subscriber
// set belongs to the Run goroutine; everything else reaches it through the
// register, unregister and broadcast queues.
type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	clients map[*Client]struct{}
	count   atomic.Int64

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-subscriber queue size (default 32).
	SendBuf int

	// BroadcastBuf is the size of the hub's frame queue (default 128).
	BroadcastBuf int
}

func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = 32
	}
	if cfg.BroadcastBuf <= 0 {
		cfg.BroadcastBuf = 128
	}
	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, cfg.BroadcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		sendBuf:    cfg.SendBuf,
	}
}

// Run owns the subscriber set until ctx is canceled, then disconnects
// everyone.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.logger.Info("bus hub starting")

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c, "shutdown")
			}
			h.logger.Info("bus hub stopped")
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			h.logger.Info("bus subscriber connected", "remote_addr", c.remoteAddr, "subscribers", len(h.clients))

		case c := <-h.unregister:
			h.drop(c, "disconnect")

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// deliver queues msg for every subscriber. A subscriber is evicted the
// first time its queue has no room for a frame.
func (h *Hub) deliver(msg []byte) {
	for c := range h.clients {
		if !c.enqueue(msg) {
			h.drop(c, "slow_client")
		}
	}
}

func (h *Hub) drop(c *Client, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.count.Store(int64(len(h.clients)))
	c.shutdown()
	h.logger.Info("bus subscriber disconnected", "remote_addr", c.remoteAddr, "reason", reason, "subscribers", len(h.clients))
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int { return int(h.count.Load()) }

// join hands c to the hub; it is a no-op once the hub has stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// BroadcastBytes queues a serialized frame for delivery. When the hub's
// queue is full the frame is dropped and logged.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("bus hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// InboundFunc receives every text frame a subscriber sends.
type InboundFunc func(c *Client, msg []byte)

// Client is one websocket subscriber. Frames reach it through send, which
// writePump drains; the hub closes send to disconnect it.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	inbound InboundFunc
	stop    sync.Once

	remoteAddr string
	logger     *slog.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, inbound InboundFunc, logger *slog.Logger) *Client {
	size := 32
	if hub != nil {
		size = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, size),
		inbound:    inbound,
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

func (c *Client) RemoteAddr() string { return c.remoteAddr }

func (c *Client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) shutdown() {
	c.stop.Do(func() { close(c.send) })
}

// leave asks the hub to drop c; it returns at once if the hub has stopped.
func (c *Client) leave() {
	if c.hub == nil {
		return
	}
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// writePump drains send into the connection and keeps it alive with pings.
// Any write failure, ping included, takes the subscriber off the hub.
func (c *Client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		var err error
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			err = c.write(websocket.TextMessage, msg)
		case <-ping.C:
			err = c.write(websocket.PingMessage, nil)
		}
		if err != nil {
			c.logExit("write", err)
			c.leave()
			return
		}
	}
}

func (c *Client) write(typ int, b []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(typ, b)
}

// readPump hands inbound text frames to the client's InboundFunc until the
// connection fails.
func (c *Client) readPump() {
	defer c.leave()

	c.conn.SetReadLimit(maxInboundBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.logExit("read", err)
			return
		}
		if typ == websocket.TextMessage && c.inbound != nil {
			c.inbound(c, msg)
		}
	}
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.logger.Info("bus subscriber closed", "pump", pump, "remote_addr", c.remoteAddr, "code", ce.Code, "reason", ce.Text)
		return
	}
	c.logger.Info("bus subscriber connection failed", "pump", pump, "remote_addr", c.remoteAddr, "error", err)
}
