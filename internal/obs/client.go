// Package obs is a small obs-websocket v5 client: it switches program
// scenes and reports scene changes.
package obs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected is returned by requests while the client is between connections.
	ErrNotConnected = errors.New("obs: not connected")

	// ErrAuth is returned when OBS rejects the password.
	ErrAuth = errors.New("obs: authentication failed")
)

// SceneHandler is called with the new program scene name.
type SceneHandler func(sceneName string)

type Client struct {
	url       string
	password  string
	reconnect time.Duration
	logger    *slog.Logger
	onScene   SceneHandler

	connected atomic.Bool

	mu      sync.Mutex // guards conn and pending
	conn    *websocket.Conn
	pending map[string]chan requestResponse

	writeMu sync.Mutex
}

func NewClient(url, password string, reconnect time.Duration, logger *slog.Logger, onScene SceneHandler) *Client {
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	return &Client{
		url:       url,
		password:  password,
		reconnect: reconnect,
		logger:    logger,
		onScene:   onScene,
		pending:   make(map[string]chan requestResponse),
	}
}

// Connected reports whether the client is identified with OBS.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run keeps a session with OBS open until ctx is canceled, reconnecting
// after every failure.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("OBS connection lost; retrying", "url", c.url, "error", err, "retry_in", c.reconnect)

		t := time.NewTimer(c.reconnect)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection: handshake, then the read loop.
func (c *Client) session(ctx context.Context) error {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second, Subprotocols: []string{"obswebsocket.json"}}
	conn, _, err := d.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := c.identify(conn); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.logger.Info("connected to OBS", "url", c.url)

	defer func() {
		c.connected.Store(false)
		c.mu.Lock()
		c.conn = nil
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Debug("OBS sent undecodable message", "error", err)
			continue
		}
		switch msg.Op {
		case opEvent:
			c.handleEvent(msg.D)
		case opRequestResponse:
			c.handleResponse(msg.D)
		}
	}
}

func (c *Client) identify(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	var msg message
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if msg.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", msg.Op)
	}
	var h hello
	if err := json.Unmarshal(msg.D, &h); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}

	id := identify{RPCVersion: rpcVersion, EventSubscriptions: eventSubscriptions}
	if h.Authentication != nil {
		id.Authentication = authString(c.password, h.Authentication.Salt, h.Authentication.Challenge)
	}
	payload, err := encode(opIdentify, id)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send identify: %w", err)
	}

	if err := conn.ReadJSON(&msg); err != nil {
		// OBS closes the socket with code 4009 on a bad password.
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == 4009 {
			return ErrAuth
		}
		return fmt.Errorf("read identified: %w", err)
	}
	if msg.Op != opIdentified {
		return fmt.Errorf("expected identified, got op %d", msg.Op)
	}
	return nil
}

func (c *Client) handleEvent(d json.RawMessage) {
	var ev event
	if err := json.Unmarshal(d, &ev); err != nil {
		return
	}
	if ev.EventType != "CurrentProgramSceneChanged" {
		return
	}
	var data struct {
		SceneName string `json:"sceneName"`
	}
	if err := json.Unmarshal(ev.EventData, &data); err != nil || data.SceneName == "" {
		return
	}
	c.logger.Info("OBS scene changed", "scene", data.SceneName)
	if c.onScene != nil {
		c.onScene(data.SceneName)
	}
}

func (c *Client) handleResponse(d json.RawMessage) {
	var resp requestResponse
	if err := json.Unmarshal(d, &resp); err != nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	delete(c.pending, resp.RequestID)
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// call sends one request and waits for its response.
func (c *Client) call(ctx context.Context, requestType string, data any) (json.RawMessage, error) {
	id := uuid.Must(uuid.NewV7()).String()
	ch := make(chan requestResponse, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	payload, err := encode(opRequest, request{RequestType: requestType, RequestID: id, RequestData: data})
	if err != nil {
		forget()
		return nil, err
	}
	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return nil, fmt.Errorf("%s: %w", requestType, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if !resp.RequestStatus.Result {
			return nil, fmt.Errorf("%s: code %d: %s", requestType, resp.RequestStatus.Code, resp.RequestStatus.Comment)
		}
		return resp.ResponseData, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// SetScene switches the program scene.
func (c *Client) SetScene(ctx context.Context, name string) error {
	_, err := c.call(ctx, "SetCurrentProgramScene", map[string]string{"sceneName": name})
	if err != nil {
		return err
	}
	c.logger.Info("OBS scene switched", "scene", name)
	return nil
}

// Scenes lists scene names in OBS order.
func (c *Client) Scenes(ctx context.Context) ([]string, error) {
	raw, err := c.call(ctx, "GetSceneList", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Scenes []struct {
			SceneName string `json:"sceneName"`
		} `json:"scenes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("GetSceneList: %w", err)
	}
	names := make([]string, 0, len(resp.Scenes))
	for _, s := range resp.Scenes {
		names = append(names, s.SceneName)
	}
	return names, nil
}
