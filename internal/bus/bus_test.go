package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcast_NoSubscribersNoListenersIsNoop(t *testing.T) {
	b := New(slog.Default(), HubConfig{})
	b.Broadcast("anything", nil)
	assert.Empty(t, b.hub.broadcast, "nothing queued for an empty hub")
}

func TestBroadcast_ListenersIsolatedFromPanics(t *testing.T) {
	b := New(slog.Default(), HubConfig{})

	var calls atomic.Int32
	b.AddListener(func(string, map[string]any) { panic("boom") })
	counting := func(eventType string, data map[string]any) {
		if eventType == "twitch_raid" && data["viewers"] == 12 {
			calls.Add(1)
		}
	}
	b.AddListener(counting)
	b.AddListener(counting)

	b.Broadcast("twitch_raid", map[string]any{"viewers": 12})

	waitUntil(t, 500*time.Millisecond, func() bool { return calls.Load() == 2 },
		"duplicate listener should be called twice despite a panicking sibling")
}

func TestDispatch_HandlersInOrderAndErrorsContained(t *testing.T) {
	b := New(slog.Default(), HubConfig{})

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	b.AddInboundHandler(func(_ *Client, msg map[string]any) error {
		record("first:" + msg["action"].(string))
		return errors.New("first failed")
	})
	b.AddInboundHandler(func(*Client, map[string]any) error {
		record("second")
		panic("second panicked")
	})
	b.AddInboundHandler(func(*Client, map[string]any) error {
		record("third")
		return nil
	})

	b.HandleInbound(nil, []byte(`{"action":"reload_actions"}`))
	b.HandleInbound(nil, []byte(`not json`))

	assert.Equal(t, []string{"first:reload_actions", "second", "third"}, order)
}

func TestWebsocketRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New(slog.Default(), HubConfig{})
	go b.Run(ctx)

	inbound := make(chan map[string]any, 1)
	b.AddInboundHandler(func(c *Client, msg map[string]any) error {
		assert.NotNil(t, c)
		inbound <- msg
		return nil
	})

	mux := http.NewServeMux()
	b.Register(mux, "/ws")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitUntil(t, time.Second, func() bool { return b.hub.Len() == 1 }, "subscriber not registered")

	b.Broadcast("PlayClip", map[string]any{"clip_id": "FunnyClip"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "PlayClip", env.Event)
	assert.Equal(t, "FunnyClip", env.Data["clip_id"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"clip_ended"}`)))
	select {
	case msg := <-inbound:
		assert.Equal(t, "clip_ended", msg["action"])
	case <-time.After(2 * time.Second):
		t.Fatalf("inbound message not dispatched")
	}

	conn.Close()
	waitUntil(t, 2*time.Second, func() bool { return b.hub.Len() == 0 }, "subscriber not removed on disconnect")
}
