package bus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests exercise the hub without network I/O: clients carry a nil
// websocket.Conn, which the hub tolerates on close.

func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(slog.Default(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func startHub(t *testing.T, hub *Hub) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for hub to stop")
		}
	}
}

func testClient(hub *Hub, name string, buf int) *Client {
	return &Client{
		hub:        hub,
		send:       make(chan []byte, buf),
		remoteAddr: name,
		logger:     slog.Default(),
	}
}

func registerAndWait(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	want := hub.Len() + 1
	require.True(t, hub.join(c))
	waitUntil(t, 500*time.Millisecond, func() bool { return hub.Len() == want }, c.remoteAddr+" not registered in time")
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	stop := startHub(t, hub)
	defer stop()

	c1 := testClient(hub, "c1", 4)
	c2 := testClient(hub, "c2", 4)
	registerAndWait(t, hub, c1)
	registerAndWait(t, hub, c2)
	assert.Equal(t, 2, hub.Len())

	msg := []byte(`{"event":"PlayClip","data":{"clip_id":"abc"}}`)
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			assert.Equal(t, string(msg), string(got), c.remoteAddr)
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
		}
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	hub := newTestHub(t, 1, 8)
	stop := startHub(t, hub)
	defer stop()

	slow := testClient(hub, "slow", 1)
	fast := testClient(hub, "fast", 8)
	registerAndWait(t, hub, slow)
	registerAndWait(t, hub, fast)

	// Pre-fill slow client buffer to simulate it being stuck.
	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"event":"obs_scene","data":{"scene_name":"Live"}}`)
	hub.broadcast <- msg

	select {
	case got := <-fast.send:
		assert.Equal(t, string(msg), string(got))
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for fast client to receive broadcast")
	}

	// Drain the pre-filled message, then expect the channel to be closed.
	select {
	case <-slow.send:
	default:
	}
	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")
	require.Equal(t, 1, hub.Len())
}

func TestHub_UnregisterRemovesClient(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	stop := startHub(t, hub)
	defer stop()

	c := testClient(hub, "c", 4)
	registerAndWait(t, hub, c)

	hub.unregister <- c
	waitUntil(t, 500*time.Millisecond, func() bool { return hub.Len() == 0 }, "client not removed")

	// A second unregister is harmless.
	hub.unregister <- c
	hub.BroadcastBytes([]byte(`{}`))
}

func TestHub_StoppedHubDoesNotBlock(t *testing.T) {
	hub := newTestHub(t, 1, 1)
	stop := startHub(t, hub)

	c := testClient(hub, "c", 1)
	registerAndWait(t, hub, c)
	stop()

	_, open := <-c.send
	assert.False(t, open, "shutdown closes subscriber queues")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.leave()
		assert.False(t, hub.join(testClient(hub, "late", 1)))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("leave or join blocked on a stopped hub")
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
