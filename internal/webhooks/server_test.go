package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openstreambot/internal/ipc"
)

type recorder struct {
	mu    sync.Mutex
	types []string
	data  []map[string]any
}

func (r *recorder) Broadcast(eventType string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
	r.data = append(r.data, data)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func post(t *testing.T, h http.Handler, method, body string) (int, ipc.Response) {
	t.Helper()
	req := httptest.NewRequest(method, EventPath, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var resp ipc.Response
	if rr.Code != http.StatusMethodNotAllowed {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	}
	return rr.Code, resp
}

func TestEventEndpoint(t *testing.T) {
	rec := &recorder{}
	h := NewServer(0, rec, discard()).Handler()

	code, resp := post(t, h, http.MethodPost, `{"type":"SystemEvent","data":{"type":"raid","viewers":12}}`)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "ok", resp.Status)
	require.Equal(t, []string{"SystemEvent"}, rec.types)
	assert.Equal(t, "raid", rec.data[0]["type"])

	code, resp = post(t, h, http.MethodPost, `{"data":{}}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error", resp.Status)

	code, _ = post(t, h, http.MethodPost, strings.Repeat("x", maxBody+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)

	code, _ = post(t, h, http.MethodGet, "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	assert.Len(t, rec.types, 1)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	rec := &recorder{}
	srv := NewServer(port, rec, discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, EventPath)
	require.Eventually(t, func() bool {
		resp, err := http.Post(url, "application/json", strings.NewReader(`{"type":"ping"}`))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusAccepted
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("webhooks server did not stop")
	}
}
