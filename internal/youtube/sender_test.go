package youtube

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu       sync.Mutex
	lookups  int
	messages []map[string]any
	live     bool
	failSend bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer yt" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch r.URL.Path {
	case "/liveBroadcasts":
		f.lookups++
		items := []any{}
		if f.live {
			items = append(items, map[string]any{"snippet": map[string]string{"title": "Live!", "liveChatId": "chat-1"}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
	case "/liveChat/messages":
		if f.failSend {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"error":{"message":"liveChatEnded"}}`)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.messages = append(f.messages, body)
		_, _ = io.WriteString(w, `{}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newSender(t *testing.T, api *fakeAPI, chatID string) *Sender {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return NewSender(Config{BaseURL: srv.URL, AccessToken: "yt", LiveChatID: chatID},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSendLooksUpActiveChat(t *testing.T) {
	api := &fakeAPI{live: true}
	s := newSender(t, api, "")
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, "Hello yuki"))
	require.NoError(t, s.Send(ctx, "again"))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, 1, api.lookups, "chat id cached")
	require.Len(t, api.messages, 2)
	snippet := api.messages[0]["snippet"].(map[string]any)
	assert.Equal(t, "chat-1", snippet["liveChatId"])
	assert.Equal(t, "textMessageEvent", snippet["type"])
	assert.Equal(t, "Hello yuki", snippet["textMessageDetails"].(map[string]any)["messageText"])
}

func TestSendWithoutBroadcast(t *testing.T) {
	s := newSender(t, &fakeAPI{}, "")
	assert.ErrorIs(t, s.Send(context.Background(), "x"), ErrNoLiveChat)
}

func TestSendPinnedChatAndFailure(t *testing.T) {
	api := &fakeAPI{failSend: true}
	s := newSender(t, api, "pinned")

	assert.True(t, s.Healthy())
	err := s.Send(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "liveChatEnded")
	assert.False(t, s.Healthy())
	assert.ErrorContains(t, s.LastError(), "liveChatEnded")

	api.mu.Lock()
	api.failSend = false
	api.mu.Unlock()
	require.NoError(t, s.Send(context.Background(), "y"))
	assert.True(t, s.Healthy())

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Zero(t, api.lookups, "pinned chat never looked up")
	assert.Equal(t, "pinned", api.messages[0]["snippet"].(map[string]any)["liveChatId"])
}
