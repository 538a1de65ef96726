package twitch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type helixCall struct {
	method string
	path   string
	query  string
	body   map[string]any
}

type fakeHelix struct {
	mu    sync.Mutex
	calls []helixCall
	clips []string
	fail  bool
}

func (f *fakeHelix) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	f.mu.Lock()
	f.calls = append(f.calls, helixCall{r.Method, r.URL.Path, r.URL.RawQuery, body})
	fail := f.fail
	clips := f.clips
	f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer tok" || r.Header.Get("Client-Id") != "cid" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"invalid token"}`)
		return
	}
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"message":"boom"}`)
		return
	}

	reply := func(v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	q := r.URL.Query()
	switch r.URL.Path {
	case "/chat/messages":
		sent := body["message"] != "blocked"
		d := map[string]any{"message_id": "m1", "is_sent": sent}
		if !sent {
			d["drop_reason"] = map[string]string{"code": "msg_rejected", "message": "AutoMod held it"}
		}
		reply(map[string]any{"data": []any{d}})
	case "/users":
		if q.Get("login") == "alice" || q.Get("login") == "bob" {
			reply(map[string]any{"data": []any{map[string]string{"id": "id-" + q.Get("login")}}})
			return
		}
		reply(map[string]any{"data": []any{}})
	case "/channels":
		game := ""
		if q.Get("broadcaster_id") == "id-alice" {
			game = "Celeste"
		}
		reply(map[string]any{"data": []any{map[string]string{"game_name": game}}})
	case "/channel_points/custom_rewards/redemptions":
		reply(map[string]any{"data": []any{}})
	case "/clips":
		data := []any{}
		for _, id := range clips {
			data = append(data, map[string]string{"id": id})
		}
		reply(map[string]any{"data": data})
	case "/chat/badges/global":
		reply(map[string]any{"data": []any{map[string]any{
			"set_id":   "subscriber",
			"versions": []any{map[string]string{"id": "0", "image_url_1x": "global-sub"}},
		}}})
	case "/chat/badges":
		reply(map[string]any{"data": []any{map[string]any{
			"set_id":   "subscriber",
			"versions": []any{map[string]string{"id": "0", "image_url_1x": "channel-sub"}},
		}}})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeHelix) Calls() []helixCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]helixCall(nil), f.calls...)
}

func newTestClient(t *testing.T, fake *fakeHelix) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:       srv.URL + "/",
		ClientID:      "cid",
		AccessToken:   "tok",
		BroadcasterID: "b1",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSend(t *testing.T) {
	fake := &fakeHelix{}
	c := newTestClient(t, fake)
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, "Hi bob!"))
	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPost, calls[0].method)
	assert.Equal(t, "/chat/messages", calls[0].path)
	assert.Equal(t, map[string]any{"broadcaster_id": "b1", "sender_id": "b1", "message": "Hi bob!"}, calls[0].body)

	err := c.Send(ctx, "blocked")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AutoMod held it")
}

func TestSendWaitsForRateLimit(t *testing.T) {
	fake := &fakeHelix{}
	c := newTestClient(t, fake)
	c.chat = rate.NewLimiter(rate.Every(time.Hour), 1)

	require.NoError(t, c.Send(context.Background(), "first"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Send(ctx, "second"))
	assert.Len(t, fake.Calls(), 1, "a throttled message never reaches the API")
}

func TestLastGame(t *testing.T) {
	c := newTestClient(t, &fakeHelix{})
	ctx := context.Background()

	game, err := c.LastGame(ctx, "@Alice")
	require.NoError(t, err)
	assert.Equal(t, "Celeste", game)

	game, err = c.LastGame(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "", game, "no category set")

	_, err = c.LastGame(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = c.LastGame(ctx, " ")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRefund(t *testing.T) {
	fake := &fakeHelix{}
	c := newTestClient(t, fake)

	require.NoError(t, c.Refund(context.Background(), "r1", "w1"))
	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPatch, calls[0].method)
	assert.Equal(t, "broadcaster_id=b1&id=r1&reward_id=w1", calls[0].query)
	assert.Equal(t, map[string]any{"status": "CANCELED"}, calls[0].body)

	assert.Error(t, c.Refund(context.Background(), "", "w1"))
}

func TestAPIError(t *testing.T) {
	fake := &fakeHelix{fail: true}
	c := newTestClient(t, fake)
	assert.True(t, c.Healthy(), "healthy before the first call")

	err := c.Send(context.Background(), "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "boom", apiErr.Message)
	assert.False(t, c.Healthy())
	assert.ErrorAs(t, c.LastError(), &apiErr)

	fake.mu.Lock()
	fake.fail = false
	fake.mu.Unlock()
	require.NoError(t, c.Send(context.Background(), "y"))
	assert.True(t, c.Healthy(), "a later success clears the error")
}

func TestRandomClipCaches(t *testing.T) {
	fake := &fakeHelix{clips: []string{"ClipA", "ClipB"}}
	c := newTestClient(t, fake)
	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for range 5 {
		id, ok, err := c.RandomClip(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Contains(t, []string{"ClipA", "ClipB"}, id)
	}
	assert.Len(t, fake.Calls(), 1, "clip list fetched once")

	// After the TTL a failed refresh keeps serving the cached list.
	now = now.Add(31 * time.Minute)
	fake.mu.Lock()
	fake.fail = true
	fake.mu.Unlock()
	_, ok, err := c.RandomClip(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, fake.Calls(), 2)
}

func TestRandomClipNone(t *testing.T) {
	c := newTestClient(t, &fakeHelix{})
	_, ok, err := c.RandomClip(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

type recorder struct {
	event string
	data  map[string]any
}

func (r *recorder) Broadcast(eventType string, data map[string]any) {
	r.event, r.data = eventType, data
}

func TestBadgeHandler(t *testing.T) {
	fake := &fakeHelix{}
	c := newTestClient(t, fake)
	rec := &recorder{}
	h := c.BadgeHandler(rec)

	require.NoError(t, h(nil, map[string]any{"action": "send_chat"}))
	assert.Empty(t, rec.event, "other actions are ignored")

	require.NoError(t, h(nil, map[string]any{"action": "get_badges"}))
	assert.Equal(t, "BadgeMapping", rec.event)
	assert.Equal(t, map[string]string{"0": "channel-sub"}, rec.data["subscriber"])

	require.NoError(t, h(nil, map[string]any{"action": "get_badges"}))
	assert.Len(t, fake.Calls(), 2, "badges fetched once")
}
