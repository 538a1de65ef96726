package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openstreambot/internal/bus"
	"openstreambot/internal/ipc"
	"openstreambot/internal/status"
	"openstreambot/internal/twitch"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"run", "validate", "emit", "listen", "version"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	for _, flag := range []string{"config", "env-file", "log-level", "log-format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestVersionCommand(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "openstreambot v"+version+"\n", buf.String())
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{
		"error":   LogLevelError,
		"WARN":    LogLevelWarn,
		"warning": LogLevelWarn,
		"info":    LogLevelInfo,
		"debug":   LogLevelDebug,
	} {
		got, err := parseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := parseLogLevel("loud")
	assert.Error(t, err)
}

func TestSetupLoggerFormats(t *testing.T) {
	buf := &bytes.Buffer{}
	setupLogger(LogLevelInfo, "json", buf).Info("hello", "k", "v")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])

	buf.Reset()
	logger := setupLogger(LogLevelWarn, "text", buf)
	logger.Info("quiet")
	logger.Warn("loud")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "msg=loud")
}

func TestOverridesFromFlags(t *testing.T) {
	cmd := NewRootCommand()
	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	opts := &RootOptions{LogLevel: "debug"}
	flags := run.Flags()
	flags.AddFlagSet(cmd.PersistentFlags())
	require.NoError(t, flags.Parse([]string{"--port", "9999", "--obs", "--webhooks-port", "0", "--log-level", "debug"}))

	o := overridesFromFlags(opts, flags)
	require.NotNil(t, o.ServerPort)
	assert.Equal(t, 9999, *o.ServerPort)
	require.NotNil(t, o.OBSEnabled)
	assert.True(t, *o.OBSEnabled)
	require.NotNil(t, o.WebhooksPort)
	assert.Equal(t, 0, *o.WebhooksPort)
	require.NotNil(t, o.LogLevel)
	assert.Equal(t, "debug", *o.LogLevel)

	assert.Nil(t, o.ServerHost, "unchanged flags are not overrides")
	assert.Nil(t, o.TwitchEnabled)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server:\n  port: 9100\n"), 0o644))

	cfg, err := loadConfig(&RootOptions{ConfigFile: cfgPath, EnvFile: filepath.Join(dir, "missing.env")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)

	_, err = loadConfig(&RootOptions{ConfigFile: filepath.Join(dir, "nope.yaml")}, nil)
	assert.Error(t, err)
}

const validActions = `actions:
  - name: Welcome
    cooldown: 5
    triggers:
      - type: twitch_command
        command: "!hi"
    sub_actions:
      - type: send_chat
        message: "Hi %user%!"
  - name: Hydrate
    enabled: false
    triggers:
      - type: timer
        interval: 1800
    sub_actions:
      - type: log
        message: drink water
`

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validActions), 0o644))

	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path})
	require.NoError(t, cmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "Welcome")
	assert.Contains(t, out, "twitch_command")
	assert.Contains(t, out, "Hydrate")
	assert.Contains(t, out, "✓ 2 actions valid")
}

func TestValidateCommandErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("actions:\n  - name: X\n    triggers:\n      - type: carrier_pigeon\n"), 0o644))

	for _, path := range []string{bad, filepath.Join(dir, "missing.yaml")} {
		cmd := NewValidateCommand(&RootOptions{})
		cmd.SetOut(io.Discard)
		cmd.SetArgs([]string{path})
		assert.Error(t, cmd.Execute(), path)
	}
}

type recorder struct {
	mu     sync.Mutex
	events []string
	data   []map[string]any
}

func (r *recorder) Broadcast(eventType string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	r.data = append(r.data, data)
}

func (r *recorder) last() (string, map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return "", nil, false
	}
	return r.events[len(r.events)-1], r.data[len(r.data)-1], true
}

func TestEmitCommand(t *testing.T) {
	dir, err := os.MkdirTemp("", "osb-emit")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "ipc.sock")

	rec := &recorder{}
	srv := ipc.NewServer(socket, rec, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-done })

	require.Eventually(t, func() bool {
		_, err := os.Stat(socket)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	buf := &bytes.Buffer{}
	cmd := NewEmitCommand(&RootOptions{})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--socket", socket, "TwitchRaid", `{"user":"alice","viewers":12}`})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "sent TwitchRaid\n", buf.String())

	event, data, ok := rec.last()
	require.True(t, ok)
	assert.Equal(t, "TwitchRaid", event)
	assert.Equal(t, "alice", data["user"])
	assert.Equal(t, float64(12), data["viewers"])
}

func TestParseEventData(t *testing.T) {
	data, err := parseEventData(nil)
	require.NoError(t, err)
	assert.Empty(t, data)

	data, err = parseEventData([]string{`{"a":1}`})
	require.NoError(t, err)
	assert.Equal(t, float64(1), data["a"])

	_, err = parseEventData([]string{`[1,2]`})
	assert.Error(t, err)
}

func TestListenPrintsBusEvents(t *testing.T) {
	b := bus.New(discardLogger(), bus.HubConfig{})
	inbound := make(chan map[string]any, 1)
	b.AddInboundHandler(func(_ *bus.Client, msg map[string]any) error {
		inbound <- msg
		return nil
	})

	mux := http.NewServeMux()
	b.Register(mux, "/")
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	out := &syncBuffer{}
	listenCtx, stopListen := context.WithCancel(ctx)
	done := make(chan error, 1)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	go func() { done <- runListen(listenCtx, wsURL, `{"action":"ping"}`, out) }()

	select {
	case msg := <-inbound:
		assert.Equal(t, "ping", msg["action"])
	case <-time.After(2 * time.Second):
		t.Fatal("control message not delivered")
	}

	require.Eventually(t, func() bool { return b.Hub().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	b.Broadcast("TwitchRaid", map[string]any{"user": "alice"})
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"event": "TwitchRaid"`)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), `"user": "alice"`)

	stopListen()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not stop")
	}
}

func TestPlatformStatusFollowsLastCall(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"data":[{"message_id":"m","is_sent":true}]}`)
	}))
	defer srv.Close()

	tw := twitch.New(twitch.Config{BaseURL: srv.URL, BroadcasterID: "1"}, discardLogger())
	check := onlineState(tw.Healthy)
	assert.Equal(t, "Online", check())

	failing.Store(true)
	assert.Error(t, tw.Send(context.Background(), "hi"))
	assert.Equal(t, status.Offline, check())

	failing.Store(false)
	require.NoError(t, tw.Send(context.Background(), "hi"))
	assert.Equal(t, "Online", check())
}
