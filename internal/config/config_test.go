package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8765", cfg.Server.Addr())
	assert.Equal(t, "ws://localhost:4455", cfg.OBS.URL())
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  port: 9000
twitch:
  enabled: true
  client_id: abc
  broadcaster_id: "1234"
logging:
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host, "unset fields keep defaults")
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "https://api.twitch.tv/helix", cfg.Twitch.APIURL)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvTwitchToken)

	cfg.ApplyEnv(func(k string) (string, bool) {
		if k == EnvTwitchToken {
			return "oauth:secret", true
		}
		return "", false
	})
	assert.Equal(t, "secret", cfg.Twitch.AccessToken)
	assert.NoError(t, cfg.Validate())
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":    "server:\n  prot: 1\n",
		"trailing doc":     "server:\n  port: 1\n---\nlogging: {}\n",
		"secret in file":   "twitch:\n  access_token: nope\n",
		"wrong value type": "server:\n  port: many\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"bad server port":    func(c *Config) { c.Server.Port = 0 },
		"relative path":      func(c *Config) { c.Server.Path = "ws" },
		"no actions file":    func(c *Config) { c.Actions.File = "" },
		"ipc without socket": func(c *Config) { c.IPC.SocketPath = "" },
		"obs without host":   func(c *Config) { c.OBS.Enabled = true; c.OBS.Host = "" },
		"youtube no token":   func(c *Config) { c.YouTube.Enabled = true },
		"volume above 100":   func(c *Config) { c.Audio.PlaylistVolume = 101 },
		"no player":          func(c *Config) { c.Audio.Player = nil },
		"no workers":         func(c *Config) { c.Audio.Workers = 0 },
		"status interval":    func(c *Config) { c.Status.File = "s.json"; c.Status.IntervalMS = 0 },
		"log format":         func(c *Config) { c.Logging.Format = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	cfg.IPC.Enabled = false
	cfg.IPC.SocketPath = ""
	cfg.Webhooks.Port = 0
	assert.NoError(t, cfg.Validate(), "disabled components need no settings")
}

func TestFlagOverridesApply(t *testing.T) {
	port := 0
	file := "other.yaml"
	obs := true
	level := "debug"

	cfg := DefaultConfig()
	FlagOverrides{
		WebhooksPort: &port,
		ActionsFile:  &file,
		OBSEnabled:   &obs,
		LogLevel:     &level,
	}.Apply(&cfg)

	assert.Equal(t, 0, cfg.Webhooks.Port, "zero values are applied")
	assert.Equal(t, "other.yaml", cfg.Actions.File)
	assert.True(t, cfg.OBS.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8765, cfg.Server.Port, "unset flags leave the config alone")

	FlagOverrides{}.Apply(nil)
}

func TestLoadConfigFile(t *testing.T) {
	_, err := LoadConfigFile("")
	assert.Error(t, err)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("actions:\n  file: /srv/actions.yaml\n"), 0o644))
	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/actions.yaml", cfg.Actions.File)
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, LoadEnvFile(""))
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("OBS_PASSWORD=hunter2\n"), 0o600))
	t.Setenv(EnvOBSPassword, "")
	os.Unsetenv(EnvOBSPassword)

	require.NoError(t, LoadEnvFile(path))
	cfg := DefaultConfig()
	cfg.ApplyEnv(nil)
	assert.Equal(t, "hunter2", cfg.OBS.Password)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, "", ExpandPath(""))
	assert.Equal(t, "/abs", ExpandPath("/abs"))
	assert.Equal(t, home, ExpandPath("~"))
	assert.Equal(t, filepath.Join(home, "actions.yaml"), ExpandPath("~/actions.yaml"))
	assert.Equal(t, "~other", ExpandPath("~other"))
}
