// Package config holds the openstreambot daemon configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the openstreambot daemon.
//
// Defaults and validation live here so the rest of the code can assume a
// well-formed config. Secrets are never read from the file; see ApplyEnv.
type Config struct {
	// Event bus websocket server
	Server ServerConfig `yaml:"server"`

	// Actions document
	Actions ActionsConfig `yaml:"actions"`

	// Local IPC socket (emit subcommand, scripts)
	IPC IPCConfig `yaml:"ipc"`

	// HTTP event ingestion
	Webhooks WebhooksConfig `yaml:"webhooks"`

	OBS     OBSConfig     `yaml:"obs"`
	Twitch  TwitchConfig  `yaml:"twitch"`
	YouTube YouTubeConfig `yaml:"youtube"`

	Audio AudioConfig `yaml:"audio"`

	// Periodic status file for launchers and dashboards
	Status StatusConfig `yaml:"status"`

	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ActionsConfig struct {
	File string `yaml:"file"`

	// Example is copied to File on first run when File does not exist.
	Example string `yaml:"example,omitempty"`
}

type IPCConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

type WebhooksConfig struct {
	// Port 0 disables the webhooks server.
	Port int `yaml:"port"`
}

type OBSConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ReconnectMS int    `yaml:"reconnect_ms"`

	// Password comes from OBS_PASSWORD.
	Password string `yaml:"-"`
}

// URL returns the obs-websocket endpoint.
func (o OBSConfig) URL() string {
	return fmt.Sprintf("ws://%s:%d", o.Host, o.Port)
}

type TwitchConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Channel       string `yaml:"channel"`
	ClientID      string `yaml:"client_id"`
	BroadcasterID string `yaml:"broadcaster_id"`

	// SenderID is the bot account that posts chat messages; defaults to BroadcasterID.
	SenderID string `yaml:"sender_id,omitempty"`

	APIURL         string `yaml:"api_url"`
	ClipsRefreshMS int    `yaml:"clips_refresh_ms"`

	// AccessToken comes from TWITCH_ACCESS_TOKEN.
	AccessToken string `yaml:"-"`
}

type YouTubeConfig struct {
	Enabled bool `yaml:"enabled"`

	// LiveChatID pins the chat; when empty the active broadcast's chat is used.
	LiveChatID string `yaml:"live_chat_id,omitempty"`

	APIURL string `yaml:"api_url"`

	// AccessToken comes from YOUTUBE_ACCESS_TOKEN.
	AccessToken string `yaml:"-"`
}

type AudioConfig struct {
	// Initial bus volumes, 0-100.
	EffectsVolume  int `yaml:"effects_volume"`
	PlaylistVolume int `yaml:"playlist_volume"`

	// Device is the output device opened at startup ("" for the system default).
	Device string `yaml:"device,omitempty"`

	// Player runs one file; {file} and {volume} are substituted.
	Player []string `yaml:"player"`

	// DeviceEnv names the environment variable that selects the player's output device.
	DeviceEnv string `yaml:"device_env,omitempty"`

	// DevicesCommand lists available devices, one per line.
	DevicesCommand []string `yaml:"devices_command,omitempty"`

	// InputsCommand and VolumeCommand change the volume of a track that is
	// already playing; see audio.ExecConfig.
	InputsCommand []string `yaml:"inputs_command,omitempty"`
	VolumeCommand []string `yaml:"volume_command,omitempty"`

	// Workers bounds concurrently playing sound effects.
	Workers int `yaml:"workers"`
}

type StatusConfig struct {
	// File is rewritten every IntervalMS with component status; empty disables it.
	File       string `yaml:"file,omitempty"`
	IntervalMS int    `yaml:"interval_ms"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8765,
			Path: "/",
		},
		Actions: ActionsConfig{
			File: "actions.yaml",
		},
		IPC: IPCConfig{
			Enabled:    true,
			SocketPath: "/tmp/openstreambot.sock",
		},
		Webhooks: WebhooksConfig{
			Port: 3001,
		},
		OBS: OBSConfig{
			Host:        "localhost",
			Port:        4455,
			ReconnectMS: 5000,
		},
		Twitch: TwitchConfig{
			APIURL:         "https://api.twitch.tv/helix",
			ClipsRefreshMS: 30 * 60 * 1000,
		},
		YouTube: YouTubeConfig{
			APIURL: "https://www.googleapis.com/youtube/v3",
		},
		Audio: AudioConfig{
			EffectsVolume:  100,
			PlaylistVolume: 50,
			Player:         []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", "-volume", "{volume}", "{file}"},
			DeviceEnv:      "PULSE_SINK",
			DevicesCommand: []string{"pactl", "list", "short", "sinks"},
			InputsCommand:  []string{"pactl", "list", "sink-inputs"},
			VolumeCommand:  []string{"pactl", "set-sink-input-volume", "{input}", "{volume}%"},
			Workers:        8,
		},
		Status: StatusConfig{
			IntervalMS: 2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
// Unknown fields and trailing documents are rejected.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes a YAML config document on top of DefaultConfig.
func Parse(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides carries command-line overrides. A nil pointer means the
// flag was not set; a non-nil pointer is applied even if it holds a zero value.
type FlagOverrides struct {
	ServerHost *string
	ServerPort *int

	ActionsFile *string

	IPCEnabled    *bool
	IPCSocketPath *string
	WebhooksPort  *int

	OBSEnabled     *bool
	TwitchEnabled  *bool
	YouTubeEnabled *bool

	AudioDevice *string

	LogLevel  *string
	LogFormat *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.ServerHost != nil {
		cfg.Server.Host = *o.ServerHost
	}
	if o.ServerPort != nil {
		cfg.Server.Port = *o.ServerPort
	}

	if o.ActionsFile != nil {
		cfg.Actions.File = *o.ActionsFile
	}

	if o.IPCEnabled != nil {
		cfg.IPC.Enabled = *o.IPCEnabled
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.WebhooksPort != nil {
		cfg.Webhooks.Port = *o.WebhooksPort
	}

	if o.OBSEnabled != nil {
		cfg.OBS.Enabled = *o.OBSEnabled
	}
	if o.TwitchEnabled != nil {
		cfg.Twitch.Enabled = *o.TwitchEnabled
	}
	if o.YouTubeEnabled != nil {
		cfg.YouTube.Enabled = *o.YouTubeEnabled
	}

	if o.AudioDevice != nil {
		cfg.Audio.Device = *o.AudioDevice
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.LogFormat != nil {
		cfg.Logging.Format = *o.LogFormat
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults, file, environment and overrides are applied.
func (c *Config) Validate() error {
	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return errors.New("server.path must start with /")
	}

	// Actions
	if c.Actions.File == "" {
		return errors.New("actions.file must not be empty")
	}

	// IPC
	if c.IPC.Enabled && c.IPC.SocketPath == "" {
		return errors.New("ipc.enabled is true but ipc.socket_path is empty")
	}

	// Webhooks
	if c.Webhooks.Port < 0 || c.Webhooks.Port > 65535 {
		return errors.New("webhooks.port must be between 0 and 65535")
	}

	// OBS
	if c.OBS.Enabled {
		if c.OBS.Host == "" {
			return errors.New("obs.enabled is true but obs.host is empty")
		}
		if c.OBS.Port <= 0 || c.OBS.Port > 65535 {
			return errors.New("obs.port must be between 1 and 65535")
		}
		if c.OBS.ReconnectMS <= 0 {
			return errors.New("obs.reconnect_ms must be > 0")
		}
	}

	// Twitch
	if c.Twitch.Enabled {
		if c.Twitch.ClientID == "" {
			return errors.New("twitch.enabled is true but twitch.client_id is empty")
		}
		if c.Twitch.BroadcasterID == "" {
			return errors.New("twitch.enabled is true but twitch.broadcaster_id is empty")
		}
		if c.Twitch.AccessToken == "" {
			return fmt.Errorf("twitch.enabled is true but %s is not set", EnvTwitchToken)
		}
		if c.Twitch.APIURL == "" {
			return errors.New("twitch.api_url must not be empty")
		}
	}

	// YouTube
	if c.YouTube.Enabled {
		if c.YouTube.AccessToken == "" {
			return fmt.Errorf("youtube.enabled is true but %s is not set", EnvYouTubeToken)
		}
		if c.YouTube.APIURL == "" {
			return errors.New("youtube.api_url must not be empty")
		}
	}

	// Audio
	if c.Audio.EffectsVolume < 0 || c.Audio.EffectsVolume > 100 {
		return errors.New("audio.effects_volume must be between 0 and 100")
	}
	if c.Audio.PlaylistVolume < 0 || c.Audio.PlaylistVolume > 100 {
		return errors.New("audio.playlist_volume must be between 0 and 100")
	}
	if len(c.Audio.Player) == 0 {
		return errors.New("audio.player must not be empty")
	}
	if c.Audio.Workers <= 0 {
		return errors.New("audio.workers must be > 0")
	}

	// Status
	if c.Status.File != "" && c.Status.IntervalMS <= 0 {
		return errors.New("status.interval_ms must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be %q or %q", "text", "json")
	}

	return nil
}

// OBSReconnect returns the OBS reconnect delay.
func (c *Config) OBSReconnect() time.Duration {
	return time.Duration(c.OBS.ReconnectMS) * time.Millisecond
}

// ClipsRefresh returns how long the Twitch clip list is cached.
func (c *Config) ClipsRefresh() time.Duration {
	return time.Duration(c.Twitch.ClipsRefreshMS) * time.Millisecond
}

// StatusInterval returns the status file rewrite interval.
func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.Status.IntervalMS) * time.Millisecond
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
