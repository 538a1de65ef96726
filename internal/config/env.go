package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables holding secrets.
const (
	EnvTwitchToken  = "TWITCH_ACCESS_TOKEN"
	EnvYouTubeToken = "YOUTUBE_ACCESS_TOKEN"
	EnvOBSPassword  = "OBS_PASSWORD"
)

// LoadEnvFile loads KEY=value pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(ExpandPath(path)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// ApplyEnv fills the secret fields of cfg from lookup (usually os.LookupEnv).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvTwitchToken); ok {
		c.Twitch.AccessToken = trimOAuth(v)
	}
	if v, ok := lookup(EnvYouTubeToken); ok {
		c.YouTube.AccessToken = v
	}
	if v, ok := lookup(EnvOBSPassword); ok {
		c.OBS.Password = v
	}
}

// trimOAuth drops the "oauth:" prefix chat tokens are often stored with.
func trimOAuth(tok string) string {
	const prefix = "oauth:"
	if len(tok) > len(prefix) && tok[:len(prefix)] == prefix {
		return tok[len(prefix):]
	}
	return tok
}
