// Package config loads the bridge configuration from a TOML file and
// derives the filesystem paths the daemon uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ServerConfig configures the notification socket.
type ServerConfig struct {
	Host        string `toml:"host"`
	SocketPort  int    `toml:"socket_port"`
	ServerToken string `toml:"server_token"`
	ClientToken string `toml:"client_token"`
}

// MatrixConfig configures the homeserver connection.
type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	UserID      string `toml:"user_id"`
	AccessToken string `toml:"access_token"`
	DeviceID    string `toml:"device_id"`
}

// CacheConfig bounds the in-memory message working set.
type CacheConfig struct {
	MessagesPerRoom int `toml:"messages_per_room"`
}

// Config is the top-level bridge configuration.
type Config struct {
	DataDir string       `toml:"data_dir"`
	Server  ServerConfig `toml:"server"`
	Matrix  MatrixConfig `toml:"matrix"`
	Cache   CacheConfig  `toml:"cache"`
}

// Load reads and validates the config file at path, applying defaults
// for every optional field.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if cfg.Matrix.Homeserver == "" {
		return nil, fmt.Errorf("config: matrix.homeserver is required")
	}
	if cfg.Matrix.UserID == "" {
		return nil, fmt.Errorf("config: matrix.user_id is required")
	}
	if cfg.Matrix.AccessToken == "" {
		return nil, fmt.Errorf("config: matrix.access_token is required")
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = filepath.Join("~", ".wxbridge")
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.SocketPort == 0 {
		c.Server.SocketPort = 7300
	}
	if c.Cache.MessagesPerRoom <= 0 {
		c.Cache.MessagesPerRoom = 512
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// SocketAddr returns the host:port the notification socket listens on.
func (c *Config) SocketAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.SocketPort)
}

// MuteStorePath returns the durable mute file path.
func (c *Config) MuteStorePath() string {
	return filepath.Join(c.DataDir, "mutes.json")
}

// LogPath returns the daemon log file path.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "wxbridged.log")
}

// EnsureDirs creates the data directory tree with owner-only permissions.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.DataDir, filepath.Dir(c.LogPath())} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}
