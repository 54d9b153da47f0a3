// Package config loads ptybridge settings from flags, PTYBRIDGE_* environment
// variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "PTYBRIDGE"

type Config struct {
	Home    string        `mapstructure:"home"`
	Pty     PtyConfig     `mapstructure:"pty"`
	Shell   ShellConfig   `mapstructure:"shell"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Session SessionConfig `mapstructure:"session"`
	Log     LogConfig     `mapstructure:"log"`
	Listen  ListenConfig  `mapstructure:"listen"`
}

type PtyConfig struct {
	Rows uint16 `mapstructure:"rows"`
	Cols uint16 `mapstructure:"cols"`
}

type ShellConfig struct {
	Strategy string `mapstructure:"strategy"` // "userdb" or "env"
	Fallback string `mapstructure:"fallback"`
	Login    bool   `mapstructure:"login"`
}

type BridgeConfig struct {
	ReadChunk  int    `mapstructure:"read_chunk"`
	MaxPending int    `mapstructure:"max_pending"`
	Decode     string `mapstructure:"decode"` // "strict" or "replace"
}

type SessionConfig struct {
	OnExit string `mapstructure:"on_exit"` // "terminate" or "notify"
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type ListenConfig struct {
	Websocket string `mapstructure:"websocket"` // host:port, empty disables
	Metrics   string `mapstructure:"metrics"`
}

// SocketPath is the unix socket the daemon serves.
func (c *Config) SocketPath() string { return filepath.Join(c.Home, "ptybridge.sock") }

// PidPath is the daemon pid file.
func (c *Config) PidPath() string { return filepath.Join(c.Home, "ptybridge.pid") }

// LogPath is where a detached daemon logs.
func (c *Config) LogPath() string { return filepath.Join(c.Home, "ptybridge.log") }

// SetDefaults installs default values on v.
func SetDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("home", filepath.Join(home, ".ptybridge"))

	v.SetDefault("pty.rows", 24)
	v.SetDefault("pty.cols", 80)

	v.SetDefault("shell.strategy", "userdb")
	v.SetDefault("shell.fallback", "/bin/bash")
	v.SetDefault("shell.login", false)

	v.SetDefault("bridge.read_chunk", 32*1024)
	v.SetDefault("bridge.max_pending", 1024*1024)
	v.SetDefault("bridge.decode", "strict")

	v.SetDefault("session.on_exit", "terminate")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("listen.websocket", "")
	v.SetDefault("listen.metrics", "")
}

// Load reads configuration into a Config. Flags must already be bound to v.
// A missing cfgFile is not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the bridge cannot run with.
func (c *Config) Validate() error {
	if c.Pty.Rows == 0 || c.Pty.Cols == 0 {
		return fmt.Errorf("pty size must be non-zero, got %dx%d", c.Pty.Cols, c.Pty.Rows)
	}
	if c.Bridge.ReadChunk <= 0 || c.Bridge.MaxPending < c.Bridge.ReadChunk {
		return fmt.Errorf("bridge.max_pending (%d) must be at least bridge.read_chunk (%d) and both positive",
			c.Bridge.MaxPending, c.Bridge.ReadChunk)
	}
	switch c.Bridge.Decode {
	case "strict", "replace":
	default:
		return fmt.Errorf("unknown bridge.decode %q", c.Bridge.Decode)
	}
	switch c.Session.OnExit {
	case "terminate", "notify":
	default:
		return fmt.Errorf("unknown session.on_exit %q", c.Session.OnExit)
	}
	return nil
}
