// Package config handles process configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Environment overrides, applied after the file is parsed.
const (
	EnvAgentBin       = "AGENTDECK_AGENT_BIN"
	EnvTranscriptRoot = "AGENTDECK_TRANSCRIPT_ROOT"
	EnvListenAddr     = "AGENTDECK_LISTEN_ADDR"
)

// Config is the immutable process configuration.
type Config struct {
	// AgentBinary is the agent CLI to spawn. A bare name is resolved on
	// PATH at spawn time.
	AgentBinary string `json:"agent_binary"`
	// TranscriptRoot is the directory the agent writes transcripts under.
	TranscriptRoot string `json:"transcript_root"`
	// ListenAddr is the host:port the HTTP server binds.
	ListenAddr string `json:"listen_addr"`
	// ShutdownTimeout bounds graceful termination of agent children.
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"`
	LogLevel        string   `json:"log_level,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	// UIStaticDir, when set, serves a static UI at the root path.
	UIStaticDir string `json:"ui_static_dir,omitempty"`
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s"
// or bare numbers of seconds).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads a config file, applies environment overrides and defaults,
// and validates the result. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAgentBin); v != "" {
		c.AgentBinary = v
	}
	if v := os.Getenv(EnvTranscriptRoot); v != "" {
		c.TranscriptRoot = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.ListenAddr = v
	}
}

func (c *Config) applyDefaults() {
	if c.AgentBinary == "" {
		c.AgentBinary = "claude"
	}
	if c.TranscriptRoot == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.TranscriptRoot = filepath.Join(home, ".claude", "projects")
		}
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8765"
	}
	if c.ShutdownTimeout.Duration == 0 {
		c.ShutdownTimeout.Duration = 30 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
}

func (c *Config) validate() error {
	if c.AgentBinary == "" {
		return fmt.Errorf("agent_binary is required")
	}
	if c.TranscriptRoot == "" {
		return fmt.Errorf("transcript_root is required")
	}
	info, err := os.Stat(c.TranscriptRoot)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("transcript_root %q is not a readable directory", c.TranscriptRoot)
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q is not host:port: %w", c.ListenAddr, err)
	}
	if c.ShutdownTimeout.Duration < 0 {
		return fmt.Errorf("shutdown_timeout must be >= 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error")
	}
	return nil
}

// SlogLevel maps the configured level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
