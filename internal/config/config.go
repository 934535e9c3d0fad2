package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultHandshakePattern = `(?i)session[_\s]?id[:\s]+([a-f0-9-]+)`

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Agent   AgentConfig   `yaml:"agent"`
	Mux     MuxConfig     `yaml:"mux"`
	Status  StatusConfig  `yaml:"status"`
	Storage StorageConfig `yaml:"storage"`
	Hooks   HooksConfig   `yaml:"hooks"`
	Journal JournalConfig `yaml:"journal"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type AgentConfig struct {
	Command           string            `yaml:"command"`
	Args              []string          `yaml:"args"`
	ModelFlag         string            `yaml:"model_flag"`
	DefaultModel      string            `yaml:"default_model"`
	PromptFlag        string            `yaml:"prompt_flag"`
	ResumeFlag        string            `yaml:"resume_flag"`
	Env               map[string]string `yaml:"env"`
	HandshakePattern  string            `yaml:"handshake_pattern"`
	HandshakeMaxBytes int               `yaml:"handshake_max_bytes"`
	ResumeGraceMs     int               `yaml:"resume_grace_ms"`
	StopGraceMs       int               `yaml:"stop_grace_ms"`
	DefaultRows       int               `yaml:"default_rows"`
	DefaultCols       int               `yaml:"default_cols"`
	AutoSpawnOnAttach *bool             `yaml:"auto_spawn_on_attach"`
}

type MuxConfig struct {
	QueueFrames     int    `yaml:"queue_frames"`
	OverflowPolicy  string `yaml:"overflow_policy"`
	ScrollbackBytes *int   `yaml:"scrollback_bytes"`
}

type StatusConfig struct {
	StaleAfterMs int `yaml:"stale_after_ms"`
}

type StorageConfig struct {
	StateDir string `yaml:"state_dir"`
	DBPath   string `yaml:"db_path"`
}

type HooksConfig struct {
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type JournalConfig struct {
	Enabled    *bool `yaml:"enabled"`
	IntervalMs int   `yaml:"interval_ms"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Overflow policies for subscriber queues.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowDisconnect = "disconnect"
)

// LoadConfig reads the YAML file at path. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTCHAT_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("AGENTCHAT_STATE_DIR"); v != "" {
		cfg.Storage.StateDir = v
	}
	if v := os.Getenv("AGENTCHAT_URL"); v != "" {
		cfg.Hooks.URL = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:8890"
	}

	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "claude"
	}
	if cfg.Agent.ModelFlag == "" {
		cfg.Agent.ModelFlag = "--model"
	}
	if cfg.Agent.DefaultModel == "" {
		cfg.Agent.DefaultModel = "sonnet"
	}
	if cfg.Agent.PromptFlag == "" {
		cfg.Agent.PromptFlag = "--append-system-prompt"
	}
	if cfg.Agent.ResumeFlag == "" {
		cfg.Agent.ResumeFlag = "--resume"
	}
	if cfg.Agent.HandshakePattern == "" {
		cfg.Agent.HandshakePattern = DefaultHandshakePattern
	}
	if cfg.Agent.HandshakeMaxBytes == 0 {
		cfg.Agent.HandshakeMaxBytes = 65536
	}
	if cfg.Agent.ResumeGraceMs == 0 {
		cfg.Agent.ResumeGraceMs = 5000
	}
	if cfg.Agent.StopGraceMs == 0 {
		cfg.Agent.StopGraceMs = 3000
	}
	if cfg.Agent.DefaultRows == 0 {
		cfg.Agent.DefaultRows = 24
	}
	if cfg.Agent.DefaultCols == 0 {
		cfg.Agent.DefaultCols = 80
	}
	if cfg.Agent.AutoSpawnOnAttach == nil {
		enabled := true
		cfg.Agent.AutoSpawnOnAttach = &enabled
	}

	if cfg.Mux.QueueFrames == 0 {
		cfg.Mux.QueueFrames = 256
	}
	if cfg.Mux.OverflowPolicy == "" {
		cfg.Mux.OverflowPolicy = OverflowDropOldest
	}
	if cfg.Mux.ScrollbackBytes == nil {
		size := 50000
		cfg.Mux.ScrollbackBytes = &size
	}

	if cfg.Status.StaleAfterMs == 0 {
		cfg.Status.StaleAfterMs = 30000
	}

	if cfg.Storage.StateDir == "" {
		cfg.Storage.StateDir = defaultStateDir()
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = filepath.Join(cfg.Storage.StateDir, "agentchat.db")
	}

	if cfg.Hooks.URL == "" {
		cfg.Hooks.URL = "http://" + cfg.Server.Listen
	}
	if cfg.Hooks.TimeoutMs == 0 {
		cfg.Hooks.TimeoutMs = 2000
	}

	if cfg.Journal.Enabled == nil {
		enabled := true
		cfg.Journal.Enabled = &enabled
	}
	if cfg.Journal.IntervalMs == 0 {
		cfg.Journal.IntervalMs = 30000
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func defaultStateDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "agentchatd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "agentchatd")
	}
	return filepath.Join(home, ".local", "share", "agentchatd")
}

// Validate rejects values that would misconfigure the daemon.
func (c *Config) Validate() error {
	switch c.Mux.OverflowPolicy {
	case OverflowDropOldest, OverflowDisconnect:
	default:
		return fmt.Errorf("mux.overflow_policy: unknown policy %q", c.Mux.OverflowPolicy)
	}
	if c.Mux.QueueFrames < 0 {
		return fmt.Errorf("mux.queue_frames must be positive, got %d", c.Mux.QueueFrames)
	}
	if c.Mux.ScrollbackBytes != nil && *c.Mux.ScrollbackBytes < 0 {
		return fmt.Errorf("mux.scrollback_bytes must not be negative, got %d", *c.Mux.ScrollbackBytes)
	}
	if c.Status.StaleAfterMs < 0 {
		return fmt.Errorf("status.stale_after_ms must be positive, got %d", c.Status.StaleAfterMs)
	}
	if c.Agent.DefaultRows < 0 || c.Agent.DefaultCols < 0 {
		return fmt.Errorf("agent.default_rows/default_cols must be positive")
	}
	if _, err := regexp.Compile(c.Agent.HandshakePattern); err != nil {
		return fmt.Errorf("agent.handshake_pattern: %w", err)
	}
	return nil
}

func (c *AgentConfig) ResumeGrace() time.Duration {
	return time.Duration(c.ResumeGraceMs) * time.Millisecond
}

func (c *AgentConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceMs) * time.Millisecond
}

func (c *StatusConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMs) * time.Millisecond
}

func (c *HooksConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c *JournalConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}
