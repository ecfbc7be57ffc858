// Package config loads glucolog configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all glucolog configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Server collaborator settings
	Server ServerConfig `yaml:"server"`

	// AI extraction settings
	LLM LLMConfig `yaml:"llm"`

	// Client core settings
	Client ClientConfig `yaml:"client"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the websocket server.
type ServerConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	DatabasePath string `yaml:"database_path"`
	WriteTimeout string `yaml:"write_timeout"`
}

// LLMConfig configures the Gemini extraction/conversation agents.
type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// ClientConfig configures the client core's connection manager.
type ClientConfig struct {
	ServerURL string `yaml:"server_url"`

	// Reconnect backoff
	ReconnectBase string `yaml:"reconnect_base"` // first retry delay
	ReconnectMax  string `yaml:"reconnect_max"`  // backoff cap
	MaxRetries    int    `yaml:"max_retries"`    // 0 disables auto-reconnect
}

// LoggingConfig configures the categorized debug logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Directory  string          `yaml:"directory"`
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "glucolog",
		Version: "1.0.0",

		Server: ServerConfig{
			ListenAddr:   "127.0.0.1:8000",
			DatabasePath: "data/glucolog.db",
			WriteTimeout: "10s",
		},

		LLM: LLMConfig{
			Model:   "gemini-2.0-flash",
			Timeout: "60s",
		},

		Client: ClientConfig{
			ServerURL:     "ws://127.0.0.1:8000/ws",
			ReconnectBase: "1s",
			ReconnectMax:  "30s",
			MaxRetries:    8,
		},

		Logging: LoggingConfig{
			Level:     "info",
			Directory: "data",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if addr := os.Getenv("GLUCOLOG_LISTEN_ADDR"); addr != "" {
		c.Server.ListenAddr = addr
	}
	if path := os.Getenv("GLUCOLOG_DB"); path != "" {
		c.Server.DatabasePath = path
	}
	if url := os.Getenv("GLUCOLOG_SERVER_URL"); url != "" {
		c.Client.ServerURL = url
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 60*time.Second)
}

// GetWriteTimeout returns the server write timeout as a duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return parseDuration(c.Server.WriteTimeout, 10*time.Second)
}

// GetReconnectBase returns the first reconnect delay as a duration.
func (c *Config) GetReconnectBase() time.Duration {
	return parseDuration(c.Client.ReconnectBase, time.Second)
}

// GetReconnectMax returns the reconnect backoff cap as a duration.
func (c *Config) GetReconnectMax() time.Duration {
	return parseDuration(c.Client.ReconnectMax, 30*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Validate checks the configuration for server-side use. The extraction
// pipeline cannot run without an API key.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set GEMINI_API_KEY or llm.api_key)")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address not configured")
	}
	if c.Server.DatabasePath == "" {
		return fmt.Errorf("database path not configured")
	}
	return nil
}
