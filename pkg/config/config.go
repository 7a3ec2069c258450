// Package config loads YAML configuration for the API server and the
// reference agent, with environment variable overrides.
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the API server process.
type ServerConfig struct {
	Listen   string        `yaml:"listen"`
	Database string        `yaml:"database"`
	Logging  LoggingConfig `yaml:"logging"`
	Tracing  TracingConfig `yaml:"tracing"`

	// TrustForwardedFor controls whether proxy headers are consulted when
	// resolving the requester address for block-list checks and auditing.
	TrustForwardedFor bool `yaml:"trust_forwarded_for"`
}

// AgentConfig configures the reference Wraith agent.
type AgentConfig struct {
	ServerURL string `yaml:"server_url"`
	// Prefix and InitialKey must match the server deployment; the agent
	// bootstraps with InitialKey and switches to the key handed out in the
	// handshake reply.
	Prefix          string        `yaml:"prefix"`
	InitialKey      string        `yaml:"initial_key"`
	ProtocolVersion string        `yaml:"protocol_version"`
	HeartbeatS      int           `yaml:"heartbeat_s"`
	JitterS         int           `yaml:"jitter_s"`
	RequestTimeoutS int           `yaml:"request_timeout_s"`
	RetryInitialMs  int           `yaml:"retry_initial_ms"`
	RetryMaxMs      int           `yaml:"retry_max_ms"`
	RetryMaxRetries int           `yaml:"retry_max_attempts"`
	Logging         LoggingConfig `yaml:"logging"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

// DefaultServer returns the server defaults for a fresh deployment.
func DefaultServer() *ServerConfig {
	return &ServerConfig{
		Listen:   ":8080",
		Database: "wraith.db",
		Logging:  LoggingConfig{Level: "info"},
		Tracing:  TracingConfig{SampleRatio: 1},
	}
}

// DefaultAgent returns the agent defaults matching a fresh server deployment.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{
		ServerURL:       "http://localhost:8080/api",
		Prefix:          "W_",
		InitialKey:      "QWERTYUIOPASDFGHJKLZXCVBNM",
		ProtocolVersion: "0",
		HeartbeatS:      5,
		JitterS:         1,
		RequestTimeoutS: 10,
		RetryInitialMs:  500,
		RetryMaxMs:      5000,
		RetryMaxRetries: 5,
		Logging:         LoggingConfig{Level: "info"},
	}
}

// LoadServer reads server config from path (if it exists) over the defaults,
// then applies WRAITH_* environment overrides.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServer()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if listen := os.Getenv("WRAITH_LISTEN"); listen != "" {
		cfg.Listen = listen
	}
	if db := os.Getenv("WRAITH_DB"); db != "" {
		cfg.Database = db
	}
	if level := os.Getenv("WRAITH_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

// LoadAgent reads agent config from path over the defaults, then applies
// WRAITH_AGENT_* environment overrides.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgent()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if url := os.Getenv("WRAITH_AGENT_SERVER_URL"); url != "" {
		cfg.ServerURL = url
	}
	if key := os.Getenv("WRAITH_AGENT_INITIAL_KEY"); key != "" {
		cfg.InitialKey = key
	}
	if level := os.Getenv("WRAITH_AGENT_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

func loadYAML(path string, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, dst)
}

// Validate normalises and checks an agent config.
func (c *AgentConfig) Validate() error {
	if c.ServerURL == "" {
		return ErrMissingServerURL
	}
	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return &Error{"server URL must be http or https"}
	}
	if len(c.ProtocolVersion) != 1 {
		return &Error{"protocol version must be a single character"}
	}
	if c.HeartbeatS <= 0 {
		c.HeartbeatS = 5
	}
	if c.RequestTimeoutS <= 0 {
		c.RequestTimeoutS = 10
	}
	if c.RetryInitialMs <= 0 {
		c.RetryInitialMs = 500
	}
	if c.RetryMaxMs < c.RetryInitialMs {
		c.RetryMaxMs = c.RetryInitialMs
	}
	if c.RetryMaxRetries < 0 {
		c.RetryMaxRetries = 0
	}
	return nil
}

// Validate checks a server config.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return &Error{"listen address is required"}
	}
	if c.Database == "" {
		return &Error{"database path is required"}
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

var ErrMissingServerURL = &Error{"server URL is required"}

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
