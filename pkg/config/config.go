// Package config loads agent-collector configuration from YAML, mirroring
// tapio's LoadConfig/applyDefaults shape (pkg/config/config.go) but with
// fields scoped to this agent: identity, bus, registry defaults, channel
// cache, heartbeats, and the signing-key environment variable name. There
// is no package-level singleton — every component that needs it takes a
// *Config explicitly.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent-collector's full configuration surface.
type Config struct {
	Agent    AgentConfig    `yaml:"agent" mapstructure:"agent"`
	Bus      BusConfig      `yaml:"bus" mapstructure:"bus"`
	Sources  SourcesConfig  `yaml:"sources" mapstructure:"sources"`
	Channels ChannelsConfig `yaml:"channels" mapstructure:"channels"`
	Auth     AuthConfig     `yaml:"auth" mapstructure:"auth"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
}

// AgentConfig identifies this agent instance to the control plane.
type AgentConfig struct {
	Hostname          string        `yaml:"hostname" mapstructure:"hostname"`
	PodName            string        `yaml:"pod_name" mapstructure:"pod_name"`
	HostIP             string        `yaml:"host_ip" mapstructure:"host_ip"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	MaxMissedHeartbeat int           `yaml:"max_missed_heartbeats" mapstructure:"max_missed_heartbeats"`
}

// BusConfig configures the NATS transport.
type BusConfig struct {
	URL           string `yaml:"url" mapstructure:"url"`
	ControlTopic  string `yaml:"control_topic" mapstructure:"control_topic"`
	AgentTopic    string `yaml:"agent_topic" mapstructure:"agent_topic"`
	MaxReconnects int    `yaml:"max_reconnects" mapstructure:"max_reconnects"`
}

// SourceConfig is one entry of Sources.Enabled: a registered connector
// name with optional period overrides (zero means "use the connector's
// own default").
type SourceConfig struct {
	Name           string        `yaml:"name" mapstructure:"name"`
	SamplingPeriod time.Duration `yaml:"sampling_period" mapstructure:"sampling_period"`
	PushPeriod     time.Duration `yaml:"push_period" mapstructure:"push_period"`
}

// SourcesConfig lists the connectors this agent instance runs.
type SourcesConfig struct {
	Enabled []SourceConfig `yaml:"enabled" mapstructure:"enabled"`
}

// ChannelsConfig configures the outbound RPC channel cache.
type ChannelsConfig struct {
	IdleGracePeriod time.Duration `yaml:"idle_grace_period" mapstructure:"idle_grace_period"`
	DialTimeout     time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// AuthConfig names the environment variable holding the token signing key
// and the minted token's lifetime.
type AuthConfig struct {
	SigningKeyEnvVar string        `yaml:"signing_key_env_var" mapstructure:"signing_key_env_var"`
	TokenTTL         time.Duration `yaml:"token_ttl" mapstructure:"token_ttl"`
}

// LoggingConfig selects the logger's verbosity and output shape.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // "console" or "json"
}

// Load reads and parses a YAML config file at path, then applies
// ApplyDefaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills in zero-valued fields that have a default,
// mirroring tapio's applyDefaults. Agent identity fields (hostname, pod
// name, host IP) and per-source period overrides are left as given. Exported so the CLI's
// Viper-based loader (which bypasses Load) can apply the same defaults
// after its own decode step.
func (c *Config) ApplyDefaults() {
	if c.Agent.HeartbeatInterval == 0 {
		c.Agent.HeartbeatInterval = 10 * time.Second
	}
	if c.Agent.MaxMissedHeartbeat == 0 {
		c.Agent.MaxMissedHeartbeat = 3
	}

	if c.Bus.URL == "" {
		c.Bus.URL = "nats://127.0.0.1:4222"
	}
	if c.Bus.ControlTopic == "" {
		c.Bus.ControlTopic = "agent.control"
	}
	if c.Bus.AgentTopic == "" {
		c.Bus.AgentTopic = "agent.inbox"
	}
	if c.Bus.MaxReconnects == 0 {
		c.Bus.MaxReconnects = 60
	}

	if c.Channels.IdleGracePeriod == 0 {
		c.Channels.IdleGracePeriod = 5 * time.Minute
	}
	if c.Channels.DialTimeout == 0 {
		c.Channels.DialTimeout = 10 * time.Second
	}
	if c.Channels.CleanupInterval == 0 {
		c.Channels.CleanupInterval = time.Minute
	}

	if c.Auth.SigningKeyEnvVar == "" {
		c.Auth.SigningKeyEnvVar = "AGENT_SIGNING_KEY"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 60 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	if len(c.Sources.Enabled) == 0 {
		c.Sources.Enabled = []SourceConfig{{Name: "cpu"}, {Name: "memory"}}
	}
}

// SigningKey reads the signing key from the environment variable named
// by Auth.SigningKeyEnvVar. Returns an error if unset or empty — there is
// deliberately no generated fallback.
func (c *Config) SigningKey() ([]byte, error) {
	v := os.Getenv(c.Auth.SigningKeyEnvVar)
	if v == "" {
		return nil, fmt.Errorf("environment variable %s is required and must be non-empty", c.Auth.SigningKeyEnvVar)
	}
	return []byte(v), nil
}
