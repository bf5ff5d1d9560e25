package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_AppliesDefaultsToMissingFields(t *testing.T) {
	path := writeConfig(t, `
agent:
  hostname: node-1
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Agent.Hostname)
	assert.Equal(t, 10*time.Second, cfg.Agent.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Agent.MaxMissedHeartbeat)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Bus.URL)
	assert.Equal(t, "agent.control", cfg.Bus.ControlTopic)
	assert.Equal(t, 5*time.Minute, cfg.Channels.IdleGracePeriod)
	assert.Equal(t, "AGENT_SIGNING_KEY", cfg.Auth.SigningKeyEnvVar)
	assert.Equal(t, "info", cfg.Logging.Level)
	require.Len(t, cfg.Sources.Enabled, 2)
}

func TestLoad_ExplicitValuesOverrideDefaults(t *testing.T) {
	path := writeConfig(t, `
bus:
  url: nats://bus.internal:4222
  control_topic: custom.control
sources:
  enabled:
    - name: synthetic
      sampling_period: 50ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://bus.internal:4222", cfg.Bus.URL)
	assert.Equal(t, "custom.control", cfg.Bus.ControlTopic)
	require.Len(t, cfg.Sources.Enabled, 1)
	assert.Equal(t, "synthetic", cfg.Sources.Enabled[0].Name)
	assert.Equal(t, 50*time.Millisecond, cfg.Sources.Enabled[0].SamplingPeriod)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSigningKey_RequiresNonEmptyEnvVar(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	_, err := cfg.SigningKey()
	assert.Error(t, err)

	t.Setenv(cfg.Auth.SigningKeyEnvVar, "a-real-key")
	key, err := cfg.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, "a-real-key", string(key))
}
