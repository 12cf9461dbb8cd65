package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshflow/meshflow/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, config.Default().Validate())
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := []byte("log:\n  level: debug\n  format: text\nlisten:\n  requests: 127.0.0.1:9001\n")
	require.NoError(t, os.WriteFile(path, yaml, 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:9001", cfg.Listen.Requests)
	// Untouched fields keep their defaults.
	assert.NotEmpty(t, cfg.Listen.Results)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n  format: json\n"), 0600))

	t.Setenv("MESHFLOW_LOG_LEVEL", "warn")
	t.Setenv("MESHFLOW_LISTEN_CONTROL", "127.0.0.1:9333")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level, "env should win over file")
	assert.Equal(t, "127.0.0.1:9333", cfg.Listen.Control)
}

func TestValidateRejectsDuplicateListenAddresses(t *testing.T) {
	cfg := config.Default()
	cfg.Listen.Results = cfg.Listen.Requests

	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "verbose"

	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresOTLPEndpointWhenTracingEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.Tracing.Enabled = true

	assert.Error(t, cfg.Validate(), "Validate should require tracing.otlp_endpoint when tracing is enabled")
}

func TestValidateRejectsHealthAddressCollision(t *testing.T) {
	cfg := config.Default()
	cfg.Listen.Health = cfg.Listen.Control

	assert.Error(t, cfg.Validate())
}

func TestValidateAllowsEmptyHealthAddress(t *testing.T) {
	cfg := config.Default()
	cfg.Listen.Health = ""

	assert.NoError(t, cfg.Validate())
}

func TestEnvOverridesHealthAddress(t *testing.T) {
	t.Setenv("MESHFLOW_LISTEN_HEALTH", "127.0.0.1:9330")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9330", cfg.Listen.Health)
}
