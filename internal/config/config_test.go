package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultClient(t *testing.T) {
	cfg := DefaultClient()

	require.NotNil(t, cfg)
	assert.Equal(t, "/run/traced/consumer.sock", cfg.Socket)
	assert.NotEmpty(t, cfg.StateDir)
	assert.Equal(t, filepath.Join(cfg.StateDir, "spool"), cfg.SpoolDir)
	assert.False(t, cfg.ProductionBuild)
}

func TestLoadClient(t *testing.T) {
	t.Run("returns defaults when no config file exists", func(t *testing.T) {
		tmpDir := t.TempDir()
		origDir, _ := os.Getwd()
		os.Chdir(tmpDir)
		defer os.Chdir(origDir)

		cfg, err := LoadClient()
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, "/run/traced/consumer.sock", cfg.Socket)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		tmpDir := t.TempDir()
		origDir, _ := os.Getwd()
		os.Chdir(tmpDir)
		defer os.Chdir(origDir)

		t.Setenv("TRACECTL_SOCKET", "/tmp/alt.sock")
		t.Setenv("TRACECTL_PRODUCTION_BUILD", "true")

		cfg, err := LoadClient()
		require.NoError(t, err)
		assert.Equal(t, "/tmp/alt.sock", cfg.Socket)
		assert.True(t, cfg.ProductionBuild)
	})
}

func TestLoadClientFromFile(t *testing.T) {
	t.Run("overrides from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tracectl.yaml")
		content := `
socket: /tmp/test-consumer.sock
state_dir: /tmp/tracectl-state
production_build: true
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		cfg, err := LoadClientFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/test-consumer.sock", cfg.Socket)
		assert.Equal(t, "/tmp/tracectl-state", cfg.StateDir)
		assert.True(t, cfg.ProductionBuild)
		// Unset keys keep their defaults.
		assert.Equal(t, filepath.Join(DefaultClient().StateDir, "spool"), cfg.SpoolDir)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadClientFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}
