package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvard/mimir/internal/config"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		assert.True(t, hasCommand(t, "configure"), "configure command should exist")
	})

	t.Run("keeps settings it was not asked to change", func(t *testing.T) {
		cfg := remoteTestConfig(t, "http://127.0.0.1:9999")
		cfg.Recall.Limit = 9
		path := writeConfigFile(t, cfg)

		output, err := runCommand(t, "configure", "--config", path, "--memory-port", "9100")
		require.NoError(t, err)
		assert.Contains(t, output, "Configuration saved to:")

		saved, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9100, saved.Memory.Port)
		assert.Equal(t, 9, saved.Recall.Limit)
		assert.Equal(t, "http://127.0.0.1:9999", saved.Memory.BaseURL)
	})

	t.Run("writes the requested overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mimir.json")

		output, err := runCommand(t, "configure", "--config", path,
			"--memory-mode", "remote",
			"--memory-url", "http://127.0.0.1:8303",
			"--chat-provider", "openai",
			"--chat-model", "gpt-4o-mini",
			"--capture=false")
		require.NoError(t, err)
		assert.Contains(t, output, "Configuration saved to: "+path)

		saved, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, config.ModeRemote, saved.Memory.Mode)
		assert.Equal(t, "http://127.0.0.1:8303", saved.Memory.BaseURL)
		assert.Equal(t, "openai", saved.Chat.Provider)
		assert.Equal(t, "gpt-4o-mini", saved.Chat.Model)
		assert.False(t, saved.Capture.Enabled)
		assert.True(t, saved.Recall.Enabled)
	})

	// Flag state sticks on the shared command, so the invalid mode runs last.
	t.Run("rejects an invalid mode", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mimir.json")

		_, err := runCommand(t, "configure", "--config", path, "--memory-mode", "cluster")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}
