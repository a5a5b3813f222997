package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vakovalskii/ValeDesk-sub000/internal/config"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("should save flags over the current config", func(t *testing.T) {
		path := setupTestCLI(t)

		out, err := executeCommand(t, "configure", "--config", path,
			"--provider", "anthropic", "--api-key", "sk-ant-test", "--model", "claude-test")
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration saved to: "+path)

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, "anthropic", cfg.LLM.Provider)
		assert.Equal(t, "claude-test", cfg.LLM.Model)
		assert.Equal(t, "error", cfg.Logging.Level)
	})

	t.Run("should refuse an invalid config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")

		_, err := executeCommand(t, "configure", "--config", path, "--provider", "bogus")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.NoFileExists(t, path)
	})
}
