package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLoader(t *testing.T, content string) *Loader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return NewLoader(path)
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("should return defaults when the file is missing", func(t *testing.T) {
		cfg, err := setupTestLoader(t, "").Load()

		require.NoError(t, err)
		assert.Equal(t, "openai", cfg.LLM.Provider)
		assert.Equal(t, 50, cfg.Agent.MaxIterations)
		assert.Equal(t, 30*time.Second, cfg.Gateway.TickInterval)
		assert.NotEmpty(t, cfg.Storage.DatabasePath)
	})

	t.Run("should merge the file over defaults", func(t *testing.T) {
		loader := setupTestLoader(t, `{
			"data_dir": "/srv/valedesk",
			"llm": {"provider": "anthropic", "api_key": "sk-ant-abc", "model": "claude-x"},
			"agent": {"tool_timeout": "45s", "auto_approve": ["read_file", "search_web"]},
			"gateway": {"port": 9000}
		}`)

		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, "anthropic", cfg.LLM.Provider)
		assert.Equal(t, "claude-x", cfg.LLM.Model)
		assert.Equal(t, 4096, cfg.LLM.MaxTokens)
		assert.Equal(t, 45*time.Second, cfg.Agent.ToolTimeout)
		assert.Equal(t, []string{"read_file", "search_web"}, cfg.Agent.AutoApprove)
		assert.Equal(t, 9000, cfg.Gateway.Port)
		assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
		assert.Equal(t, filepath.Join("/srv/valedesk", "sessions.db"), cfg.Storage.DatabasePath)
	})

	t.Run("should apply environment overrides", func(t *testing.T) {
		t.Setenv("VALEDESK_LLM_MODEL", "gpt-env")
		t.Setenv("VALEDESK_GATEWAY_PORT", "9100")
		loader := setupTestLoader(t, `{"llm": {"model": "gpt-file"}}`)

		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, "gpt-env", cfg.LLM.Model)
		assert.Equal(t, 9100, cfg.Gateway.Port)
	})

	t.Run("should read a .env file next to the config", func(t *testing.T) {
		t.Setenv("VALEDESK_LLM_MODEL", "")
		require.NoError(t, os.Unsetenv("VALEDESK_LLM_MODEL"))
		loader := setupTestLoader(t, `{"llm": {"model": "gpt-file"}}`)
		dotenv := filepath.Join(filepath.Dir(loader.GetConfigPath()), ".env")
		require.NoError(t, os.WriteFile(dotenv, []byte("VALEDESK_LLM_MODEL=gpt-dotenv\n"), 0o600))

		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, "gpt-dotenv", cfg.LLM.Model)
	})

	t.Run("should let the environment win over .env", func(t *testing.T) {
		t.Setenv("VALEDESK_LLM_MODEL", "gpt-env")
		loader := setupTestLoader(t, "")
		dotenv := filepath.Join(filepath.Dir(loader.GetConfigPath()), ".env")
		require.NoError(t, os.WriteFile(dotenv, []byte("VALEDESK_LLM_MODEL=gpt-dotenv\n"), 0o600))

		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, "gpt-env", cfg.LLM.Model)
	})

	t.Run("should fail on malformed json", func(t *testing.T) {
		_, err := setupTestLoader(t, `{"llm": `).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	t.Run("should round trip through Load", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "config.json")
		loader := NewLoader(path)

		cfg := DefaultConfig()
		cfg.DataDir = "/tmp/vd"
		cfg.LLM.Model = "local-model"
		cfg.Multithread.Policy = "all"
		require.NoError(t, loader.Save(cfg))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		loaded, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, "local-model", loaded.LLM.Model)
		assert.Equal(t, "all", loaded.Multithread.Policy)
		assert.Equal(t, "/tmp/vd", loaded.DataDir)
	})
}

func TestLoaderGetConfigPath(t *testing.T) {
	t.Run("should prefer the explicit path", func(t *testing.T) {
		t.Setenv("VALEDESK_CONFIG", "/from/env.json")
		assert.Equal(t, "/custom/config.json", NewLoader("/custom/config.json").GetConfigPath())
	})

	t.Run("should use the environment next", func(t *testing.T) {
		t.Setenv("VALEDESK_CONFIG", "/from/env.json")
		assert.Equal(t, "/from/env.json", NewLoader("").GetConfigPath())
	})

	t.Run("should default under the home directory", func(t *testing.T) {
		t.Setenv("VALEDESK_CONFIG", "")
		home, err := os.UserHomeDir()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, ".valedesk", "config.json"), NewLoader("").GetConfigPath())
	})
}
