package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateProvider(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateProvider(LLMConfig{Provider: "openai", APIKey: "sk-x"}))
	assert.NoError(t, v.ValidateProvider(LLMConfig{Provider: "openai", BaseURL: "http://localhost:1234/v1"}))
	assert.NoError(t, v.ValidateProvider(LLMConfig{Provider: "Anthropic", APIKey: "sk-ant-x"}))
	assert.Error(t, v.ValidateProvider(LLMConfig{Provider: "anthropic", BaseURL: "http://proxy"}))
	assert.Error(t, v.ValidateProvider(LLMConfig{Provider: "cohere", APIKey: "k"}))
}

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	t.Run("should accept well-formed keys", func(t *testing.T) {
		assert.NoError(t, v.ValidateAPIKey("sk-ant-api03-abc", "anthropic", ""))
		assert.NoError(t, v.ValidateAPIKey("sk-proj-abc", "openai", ""))
	})

	t.Run("should reject the wrong prefix", func(t *testing.T) {
		assert.Error(t, v.ValidateAPIKey("sk-proj-abc", "anthropic", ""))
		assert.Error(t, v.ValidateAPIKey("key-abc", "openai", ""))
	})

	t.Run("should skip keys for custom endpoints", func(t *testing.T) {
		assert.NoError(t, v.ValidateAPIKey("lm-studio", "openai", "http://localhost:1234/v1"))
	})
}

func TestValidateTemperature(t *testing.T) {
	v := NewValidator()
	temp := func(f float64) *float64 { return &f }

	assert.NoError(t, v.ValidateTemperature(nil))
	assert.NoError(t, v.ValidateTemperature(temp(0)))
	assert.NoError(t, v.ValidateTemperature(temp(2)))
	assert.Error(t, v.ValidateTemperature(temp(-0.1)))
	assert.Error(t, v.ValidateTemperature(temp(2.5)))
}

func TestValidateMaxTokens(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateMaxTokens(4096))
	assert.Error(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateMaxTokens(300000))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level), level)
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
}

func TestValidateThreadBounds(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateThreadBounds(MultithreadConfig{MinThreads: 2, MaxThreads: 10, DefaultThreads: 3}))
	assert.Error(t, v.ValidateThreadBounds(MultithreadConfig{MinThreads: 0, MaxThreads: 10, DefaultThreads: 3}))
	assert.Error(t, v.ValidateThreadBounds(MultithreadConfig{MinThreads: 5, MaxThreads: 4, DefaultThreads: 4}))
	assert.Error(t, v.ValidateThreadBounds(MultithreadConfig{MinThreads: 2, MaxThreads: 10, DefaultThreads: 11}))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("should return nothing for a valid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LLM.APIKey = "sk-valid"
		assert.Empty(t, v.ValidateConfig(cfg))
	})

	t.Run("should collect loop detection errors", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LLM.APIKey = "sk-valid"
		cfg.Agent.Loop.Threshold = 1
		cfg.Agent.Loop.Window = 0

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 2)
	})

	t.Run("should reject malformed protected path patterns", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LLM.APIKey = "sk-valid"
		cfg.Agent.ProtectedPaths = []string{"secrets/["}

		errs := v.ValidateConfig(cfg)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "protected_paths")
	})

	t.Run("should ignore the port when the gateway is off", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LLM.APIKey = "sk-valid"
		cfg.Gateway.Enabled = false
		cfg.Gateway.Port = 0
		assert.Empty(t, v.ValidateConfig(cfg))
	})
}
