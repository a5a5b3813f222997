package config

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider checks the provider name and the credentials it needs.
// OpenAI-compatible local servers may run without a key when a base URL
// is set.
func (v *Validator) ValidateProvider(llm LLMConfig) error {
	switch strings.ToLower(llm.Provider) {
	case "", "openai":
		if llm.APIKey == "" && llm.BaseURL == "" {
			return fmt.Errorf("llm.api_key is required unless llm.base_url points at a local server")
		}
	case "anthropic":
		if llm.APIKey == "" {
			return fmt.Errorf("llm.api_key is required for anthropic")
		}
	default:
		return fmt.Errorf("invalid llm.provider %q (must be one of: openai, anthropic)", llm.Provider)
	}
	return nil
}

// ValidateAPIKey checks the well-known key prefixes. Keys for custom base
// URLs are not checked.
func (v *Validator) ValidateAPIKey(key, provider, baseURL string) error {
	if key == "" || baseURL != "" {
		return nil
	}
	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "", "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp *float64) error {
	if temp != nil && (*temp < 0 || *temp > 2) {
		return fmt.Errorf("llm.temperature must be between 0 and 2, got %g", *temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("llm.max_tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("logging.level", level, "debug", "info", "warn", "error")
}

// ValidateThreadBounds checks min <= default <= max.
func (v *Validator) ValidateThreadBounds(mt MultithreadConfig) error {
	if mt.MinThreads < 1 {
		return fmt.Errorf("multithread.min_threads must be at least 1, got %d", mt.MinThreads)
	}
	if mt.MaxThreads < mt.MinThreads {
		return fmt.Errorf("multithread.max_threads (%d) must be >= min_threads (%d)", mt.MaxThreads, mt.MinThreads)
	}
	if mt.DefaultThreads < mt.MinThreads || mt.DefaultThreads > mt.MaxThreads {
		return fmt.Errorf("multithread.default_threads (%d) must be within [%d, %d]", mt.DefaultThreads, mt.MinThreads, mt.MaxThreads)
	}
	return nil
}

// ValidateConfig collects every problem instead of stopping at the first.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidateProvider(cfg.LLM))
	add(v.ValidateAPIKey(cfg.LLM.APIKey, strings.ToLower(cfg.LLM.Provider), cfg.LLM.BaseURL))
	if strings.TrimSpace(cfg.LLM.Model) == "" {
		add(fmt.Errorf("llm.model is required"))
	}
	add(v.ValidateTemperature(cfg.LLM.Temperature))
	add(v.ValidateMaxTokens(cfg.LLM.MaxTokens))

	if cfg.Agent.MaxIterations <= 0 {
		add(fmt.Errorf("agent.max_iterations must be positive, got %d", cfg.Agent.MaxIterations))
	}
	add(oneOf("agent.permission_mode", cfg.Agent.PermissionMode, "ask", "default"))
	if cfg.Agent.Loop.Threshold < 2 {
		add(fmt.Errorf("agent.loop.threshold must be at least 2, got %d", cfg.Agent.Loop.Threshold))
	}
	if cfg.Agent.Loop.Window < cfg.Agent.Loop.Threshold {
		add(fmt.Errorf("agent.loop.window (%d) must be >= threshold (%d)", cfg.Agent.Loop.Window, cfg.Agent.Loop.Threshold))
	}
	if cfg.Agent.Loop.MaxEpisodes < 0 {
		add(fmt.Errorf("agent.loop.max_episodes must be >= 0"))
	}
	for _, pattern := range cfg.Agent.ProtectedPaths {
		if !doublestar.ValidatePattern(pattern) {
			add(fmt.Errorf("invalid agent.protected_paths pattern %q", pattern))
		}
	}
	if cfg.Agent.ToolTimeout < 0 {
		add(fmt.Errorf("agent.tool_timeout must be >= 0"))
	}

	add(v.ValidateThreadBounds(cfg.Multithread))
	add(oneOf("multithread.policy", cfg.Multithread.Policy, "majority", "all"))

	if cfg.Storage.RetentionDays < 0 {
		add(fmt.Errorf("storage.retention_days must be >= 0"))
	}

	if cfg.Gateway.Enabled && (cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535) {
		add(fmt.Errorf("gateway.port must be within 1-65535, got %d", cfg.Gateway.Port))
	}
	if cfg.Scheduler.Enabled && cfg.Scheduler.Interval < 0 {
		add(fmt.Errorf("scheduler.interval must be >= 0"))
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))

	if cfg.Tracing.Enabled {
		add(oneOf("tracing.exporter", cfg.Tracing.Exporter, "stdout", "otlp"))
		if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
			add(fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %g", cfg.Tracing.SampleRatio))
		}
	}
	return errs
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", field, value, strings.Join(allowed, ", "))
}
