package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Config is the full ValeDesk configuration.
type Config struct {
	// DataDir holds the database, memory file, task registry and logs.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	LLM         LLMConfig         `json:"llm" mapstructure:"llm"`
	Agent       AgentConfig       `json:"agent" mapstructure:"agent"`
	Multithread MultithreadConfig `json:"multithread" mapstructure:"multithread"`
	Storage     StorageConfig     `json:"storage" mapstructure:"storage"`
	Gateway     GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Scheduler   SchedulerConfig   `json:"scheduler" mapstructure:"scheduler"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Tracing     TracingConfig     `json:"tracing" mapstructure:"tracing"`
}

// LLMConfig selects the model endpoint.
type LLMConfig struct {
	Provider    string   `json:"provider" mapstructure:"provider"` // openai, anthropic
	APIKey      string   `json:"api_key" mapstructure:"api_key"`
	BaseURL     string   `json:"base_url" mapstructure:"base_url"`
	Model       string   `json:"model" mapstructure:"model"`
	Temperature *float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens   int      `json:"max_tokens" mapstructure:"max_tokens"`
	// SendTemperature forwards the temperature; some local servers reject it.
	SendTemperature bool `json:"send_temperature" mapstructure:"send_temperature"`
}

// AgentConfig tunes the runner and its tools.
type AgentConfig struct {
	MaxIterations  int      `json:"max_iterations" mapstructure:"max_iterations"`
	PermissionMode string   `json:"permission_mode" mapstructure:"permission_mode"` // ask, default
	AutoApprove    []string `json:"auto_approve" mapstructure:"auto_approve"`
	DeniedTools    []string `json:"denied_tools" mapstructure:"denied_tools"`
	SystemPrompt   string   `json:"system_prompt" mapstructure:"system_prompt"`
	WorkspaceRoot  string   `json:"workspace_root" mapstructure:"workspace_root"`
	Shell          string   `json:"shell" mapstructure:"shell"`
	// ProtectedPaths are workspace-relative globs the file tools refuse.
	ProtectedPaths []string `json:"protected_paths" mapstructure:"protected_paths"`

	ToolTimeout   time.Duration `json:"tool_timeout" mapstructure:"tool_timeout"`
	MaxToolOutput int           `json:"max_tool_output" mapstructure:"max_tool_output"`
	FetchTimeout  time.Duration `json:"fetch_timeout" mapstructure:"fetch_timeout"`

	Loop LoopConfig `json:"loop" mapstructure:"loop"`
}

// LoopConfig tunes repeated-call detection.
type LoopConfig struct {
	Window      int `json:"window" mapstructure:"window"`
	Threshold   int `json:"threshold" mapstructure:"threshold"`
	MaxEpisodes int `json:"max_episodes" mapstructure:"max_episodes"`
}

// MultithreadConfig bounds task fan-out.
type MultithreadConfig struct {
	MinThreads     int    `json:"min_threads" mapstructure:"min_threads"`
	MaxThreads     int    `json:"max_threads" mapstructure:"max_threads"`
	DefaultThreads int    `json:"default_threads" mapstructure:"default_threads"`
	RegistryPath   string `json:"registry_path" mapstructure:"registry_path"`
	AutoSave       bool   `json:"auto_save" mapstructure:"auto_save"`
	// Policy is "majority" or "all".
	Policy string `json:"policy" mapstructure:"policy"`
}

// StorageConfig locates the session database and its retention.
type StorageConfig struct {
	DatabasePath  string        `json:"database_path" mapstructure:"database_path"`
	RetentionDays int           `json:"retention_days" mapstructure:"retention_days"`
	PruneInterval time.Duration `json:"prune_interval" mapstructure:"prune_interval"`
	AuditLog      string        `json:"audit_log" mapstructure:"audit_log"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled           bool          `json:"enabled" mapstructure:"enabled"`
	Host              string        `json:"host" mapstructure:"host"`
	Port              int           `json:"port" mapstructure:"port"`
	SharedSecret      string        `json:"shared_secret" mapstructure:"shared_secret"`
	TickInterval      time.Duration `json:"tick_interval" mapstructure:"tick_interval"`
	RequestsPerMinute int           `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int           `json:"max_concurrent" mapstructure:"max_concurrent"`
	EventBuffer       int           `json:"event_buffer" mapstructure:"event_buffer"`
}

// SchedulerConfig controls scheduled prompts.
type SchedulerConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Interval time.Duration `json:"interval" mapstructure:"interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	Exporter    string  `json:"exporter" mapstructure:"exporter"` // stdout, otlp
	Endpoint    string  `json:"endpoint" mapstructure:"endpoint"`
	Insecure    bool    `json:"insecure" mapstructure:"insecure"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:        "openai",
			Model:           "gpt-4o-mini",
			MaxTokens:       4096,
			SendTemperature: true,
		},
		Agent: AgentConfig{
			MaxIterations:  50,
			PermissionMode: "default",
			Shell:          "sh",
			ProtectedPaths: []string{".env", ".git/**"},
			ToolTimeout:    2 * time.Minute,
			MaxToolOutput:  64 * 1024,
			FetchTimeout:   30 * time.Second,
			Loop: LoopConfig{
				Window:      5,
				Threshold:   3,
				MaxEpisodes: 5,
			},
		},
		Multithread: MultithreadConfig{
			MinThreads:     2,
			MaxThreads:     10,
			DefaultThreads: 3,
			AutoSave:       true,
			Policy:         "majority",
		},
		Storage: StorageConfig{
			RetentionDays: 30,
			PruneInterval: 24 * time.Hour,
		},
		Gateway: GatewayConfig{
			Enabled:           true,
			Host:              "127.0.0.1",
			Port:              8787,
			TickInterval:      30 * time.Second,
			RequestsPerMinute: 120,
			MaxConcurrent:     10,
			EventBuffer:       512,
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   50,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: "valedesk",
			SampleRatio: 1,
		},
	}
}

// DefaultDataDir is ~/.valedesk, or ./.valedesk when the home directory
// cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".valedesk"
	}
	return filepath.Join(home, ".valedesk")
}

// ApplyPaths fills every path left empty from DataDir.
func (c *Config) ApplyPaths() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = filepath.Join(c.DataDir, "sessions.db")
	}
	if c.Multithread.RegistryPath == "" {
		c.Multithread.RegistryPath = filepath.Join(c.DataDir, "multithread.json")
	}
	if c.Storage.AuditLog == "" {
		c.Storage.AuditLog = filepath.Join(c.DataDir, "audit.jsonl")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "logs", "valedesk.log")
	}
}

// Retention converts RetentionDays; zero disables pruning.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionDays) * 24 * time.Hour
}

// String returns the config as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.LLM.APIKey = mask(c.LLM.APIKey)
	masked.Gateway.SharedSecret = mask(c.Gateway.SharedSecret)
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-2:]
}
