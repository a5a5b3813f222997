package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. VALEDESK_LLM_API_KEY.
const EnvPrefix = "VALEDESK"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file when present, applies environment overrides
// and fills derived paths. A missing file yields defaults plus environment.
// A .env file next to the config file feeds the environment without
// replacing variables that are already set.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if err := loadDotEnv(configPath); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := registerKeys(v, DefaultConfig()); err != nil {
		return nil, err
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ApplyPaths()

	return cfg, nil
}

// Save writes cfg as JSON to the loader's path.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("no config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	// The file may hold an API key.
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	if env := os.Getenv(EnvPrefix + "_CONFIG"); env != "" {
		return env
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".valedesk", "config.json")
}

func loadDotEnv(configPath string) error {
	if configPath == "" {
		return nil
	}
	file := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load %s: %w", file, err)
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}

// registerKeys makes viper aware of every leaf key so AutomaticEnv can
// override keys the file never mentions. Unset leaves (nil pointers, nil
// slices) are bound to the environment without a default.
func registerKeys(v *viper.Viper, defaults *Config) error {
	data, err := json.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}

	for key, value := range flatten("", tree) {
		if value == nil {
			if err := v.BindEnv(key); err != nil {
				return err
			}
			continue
		}
		v.SetDefault(key, value)
	}
	// Omitted from the JSON defaults because it is a nil pointer.
	return v.BindEnv("llm.temperature")
}

func flatten(prefix string, tree map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]interface{}); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
