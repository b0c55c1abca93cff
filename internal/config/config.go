// Package config handles Loom configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/loom/config.yaml, /etc/loom/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "loom", "config.yaml"))
	}

	paths = append(paths, "/etc/loom/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Loom configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	Model     ModelConfig     `yaml:"model"`
	Execution ExecutionConfig `yaml:"execution"`
	Subagents SubagentsConfig `yaml:"subagents"`
	Auth      AuthConfig      `yaml:"auth"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelConfig selects the content producer.
type ModelConfig struct {
	// Provider is "scripted" (deterministic, default) or "ollama".
	Provider string `yaml:"provider"`
	// BaseURL is the Ollama-compatible server, e.g. http://localhost:11434.
	BaseURL string `yaml:"base_url"`
	// Name is the model name sent to the remote provider.
	Name string `yaml:"name"`
}

// ExecutionConfig bounds the code execution engine.
type ExecutionConfig struct {
	// EnabledLanguages limits which languages may execute. Empty enables
	// every language in the dispatch table.
	EnabledLanguages []string `yaml:"enabled_languages"`
	// DefaultTimeoutSec applies when a request carries no timeout (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
	// MaxTimeoutSec caps requested timeouts (default 300).
	MaxTimeoutSec int `yaml:"max_timeout_sec"`
	// MaxOutputBytes truncates captured stdout/stderr (default 102400).
	MaxOutputBytes int `yaml:"max_output_bytes"`
	// MaxConcurrent bounds simultaneous executions (default 4).
	MaxConcurrent int `yaml:"max_concurrent"`
	// GracePeriodSec is the SIGTERM-to-SIGKILL window (default 2).
	GracePeriodSec int `yaml:"grace_period_sec"`
}

// SubagentsConfig tunes delegated runs.
type SubagentsConfig struct {
	// Enabled allows the model to delegate to subagents (default true
	// when the section is present).
	Enabled bool `yaml:"enabled"`
}

// AuthConfig is the optional bearer-token identity stub.
type AuthConfig struct {
	// TokenBcrypt is the bcrypt hash of the accepted bearer token.
	// Empty disables authentication.
	TokenBcrypt string `yaml:"token_bcrypt"`
}

// MQTTConfig defines the optional telemetry publisher.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"` // e.g. tcp://localhost:1883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Model:  ModelConfig{Provider: "scripted"},
		Execution: ExecutionConfig{
			EnabledLanguages:  []string{"python", "javascript", "bash"},
			DefaultTimeoutSec: 30,
			MaxTimeoutSec:     300,
			MaxOutputBytes:    100 * 1024,
			MaxConcurrent:     4,
			GracePeriodSec:    2,
		},
		Subagents: SubagentsConfig{Enabled: true},
		MQTT:      MQTTConfig{DeviceName: "loom", PublishIntervalSec: 60},
	}
}
