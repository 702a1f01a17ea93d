package router

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads router configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := ValidateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Providers: []ProviderConfig{
			{Name: "anthropic", HourlyRequests: 1000, HourlyTokens: 2_000_000, Enabled: true},
			{Name: "openai", HourlyRequests: 1000, HourlyTokens: 2_000_000, Enabled: true},
			{Name: "local", HourlyRequests: 0, HourlyTokens: 0, Enabled: true},
		},
		Preferences: map[string][]string{
			"coding":   {"anthropic", "openai", "local"},
			"review":   {"openai", "anthropic"},
			"planning": {"anthropic", "openai"},
			"docs":     {"local", "openai", "anthropic"},
		},
	}
}

// ValidateConfig validates a router configuration
func ValidateConfig(config *Config) error {
	if len(config.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}

	known := make(map[string]bool, len(config.Providers))
	hasEnabled := false
	for _, p := range config.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name is required")
		}
		if known[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		known[p.Name] = true
		if p.HourlyRequests < 0 || p.HourlyTokens < 0 {
			return fmt.Errorf("provider %q has a negative quota", p.Name)
		}
		if p.Enabled {
			hasEnabled = true
		}
	}
	if !hasEnabled {
		return fmt.Errorf("at least one provider must be enabled")
	}

	for taskType, prefs := range config.Preferences {
		if len(prefs) == 0 {
			return fmt.Errorf("task type %q has an empty preference list", taskType)
		}
		for _, name := range prefs {
			if !known[name] {
				return fmt.Errorf("task type %q prefers unknown provider %q", taskType, name)
			}
		}
	}

	return nil
}
