// cmd/stylize/config.go
package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lumix-ai/stylize/internal/history"
	"github.com/lumix-ai/stylize/internal/progress"
	"github.com/lumix-ai/stylize/internal/transfer"
	"github.com/lumix-ai/stylize/internal/weights"
)

type Config struct {
	Transfer transfer.Config `yaml:"transfer"`
	Weights  weights.Config  `yaml:"weights"`
	History  history.Config  `yaml:"history"`
	Progress progress.Config `yaml:"progress"`
	Image    ImageConfig     `yaml:"image"`
	Logging  LoggingConfig   `yaml:"logging"`
}

type ImageConfig struct {
	// MaxSide scales larger inputs down on load; 0 keeps them as they are.
	MaxSide int `yaml:"max_side"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() *Config {
	cfg := &Config{
		Transfer: transfer.DefaultConfig(),
		Weights:  weights.DefaultConfig(),
		History:  history.DefaultConfig(),
		Progress: progress.DefaultConfig(),
		Logging:  LoggingConfig{Level: "info", Format: "console"},
	}
	cfg.Transfer.Iterations = defaultIterations
	return cfg
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return config, nil
}

func validateConfig(config *Config) error {
	if err := config.Transfer.Validate(); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	if err := config.Weights.Validate(); err != nil {
		return fmt.Errorf("weights: %w", err)
	}
	if err := config.History.Validate(); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if config.Image.MaxSide < 0 {
		return fmt.Errorf("image max_side cannot be negative")
	}
	switch config.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", config.Logging.Format)
	}
	return nil
}
