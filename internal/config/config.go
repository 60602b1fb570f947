// Package config loads the retrace.yaml configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"retrace/internal/replay"
)

// Config represents the full retrace.yaml configuration.
type Config struct {
	Listen string       `yaml:"listen"`
	Store  StoreConfig  `yaml:"store"`
	Chrome ChromeConfig `yaml:"chrome"`
	Replay ReplayConfig `yaml:"replay"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type ChromeConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ReplayConfig sets the session defaults; command-line flags and request
// bodies override per replay.
type ReplayConfig struct {
	SpeedMultiplier  float64       `yaml:"speed_multiplier"`
	StopOnError      bool          `yaml:"stop_on_error"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	MinConfidence    float64       `yaml:"min_confidence"`
	MaxStepDelay     time.Duration `yaml:"max_step_delay"`
	ConditionTimeout time.Duration `yaml:"condition_timeout"`
	QuietWindow      time.Duration `yaml:"quiet_window"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

// Default returns the built-in configuration. Parse decodes YAML on
// top of it, so absent keys keep these values while explicit keys,
// including explicit zeros, override them.
func Default() *Config {
	d := replay.DefaultOptions()
	return &Config{
		Listen: "127.0.0.1:8077",
		Store:  StoreConfig{Path: "retrace.db"},
		Chrome: ChromeConfig{Host: "localhost", Port: 9222},
		Replay: ReplayConfig{
			SpeedMultiplier: d.SpeedMultiplier,
			MaxRetries:      d.MaxRetries,
			RetryBackoff:    d.RetryBackoff,
			MinConfidence:   d.MinConfidence,
			MaxStepDelay:    d.MaxStepDelay,
		},
	}
}

// Load reads and parses a retrace.yaml file, applying defaults and
// validation. A missing file yields the pure defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks a Config for logical errors.
func Validate(cfg *Config) error {
	if cfg.Replay.SpeedMultiplier <= 0 {
		return fmt.Errorf("replay.speed_multiplier must be positive")
	}
	if cfg.Replay.MaxRetries < 0 {
		return fmt.Errorf("replay.max_retries must be non-negative")
	}
	if cfg.Replay.MinConfidence < 0 || cfg.Replay.MinConfidence > 1 {
		return fmt.Errorf("replay.min_confidence must be in [0,1]")
	}
	if cfg.Chrome.Port <= 0 || cfg.Chrome.Port > 65535 {
		return fmt.Errorf("chrome.port must be a valid port")
	}
	return nil
}

// Options converts the configured replay defaults into session options.
func (c *Config) Options() replay.Options {
	return replay.Options{
		SpeedMultiplier:  c.Replay.SpeedMultiplier,
		StopOnError:      c.Replay.StopOnError,
		MaxRetries:       c.Replay.MaxRetries,
		RetryBackoff:     c.Replay.RetryBackoff,
		MinConfidence:    c.Replay.MinConfidence,
		MaxStepDelay:     c.Replay.MaxStepDelay,
		ConditionTimeout: c.Replay.ConditionTimeout,
		QuietWindow:      c.Replay.QuietWindow,
		PollInterval:     c.Replay.PollInterval,
	}
}
