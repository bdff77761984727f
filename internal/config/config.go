// Package config loads client and dev-server configuration from an optional
// YAML file with EQUIDUTY_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config carries the knobs shared by the CLI, the smoke binary and the dev
// server. Secrets (EQUIDUTY_AUTH_SECRET) stay in the environment and never
// live in the file.
type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	BaseURL       string `yaml:"base_url"`
	Debug         bool   `yaml:"debug"`
	RateBurst     int    `yaml:"rate_burst"`
	RatePerSecond int    `yaml:"rate_per_second"`
	MaxWindowDays int    `yaml:"max_window_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:    ":8080",
		BaseURL:       "http://localhost:8080",
		RateBurst:     50,
		RatePerSecond: 25,
		MaxWindowDays: 92,
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty and no equiduty.yaml exists), then
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = "equiduty.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Optional default file; carry on with defaults.
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("EQUIDUTY_LISTEN_ADDR")); v != "" {
		c.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("EQUIDUTY_BASE_URL")); v != "" {
		c.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("EQUIDUTY_DEBUG")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("EQUIDUTY_DEBUG: %w", err)
		}
		c.Debug = parsed
	}
	for _, e := range []struct {
		name string
		dst  *int
	}{
		{"EQUIDUTY_RATE_BURST", &c.RateBurst},
		{"EQUIDUTY_RATE_PER_SECOND", &c.RatePerSecond},
		{"EQUIDUTY_MAX_WINDOW_DAYS", &c.MaxWindowDays},
	} {
		v := strings.TrimSpace(os.Getenv(e.name))
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
		*e.dst = parsed
	}
	return nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.RateBurst <= 0 || c.RatePerSecond <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.MaxWindowDays <= 0 {
		return fmt.Errorf("max_window_days must be positive")
	}
	return nil
}
