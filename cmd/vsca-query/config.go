package main

import (
	"fmt"
	"net"
	"time"

	"vsca/internal/config"
)

type Config struct {
	Server   string        `yaml:"server"`
	Token    string        `yaml:"token"`
	CAFile   string        `yaml:"ca_file"`
	Insecure bool          `yaml:"insecure"`
	Timeout  time.Duration `yaml:"timeout"`
	LogLevel string        `yaml:"log_level"`
	LogJSON  bool          `yaml:"log_json"`
}

func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if err := config.Load(path, &cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "warn"
	}
}

func validateConfig(cfg Config) error {
	if cfg.Server == "" {
		return fmt.Errorf("server is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Server); err != nil {
		return fmt.Errorf("invalid server address: %w", err)
	}
	if cfg.Token == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}
