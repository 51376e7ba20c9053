package main

import (
	"fmt"
	"net/netip"
	"time"

	"vsca/internal/config"
	"vsca/internal/policy"
	"vsca/pkg/conntab"
)

type rateConfig struct {
	PPS   int           `yaml:"pps"`
	Burst int           `yaml:"burst"`
	TTL   time.Duration `yaml:"ttl,omitempty"`
}

type Config struct {
	TableBits   int             `yaml:"table_bits"`
	MaxConns    int64           `yaml:"max_conns"`
	ExpireGrace time.Duration   `yaml:"expire_grace"`
	Timeouts    policy.Timeouts `yaml:"timeouts"`

	TunName     string `yaml:"tun_name"`
	TunAddr     string `yaml:"tun_addr"`
	MTU         int    `yaml:"mtu"`
	ReadWorkers int    `yaml:"read_workers"`

	APIAddr string `yaml:"api_addr"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	Token   string `yaml:"token"`

	MetricsAddr string `yaml:"metrics_addr"`
	HealthAddr  string `yaml:"health_addr"`
	PprofAddr   string `yaml:"pprof_addr"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`

	CreateRate       rateConfig `yaml:"create_rate"`
	CreateClientRate rateConfig `yaml:"create_client_rate"`
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
	if cfg.TableBits == 0 {
		cfg.TableBits = conntab.DefaultTableBits
	}
	if cfg.ExpireGrace == 0 {
		cfg.ExpireGrace = conntab.DefaultExpireGrace
	}
	cfg.Timeouts.ApplyDefaults()
	if cfg.TunName == "" {
		cfg.TunName = "vsca0"
	}
	if cfg.MTU == 0 {
		cfg.MTU = 1500
	}
	if cfg.ReadWorkers == 0 {
		cfg.ReadWorkers = 1
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = ":7443"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9100"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = ":9200"
	}
	if cfg.CreateRate.PPS == 0 {
		cfg.CreateRate.PPS = 20000
	}
	if cfg.CreateRate.Burst == 0 {
		cfg.CreateRate.Burst = 40000
	}
	if cfg.CreateClientRate.PPS == 0 {
		cfg.CreateClientRate.PPS = 200
	}
	if cfg.CreateClientRate.Burst == 0 {
		cfg.CreateClientRate.Burst = 400
	}
	if cfg.CreateClientRate.TTL == 0 {
		cfg.CreateClientRate.TTL = time.Minute
	}
}

func validateConfig(cfg Config) error {
	if cfg.TableBits < 1 || cfg.TableBits > conntab.MaxTableBits {
		return fmt.Errorf("table_bits must be in [1, %d]", conntab.MaxTableBits)
	}
	if cfg.MaxConns < 0 {
		return fmt.Errorf("max_conns must not be negative")
	}
	if err := cfg.Timeouts.Validate(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	if cfg.TunAddr != "" {
		if _, err := netip.ParsePrefix(cfg.TunAddr); err != nil {
			return fmt.Errorf("tun_addr: %w", err)
		}
	}
	if cfg.ReadWorkers < 1 {
		return fmt.Errorf("read_workers must be positive")
	}
	if cfg.TLSCert == "" || cfg.TLSKey == "" {
		return fmt.Errorf("tls_cert and tls_key are required")
	}
	if cfg.Token == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}

func (cfg Config) tableOptions() conntab.Options {
	return conntab.Options{
		TableBits:   cfg.TableBits,
		MaxConns:    cfg.MaxConns,
		ExpireGrace: cfg.ExpireGrace,
	}
}
