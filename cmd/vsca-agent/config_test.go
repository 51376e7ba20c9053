package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	body := "tls_cert: c.pem\ntls_key: k.pem\ntoken: t\ntimeouts:\n  udp: 5s\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.TableBits != 12 || cfg.APIAddr != ":7443" || cfg.TunName != "vsca0" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Timeouts.UDP != 5*time.Second || cfg.Timeouts.TCP != 60*time.Second {
		t.Fatalf("timeouts = %+v", cfg.Timeouts)
	}
	if cfg.CreateClientRate.TTL != time.Minute {
		t.Fatalf("client rate ttl = %v", cfg.CreateClientRate.TTL)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"table bits", func(c *Config) { c.TableBits = 30 }, "table_bits"},
		{"token", func(c *Config) { c.Token = "" }, "token"},
		{"tun addr", func(c *Config) { c.TunAddr = "10.0.0.1" }, "tun_addr"},
		{"timeouts", func(c *Config) { c.Timeouts.TCPClosing = 2 * time.Hour }, "timeouts"},
		{"max conns", func(c *Config) { c.MaxConns = -1 }, "max_conns"},
	}
	for _, tc := range cases {
		cfg := testConfig()
		tc.mutate(&cfg)
		err := validateConfig(cfg)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v", tc.name, err)
		}
	}
	if err := validateConfig(testConfig()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestBootstrapWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "agent.yaml")
	if err := runBootstrap(path); err != nil {
		t.Fatalf("runBootstrap: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Token == "" || filepath.Dir(cfg.TLSCert) != filepath.Dir(path) {
		t.Fatalf("bootstrap config = %+v", cfg)
	}
	for _, p := range []string{cfg.TLSCert, cfg.TLSKey} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("missing %s: %v", p, err)
		}
	}

	// A second run keeps the existing token.
	if err := runBootstrap(path); err != nil {
		t.Fatalf("second runBootstrap: %v", err)
	}
	again, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if again.Token != cfg.Token {
		t.Fatalf("token rotated on second bootstrap")
	}
}
