package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"vsca/internal/config"
	"vsca/internal/logging"
)

func main() {
	var (
		configPath  string
		doBootstrap bool
	)
	flag.StringVar(&configPath, "config", "agent.yaml", "path to config file")
	flag.BoolVar(&doBootstrap, "bootstrap", false, "generate token and TLS material, write the config and exit")
	flag.Parse()

	if doBootstrap {
		if err := runBootstrap(configPath); err != nil {
			slog.Error("bootstrap error", "err", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		slog.Error("logger error", "err", err)
		os.Exit(1)
	}

	metrics := NewMetrics(prometheus.DefaultRegisterer)
	agent, err := NewAgent(cfg, logger, metrics, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("agent init error", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent error", "err", err)
		time.Sleep(100 * time.Millisecond)
		os.Exit(1)
	}
}

func runBootstrap(path string) error {
	cfg := Config{}
	ok, err := config.Exists(path)
	if err != nil {
		return err
	}
	if ok {
		if err := config.Load(path, &cfg); err != nil {
			return err
		}
	}
	applyDefaults(&cfg)
	if err := bootstrap(path, &cfg); err != nil {
		return err
	}
	fmt.Printf("wrote %s\ntoken: %s\n", path, cfg.Token)
	return nil
}
