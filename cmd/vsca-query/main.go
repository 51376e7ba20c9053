package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/sugawarayuuta/sonnet"

	"vsca/internal/logging"
	"vsca/pkg/conntab"
	"vsca/pkg/vsca"
)

const usage = `usage: vsca-query [-config file] lookup <tcp|udp> <addr:port> [server|client]
       vsca-query [-config file] conns`

var errUsage = errors.New(usage)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "query.yaml", "path to config file")
	flag.Usage = func() { fmt.Fprintln(flag.CommandLine.Output(), usage) }
	flag.Parse()

	cfg, err := LoadConfig(configPath)
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	logger, err := logging.NewWriter(os.Stderr, cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		slog.Error("logger error", "err", err)
		os.Exit(1)
	}

	hc, closer, err := newHTTP3Client(cfg)
	if err != nil {
		logger.Error("client init error", "err", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := newAPIClient(hc, "https", cfg.Server, cfg.Token)
	if err := run(ctx, api, flag.Args(), os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		logger.Error("query failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, api *apiClient, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "lookup":
		req, err := parseLookupArgs(args[1:])
		if err != nil {
			return err
		}
		resp, err := api.Lookup(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(out, resp)
	case "conns":
		resp, err := api.Conns(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, resp)
	default:
		return errUsage
	}
}

// printJSON writes v indented. sonnet's encoder does not end the value with
// a newline.
func printJSON(out io.Writer, v any) error {
	enc := sonnet.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	_, err := io.WriteString(out, "\n")
	return err
}

func parseLookupArgs(args []string) (vsca.LookupRequest, error) {
	if len(args) < 2 || len(args) > 3 {
		return vsca.LookupRequest{}, errUsage
	}
	proto, err := conntab.ParseProtocol(args[0])
	if err != nil {
		return vsca.LookupRequest{}, err
	}
	ap, err := netip.ParseAddrPort(args[1])
	if err != nil {
		return vsca.LookupRequest{}, fmt.Errorf("parse addr: %w", err)
	}
	dir := conntab.DirServer
	if len(args) == 3 {
		if dir, err = conntab.ParseDirection(args[2]); err != nil {
			return vsca.LookupRequest{}, err
		}
	}
	return vsca.NewLookupRequest(proto, ap, dir), nil
}
