package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"vsca/internal/bufferpool"
	"vsca/internal/flow"
	"vsca/internal/iputil"
	"vsca/internal/netcfg"
	"vsca/internal/tun"
	"vsca/pkg/conntab"
	"vsca/pkg/vsca"
)

const (
	maxPacketSize = 65535
	drainTimeout  = 10 * time.Second
)

// packetDevice is one capture queue.
type packetDevice interface {
	Read(buf []byte) (int, error)
	Close() error
}

type Agent struct {
	cfg        Config
	log        *slog.Logger
	metrics    *Metrics
	table      *conntab.Table
	tracker    *flow.Tracker
	devices    []packetDevice
	devName    string
	packetPool *bufferpool.Pool

	ready atomic.Bool
}

func NewAgent(cfg Config, log *slog.Logger, metrics *Metrics, reg prometheus.Registerer) (*Agent, error) {
	opts := cfg.tableOptions()
	opts.Logger = log.With("component", "conntab")
	table, err := conntab.New(opts)
	if err != nil {
		return nil, fmt.Errorf("conn table: %w", err)
	}
	registerTable(reg, table)

	a := newAgent(cfg, log, metrics, table)
	for i := 0; i < cfg.ReadWorkers; i++ {
		dev, err := tun.Open(cfg.TunName, cfg.ReadWorkers > 1)
		if err != nil {
			a.closeDevices()
			return nil, fmt.Errorf("tun open: %w", err)
		}
		a.devices = append(a.devices, dev)
		a.devName = dev.Name
	}
	return a, nil
}

func newAgent(cfg Config, log *slog.Logger, metrics *Metrics, table *conntab.Table) *Agent {
	limiter := flow.NewCreateLimiter(
		cfg.CreateRate.PPS, cfg.CreateRate.Burst,
		cfg.CreateClientRate.PPS, cfg.CreateClientRate.Burst, cfg.CreateClientRate.TTL,
	)
	return &Agent{
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		table:      table,
		tracker:    flow.NewTracker(table, cfg.Timeouts, limiter, log.With("component", "flow")),
		packetPool: bufferpool.New(maxPacketSize),
	}
}

func (a *Agent) Serve(ctx context.Context) error {
	if err := a.configureNetwork(); err != nil {
		return err
	}
	defer func() {
		if err := netcfg.DownInterface(a.devName); err != nil {
			a.log.Warn("tun down failed", "err", err)
		}
	}()

	tlsCert, err := tls.LoadX509KeyPair(a.cfg.TLSCert, a.cfg.TLSKey)
	if err != nil {
		return fmt.Errorf("load cert: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(vsca.LookupPath, a.lookupHandler)
	mux.HandleFunc(vsca.ConnsPath, a.connsHandler)
	h3srv := &http3.Server{
		Addr:    a.cfg.APIAddr,
		Handler: mux,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{tlsCert},
			NextProtos:   []string{http3.NextProtoH3},
			MinVersion:   tls.VersionTLS13,
		},
		QUICConfig: &quic.Config{
			MaxIdleTimeout:        30 * time.Second,
			MaxIncomingStreams:    64,
			MaxIncomingUniStreams: 16,
		},
	}

	metricsSrv, healthSrv := a.startMetricsServer()
	pprofSrv := a.startPprofServer()
	a.ready.Store(true)
	a.log.Info("agent started", "tun", a.devName, "queues", len(a.devices), "api", a.cfg.APIAddr)

	g, gctx := errgroup.WithContext(ctx)
	for _, dev := range a.devices {
		g.Go(func() error {
			return a.readLoop(gctx, dev)
		})
	}
	g.Go(func() error {
		if err := h3srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.ready.Store(false)
		_ = h3srv.Close()
		for _, srv := range []*http.Server{metricsSrv, healthSrv, pprofSrv} {
			if srv != nil {
				_ = srv.Close()
			}
		}
		a.closeDevices()
		return nil
	})
	err = g.Wait()

	if derr := a.drain(); derr != nil {
		a.log.Warn("conn table drain incomplete", "err", derr, "conns", a.table.Len())
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (a *Agent) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	return a.table.Close(ctx)
}

func (a *Agent) configureNetwork() error {
	var prefix netip.Prefix
	if a.cfg.TunAddr != "" {
		p, err := netip.ParsePrefix(a.cfg.TunAddr)
		if err != nil {
			return fmt.Errorf("parse tun_addr: %w", err)
		}
		prefix = p
	}
	if err := netcfg.ConfigureInterface(netcfg.InterfaceConfig{
		Name:   a.devName,
		Prefix: prefix,
		MTU:    a.cfg.MTU,
	}); err != nil {
		return fmt.Errorf("configure tun: %w", err)
	}
	return nil
}

func (a *Agent) closeDevices() {
	for _, dev := range a.devices {
		if err := dev.Close(); err != nil {
			a.log.Debug("tun close", "err", err)
		}
	}
}

func (a *Agent) readLoop(ctx context.Context, dev packetDevice) error {
	for {
		buf := a.packetPool.Get()
		n, err := dev.Read(*buf)
		if err != nil {
			a.packetPool.Put(buf)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tun read: %w", err)
		}
		if n > 0 {
			a.handlePacket((*buf)[:n])
		}
		a.packetPool.Put(buf)
	}
}

func (a *Agent) handlePacket(pkt []byte) {
	outcome, err := a.tracker.Handle(pkt)
	if err != nil {
		a.metrics.drops.WithLabelValues(dropReason(err)).Inc()
		return
	}
	a.metrics.packets.WithLabelValues(outcome.String()).Inc()
	switch outcome {
	case flow.OutcomeRateLimited, flow.OutcomeExhausted, flow.OutcomeRejected:
		a.metrics.drops.WithLabelValues(outcome.String()).Inc()
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, iputil.ErrFragment):
		return "fragment"
	case errors.Is(err, iputil.ErrUnsupportedProto):
		return "unsupported_proto"
	default:
		return "bad_packet"
	}
}

func (a *Agent) startMetricsServer() (*http.Server, *http.Server) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", a.healthHandler)
	metricsSrv := a.listen("metrics", a.cfg.MetricsAddr, mux)

	if a.cfg.HealthAddr == "" || a.cfg.HealthAddr == a.cfg.MetricsAddr {
		return metricsSrv, nil
	}
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", a.healthHandler)
	return metricsSrv, a.listen("health", a.cfg.HealthAddr, healthMux)
}

func (a *Agent) startPprofServer() *http.Server {
	if a.cfg.PprofAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return a.listen("pprof", a.cfg.PprofAddr, mux)
}

func (a *Agent) listen(name, addr string, h http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error(name+" server error", "err", err)
		}
	}()
	return srv
}
