package main

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"vsca/internal/iputil"
	"vsca/pkg/conntab"
	"vsca/pkg/vsca"
)

var (
	director = netip.MustParseAddrPort("10.0.0.9:40000")
	backend  = netip.MustParseAddrPort("10.0.0.2:8080")
	client   = netip.MustParseAddrPort("1.2.3.4:5555")
)

func testConfig() Config {
	cfg := Config{TLSCert: "cert.pem", TLSKey: "key.pem", Token: "secret"}
	applyDefaults(&cfg)
	cfg.Timeouts.TCP = time.Hour
	cfg.Timeouts.TCPClosing = time.Minute
	return cfg
}

func newTestAgent(t *testing.T) (*Agent, *prometheus.Registry) {
	t.Helper()
	cfg := testConfig()
	table, err := conntab.New(cfg.tableOptions())
	if err != nil {
		t.Fatalf("conntab.New: %v", err)
	}
	reg := prometheus.NewRegistry()
	registerTable(reg, table)
	a := newAgent(cfg, slog.New(slog.DiscardHandler), NewMetrics(reg), table)
	a.ready.Store(true)
	t.Cleanup(func() {
		if err := a.drain(); err != nil {
			t.Errorf("drain: %v", err)
		}
	})
	return a, reg
}

// tcpPacket builds an IPv4 TCP packet, with a TOA option when toa is valid.
func tcpPacket(src, dst netip.AddrPort, flags uint8, toa netip.AddrPort) []byte {
	var opts []byte
	if toa.IsValid() {
		opts = iputil.AppendTOA(nil, toa)
	}
	pkt := make([]byte, 40+len(opts))
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	pkt[9] = iputil.ProtoTCP
	s, d := src.Addr().As4(), dst.Addr().As4()
	copy(pkt[12:16], s[:])
	copy(pkt[16:20], d[:])
	tcp := pkt[20:]
	binary.BigEndian.PutUint16(tcp[0:2], src.Port())
	binary.BigEndian.PutUint16(tcp[2:4], dst.Port())
	tcp[12] = byte((20+len(opts))/4) << 4
	tcp[13] = flags
	copy(tcp[20:], opts)
	return pkt
}

// fakeDevice replays packets and then blocks until closed.
type fakeDevice struct {
	packets [][]byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeDevice(packets ...[]byte) *fakeDevice {
	return &fakeDevice{packets: packets, closed: make(chan struct{})}
}

func (d *fakeDevice) Read(buf []byte) (int, error) {
	if len(d.packets) > 0 {
		n := copy(buf, d.packets[0])
		d.packets = d.packets[1:]
		return n, nil
	}
	<-d.closed
	return 0, io.EOF
}

func (d *fakeDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func TestReadLoopTracksPackets(t *testing.T) {
	a, _ := newTestAgent(t)
	dev := newFakeDevice(
		tcpPacket(director, backend, iputil.TCPFlagSYN, client),
		tcpPacket(backend, director, iputil.TCPFlagSYN|iputil.TCPFlagACK, netip.AddrPort{}),
		tcpPacket(netip.MustParseAddrPort("10.9.9.9:1"), backend, iputil.TCPFlagACK, netip.AddrPort{}),
		[]byte{0x45, 0},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.readLoop(ctx, dev) }()

	deadline := time.Now().Add(5 * time.Second)
	for testutil.ToFloat64(a.metrics.drops.WithLabelValues("bad_packet")) < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("packets not processed")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	dev.Close()
	if err := <-done; err != nil {
		t.Fatalf("readLoop: %v", err)
	}

	for result, want := range map[string]float64{"created": 1, "matched": 1, "untracked": 1} {
		if got := testutil.ToFloat64(a.metrics.packets.WithLabelValues(result)); got != want {
			t.Fatalf("packets{%s} = %v, want %v", result, got, want)
		}
	}
	c, ok := a.table.LookupAddr(conntab.ProtoTCP, client, conntab.DirClient)
	if !ok {
		t.Fatalf("conn for TOA client missing")
	}
	if c.Server() != director || c.Dest() != backend {
		t.Fatalf("conn = %v -> %v", c.Server(), c.Dest())
	}
	a.table.Put(c)
}

func TestReadLoopReportsDeviceError(t *testing.T) {
	a, _ := newTestAgent(t)
	dev := newFakeDevice()
	dev.Close()
	if err := a.readLoop(context.Background(), dev); !errors.Is(err, io.EOF) {
		t.Fatalf("readLoop err = %v, want EOF", err)
	}
}

func postLookup(t *testing.T, a *Agent, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, vsca.LookupPath, strings.NewReader(body))
	req.Header.Set(vsca.TokenHeader, token)
	rec := httptest.NewRecorder()
	a.lookupHandler(rec, req)
	return rec
}

func TestLookupHandler(t *testing.T) {
	a, reg := newTestAgent(t)
	a.handlePacket(tcpPacket(director, backend, iputil.TCPFlagSYN, client))

	body := `{"version":1,"protocol":"tcp","addr":"10.0.0.9:40000","direction":"server"}`
	rec := postLookup(t, a, "secret", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp, err := vsca.ReadLookupResponse(rec.Body)
	if err != nil {
		t.Fatalf("ReadLookupResponse: %v", err)
	}
	if !resp.Found || resp.Conn.Client != client.String() || resp.Conn.Dest != backend.String() {
		t.Fatalf("response = %+v", resp)
	}
	// Index plus the handler's own reference.
	if resp.Conn.Refs != 2 {
		t.Fatalf("refs while handled = %d, want 2", resp.Conn.Refs)
	}
	// The handler returned its reference.
	c, _ := a.table.LookupAddr(conntab.ProtoTCP, director, conntab.DirServer)
	if c.Refs() != 2 {
		t.Fatalf("refs after handler = %d, want 2", c.Refs())
	}
	a.table.Put(c)

	rec = postLookup(t, a, "secret", `{"version":1,"protocol":"tcp","addr":"10.0.0.9:1"}`)
	resp, err = vsca.ReadLookupResponse(rec.Body)
	if err != nil || resp.Found {
		t.Fatalf("miss response = %+v, %v", resp, err)
	}

	if rec := postLookup(t, a, "wrong", body); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
	if rec := postLookup(t, a, "secret", `{"version":1,"protocol":"icmp","addr":"1.1.1.1:1"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad request status = %d", rec.Code)
	}

	if got := testutil.ToFloat64(a.metrics.lookups.WithLabelValues("hit")); got != 1 {
		t.Fatalf("lookups{hit} = %v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "vsca_conns_active"); err != nil || n != 1 {
		t.Fatalf("vsca_conns_active series = %d, %v", n, err)
	}
}

func TestConnsHandler(t *testing.T) {
	a, _ := newTestAgent(t)
	a.handlePacket(tcpPacket(director, backend, iputil.TCPFlagSYN, client))
	a.handlePacket(tcpPacket(netip.MustParseAddrPort("10.0.0.9:40001"), backend, iputil.TCPFlagSYN,
		netip.MustParseAddrPort("5.6.7.8:1000")))

	req := httptest.NewRequest(http.MethodGet, vsca.ConnsPath, nil)
	req.Header.Set(vsca.TokenHeader, "secret")
	rec := httptest.NewRecorder()
	a.connsHandler(rec, req)
	resp, err := vsca.ReadConnsResponse(rec.Body)
	if err != nil {
		t.Fatalf("ReadConnsResponse: %v", err)
	}
	if resp.Count != 2 || len(resp.Conns) != 2 {
		t.Fatalf("conns = %+v", resp)
	}

	rec = httptest.NewRecorder()
	a.connsHandler(rec, httptest.NewRequest(http.MethodPost, vsca.ConnsPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d", rec.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	a, _ := newTestAgent(t)
	rec := httptest.NewRecorder()
	a.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d", rec.Code)
	}
	a.ready.Store(false)
	rec = httptest.NewRecorder()
	a.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready status = %d", rec.Code)
	}
}
