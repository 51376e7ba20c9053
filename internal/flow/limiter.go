package flow

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

// CreateLimiter admits new conns, globally and per original client address.
// A nil CreateLimiter admits everything.
type CreateLimiter struct {
	global    *rate.Limiter
	perClient *clientLimiter
}

type clientLimiter struct {
	rate      rate.Limit
	burst     int
	ttl       time.Duration
	entries   *xsync.MapOf[netip.Addr, *clientLimiterEntry]
	lastSweep atomic.Int64
	now       func() time.Time
}

type clientLimiterEntry struct {
	limiter *rate.Limiter
	last    atomic.Int64
}

func NewCreateLimiter(globalPPS, globalBurst int, clientPPS, clientBurst int, ttl time.Duration) *CreateLimiter {
	var global *rate.Limiter
	if globalPPS > 0 && globalBurst > 0 {
		global = rate.NewLimiter(rate.Limit(globalPPS), globalBurst)
	}
	var perClient *clientLimiter
	if clientPPS > 0 && clientBurst > 0 {
		if ttl <= 0 {
			ttl = time.Minute
		}
		perClient = &clientLimiter{
			rate:    rate.Limit(clientPPS),
			burst:   clientBurst,
			ttl:     ttl,
			entries: xsync.NewMapOf[netip.Addr, *clientLimiterEntry](),
			now:     time.Now,
		}
	}
	return &CreateLimiter{global: global, perClient: perClient}
}

func (l *CreateLimiter) Allow(client netip.Addr) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.perClient != nil && client.IsValid() {
		return l.perClient.Allow(client)
	}
	return true
}

// Clients returns the number of client addresses with limiter state.
func (l *CreateLimiter) Clients() int {
	if l == nil || l.perClient == nil {
		return 0
	}
	return l.perClient.entries.Size()
}

func (l *clientLimiter) Allow(client netip.Addr) bool {
	now := l.now()
	ns := now.UnixNano()
	if last := l.lastSweep.Load(); ns-last > int64(l.ttl) && l.lastSweep.CompareAndSwap(last, ns) {
		l.sweep(ns)
	}
	entry, _ := l.entries.LoadOrCompute(client, func() *clientLimiterEntry {
		return &clientLimiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
	})
	entry.last.Store(ns)
	return entry.limiter.AllowN(now, 1)
}

func (l *clientLimiter) sweep(now int64) {
	l.entries.Range(func(client netip.Addr, entry *clientLimiterEntry) bool {
		if now-entry.last.Load() > int64(l.ttl) {
			l.entries.Delete(client)
		}
		return true
	})
}
