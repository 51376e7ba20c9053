package conntab

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	DefaultTableBits   = 12
	MaxTableBits       = 20
	DefaultExpireGrace = 60 * time.Second

	defaultFlushInterval = time.Millisecond
	maxFlushInterval     = 100 * time.Millisecond
)

type Options struct {
	// TableBits sets both bucket arrays and both lock arrays to
	// 1<<TableBits entries.
	TableBits int
	// MaxConns caps the number of live conns. Create fails with
	// ErrResourceExhausted once it is reached. Zero means no cap.
	MaxConns int64
	// ExpireGrace is the idle timeout an entry is re-armed with after its
	// timer fired but it could not be reclaimed.
	ExpireGrace time.Duration
	// Seed fixes the hash seed. Zero draws a random one.
	Seed uint64
	// FlushInterval is the first poll interval of Flush.
	FlushInterval time.Duration
	Clock         Clock
	Logger        *slog.Logger
}

// Stats are cumulative counters of a table.
type Stats struct {
	Created       uint64
	Freed         uint64
	ExpireRetries uint64
	LookupHits    uint64
	LookupMisses  uint64
	Misuse        uint64
	Violations    uint64
}

// Table is a connection table indexed by server-side and client-side keys.
type Table struct {
	log           *slog.Logger
	clock         Clock
	hash          hasher
	locks         *tableLocks
	sindex        index
	cindex        index
	grace         time.Duration
	maxConns      int64
	flushInterval time.Duration

	count   atomic.Int64
	closing atomic.Bool

	stats struct {
		created    atomic.Uint64
		freed      atomic.Uint64
		retries    atomic.Uint64
		hits       atomic.Uint64
		misses     atomic.Uint64
		misuse     atomic.Uint64
		violations atomic.Uint64
	}
}

func New(opts Options) (*Table, error) {
	bits := opts.TableBits
	if bits == 0 {
		bits = DefaultTableBits
	}
	if bits < 1 || bits > MaxTableBits {
		return nil, fmt.Errorf("%w: %d", ErrTableBits, bits)
	}
	seed := opts.Seed
	if seed == 0 {
		var err error
		if seed, err = randomSeed(); err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	clock := opts.Clock
	if clock == nil {
		clock = StdClock{}
	}
	grace := opts.ExpireGrace
	if grace <= 0 {
		grace = DefaultExpireGrace
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	size := 1 << bits
	t := &Table{
		log:           log,
		clock:         clock,
		hash:          hasher{seed: seed, mask: uint32(size - 1)},
		locks:         newTableLocks(uint(bits)),
		sindex:        newIndex(DirServer, size),
		cindex:        newIndex(DirClient, size),
		grace:         grace,
		maxConns:      opts.MaxConns,
		flushInterval: flushInterval,
	}
	log.Info("connection table configured", "size", size, "locks", size)
	return t, nil
}

func randomSeed() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("hash seed: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Len returns the number of live conns, hashed or not.
func (t *Table) Len() int64 {
	return t.count.Load()
}

func (t *Table) Stats() Stats {
	return Stats{
		Created:       t.stats.created.Load(),
		Freed:         t.stats.freed.Load(),
		ExpireRetries: t.stats.retries.Load(),
		LookupHits:    t.stats.hits.Load(),
		LookupMisses:  t.stats.misses.Load(),
		Misuse:        t.stats.misuse.Load(),
		Violations:    t.stats.violations.Load(),
	}
}

// Create allocates a conn for the server/dest/client triple. The returned
// conn holds one reference owned by the caller and is not yet hashed; the
// caller hashes it and releases it with Put.
func (t *Table) Create(proto Protocol, server, dest, client netip.AddrPort, timeout time.Duration) (*Conn, error) {
	if t.closing.Load() {
		return nil, ErrClosed
	}
	skey, err := NewKey(proto, server)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	ckey, err := NewKey(proto, client)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if !dest.Addr().IsValid() {
		return nil, fmt.Errorf("dest: %w", ErrInvalidAddress)
	}
	if skey.Family != ckey.Family || dest.Addr().Is4() != (skey.Family == FamilyIPv4) {
		return nil, ErrFamilyMismatch
	}
	if n := t.count.Add(1); t.maxConns > 0 && n > t.maxConns {
		t.count.Add(-1)
		return nil, ErrResourceExhausted
	}

	c := &Conn{
		family:  skey.Family,
		proto:   proto,
		server:  skey,
		client:  ckey,
		dest:    dest,
		timeout: timeout,
	}
	c.refcnt.Store(1)
	// Armed by the first Put.
	c.timer = t.clock.AfterFunc(math.MaxInt64, func() { t.expire(c) })
	c.timer.Stop()
	t.stats.created.Add(1)

	t.log.Debug("conn new", "proto", proto, "server", server, "client", client, "dest", dest)
	return c, nil
}

// Hash links c into both indexes and takes the index reference. It returns
// false and changes nothing if c is already hashed.
func (t *Table) Hash(c *Conn) bool {
	if c.freed.Load() {
		t.violation(c, "hash of freed conn")
		return false
	}
	shash, chash := t.hash.bucket(c.server), t.hash.bucket(c.client)

	t.locks.lockPair(shash, chash)
	ok := c.flags.Load()&flagHashed == 0
	if ok {
		t.sindex.buckets[shash].push(c, DirServer)
		t.cindex.buckets[chash].push(c, DirClient)
		c.flags.Or(flagHashed)
		c.refcnt.Add(1)
	}
	t.locks.unlockPair(shash, chash)

	if !ok {
		t.stats.misuse.Add(1)
		t.log.Warn("request for already hashed conn", "server", c.server, "client", c.client)
	}
	return ok
}

// unhash unlinks c from both indexes. It succeeds only when c is hashed and
// its references are exactly the index's and the caller's.
func (t *Table) unhash(c *Conn) bool {
	shash, chash := t.hash.bucket(c.server), t.hash.bucket(c.client)

	t.locks.lockPair(shash, chash)
	ok := c.flags.Load()&flagHashed != 0 && c.refcnt.Load() == 2
	if ok {
		t.sindex.buckets[shash].remove(c, DirServer)
		t.cindex.buckets[chash].remove(c, DirClient)
		c.flags.And(^flagHashed)
		c.refcnt.Add(-1)
	}
	t.locks.unlockPair(shash, chash)
	return ok
}

// Lookup finds the conn whose key for dir equals k and takes a reference on
// it. Every hit must be paired with a Put.
func (t *Table) Lookup(k Key, dir Direction) (*Conn, bool) {
	h := t.hash.bucket(k)
	ix := &t.sindex
	if dir == DirClient {
		ix = &t.cindex
	}
	l := t.locks.forDir(dir).at(h)

	l.RLock()
	c := ix.find(h, k)
	if c != nil {
		c.refcnt.Add(1)
	}
	l.RUnlock()

	if c == nil {
		t.stats.misses.Add(1)
		return nil, false
	}
	t.stats.hits.Add(1)
	return c, true
}

// LookupAddr is Lookup with the key built from proto and ap.
func (t *Table) LookupAddr(proto Protocol, ap netip.AddrPort, dir Direction) (*Conn, bool) {
	k, err := NewKey(proto, ap)
	if err != nil {
		t.stats.misses.Add(1)
		return nil, false
	}
	return t.Lookup(k, dir)
}

// Put releases a reference obtained from Create or Lookup and re-arms the
// idle timer.
func (t *Table) Put(c *Conn) {
	if c.freed.Load() {
		t.violation(c, "put of freed conn")
		return
	}
	c.timer.Reset(c.Timeout())
	t.release(c)
}

func (t *Table) release(c *Conn) {
	if n := c.refcnt.Add(-1); n < 0 {
		t.violation(c, "negative refcount")
	}
}

// expire runs when c's timer fires.
func (t *Table) expire(c *Conn) {
	if !c.expiring.CompareAndSwap(false, true) {
		return
	}
	if c.freed.Load() {
		return
	}

	c.SetTimeout(t.grace)
	c.refcnt.Add(1)

	// A successful unhash leaves only our reference: the index reference is
	// gone and nobody can look c up any more.
	if t.unhash(c) {
		t.free(c)
		return
	}
	// Never hashed and nobody else holds it.
	if c.flags.Load()&flagHashed == 0 && c.refcnt.Load() == 1 {
		t.free(c)
		return
	}
	t.expireLater(c)
}

func (t *Table) expireLater(c *Conn) {
	t.stats.retries.Add(1)
	t.log.Debug("conn expire delayed", "server", c.server, "refs", c.refcnt.Load()-1)
	c.expiring.Store(false)
	t.Put(c)
}

// free drops c for good. The caller holds the last reference.
func (t *Table) free(c *Conn) {
	if c.flags.Load()&flagHashed != 0 || c.refcnt.Load() != 1 {
		t.violation(c, "free of referenced conn")
		return
	}
	c.timer.Stop()
	c.freed.Store(true)
	c.refcnt.Add(-1)
	t.count.Add(-1)
	t.stats.freed.Add(1)

	t.log.Debug("conn expire", "proto", c.proto, "server", c.server, "client", c.client, "dest", c.dest)
}

func (t *Table) violation(c *Conn, what string) {
	t.stats.violations.Add(1)
	t.log.Error("conn invariant violated", "what", what, "server", c.server, "client", c.client,
		"refs", c.refcnt.Load(), "hashed", c.Hashed())
}

// expireNow fires c's timer immediately if it is pending.
func expireNow(c *Conn) {
	if c.timer.Stop() {
		c.timer.Reset(0)
	}
}

// Flush forces every hashed conn to expire and blocks until no live conns
// remain or ctx is done.
func (t *Table) Flush(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.flushInterval
	b.MaxInterval = maxFlushInterval
	b.MaxElapsedTime = 0

	// The sleep between attempts is capped at maxFlushInterval, so ctx is
	// checked by the operation rather than by the backoff.
	op := func() error {
		t.expireAll()
		n := t.count.Load()
		if n == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("%d conns still live", n)
	}
	notify := func(err error, next time.Duration) {
		t.log.Debug("flush again", "err", err, "next", next)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (t *Table) expireAll() {
	for i := range t.sindex.buckets {
		l := t.locks.server.at(uint32(i))
		l.Lock()
		for c := t.sindex.buckets[i].head; c != nil; c = c.slink.next {
			expireNow(c)
		}
		l.Unlock()
	}
}

// Close refuses further creates and flushes the table.
func (t *Table) Close(ctx context.Context) error {
	t.closing.Store(true)
	if err := t.Flush(ctx); err != nil {
		return err
	}
	t.log.Info("connection table drained", "freed", t.stats.freed.Load())
	return nil
}

// Range calls fn with a copy of every hashed conn until fn returns false.
// fn runs without any table lock held.
func (t *Table) Range(fn func(ConnInfo) bool) {
	var infos []ConnInfo
	for i := range t.sindex.buckets {
		l := t.locks.server.at(uint32(i))
		l.RLock()
		for c := t.sindex.buckets[i].head; c != nil; c = c.slink.next {
			infos = append(infos, c.Info())
		}
		l.RUnlock()
		for _, info := range infos {
			if !fn(info) {
				return
			}
		}
		infos = infos[:0]
	}
}

// Snapshot returns a copy of every hashed conn.
func (t *Table) Snapshot() []ConnInfo {
	var out []ConnInfo
	t.Range(func(info ConnInfo) bool {
		out = append(out, info)
		return true
	})
	return out
}
