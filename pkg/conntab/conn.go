package conntab

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

const flagHashed uint32 = 1 << 0

// Conn is one tracked flow. Callers receive a Conn from Create or Lookup and
// must hand it back with Table.Put once they are done with it.
type Conn struct {
	family Family
	proto  Protocol
	server Key
	client Key
	dest   netip.AddrPort

	// flags is written only while both of the conn's shard write locks are
	// held; reads outside the locks are advisory.
	flags  atomic.Uint32
	refcnt atomic.Int32

	// expiring collapses concurrent firings of the timer. It stays set once
	// the conn has been freed.
	expiring atomic.Bool
	freed    atomic.Bool

	timer Timer

	mu      sync.Mutex
	state   uint16
	timeout time.Duration

	slink link
	clink link
}

type link struct {
	next, prev *Conn
}

func (c *Conn) link(dir Direction) *link {
	if dir == DirClient {
		return &c.clink
	}
	return &c.slink
}

func (c *Conn) key(dir Direction) *Key {
	if dir == DirClient {
		return &c.client
	}
	return &c.server
}

func (c *Conn) Family() Family { return c.family }
func (c *Conn) Protocol() Protocol { return c.proto }
func (c *Conn) Server() netip.AddrPort { return c.server.AddrPort() }
func (c *Conn) Client() netip.AddrPort { return c.client.AddrPort() }
func (c *Conn) Dest() netip.AddrPort { return c.dest }
func (c *Conn) ServerKey() Key { return c.server }
func (c *Conn) ClientKey() Key { return c.client }
func (c *Conn) Hashed() bool { return c.flags.Load()&flagHashed != 0 }
func (c *Conn) Refs() int32 { return c.refcnt.Load() }
func (c *Conn) Freed() bool { return c.freed.Load() }

// Timeout is the idle duration Put arms the expiry timer with.
func (c *Conn) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// SetTimeout changes the idle duration used by the next Put.
func (c *Conn) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// State returns the protocol-specific state bits.
func (c *Conn) State() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState replaces the protocol-specific state bits and returns the old
// value.
func (c *Conn) SetState(state uint16) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.state
	c.state = state
	return old
}

// UpdateState applies fn to the state bits and the idle timeout atomically
// with respect to other state updates.
func (c *Conn) UpdateState(fn func(state uint16, timeout time.Duration) (uint16, time.Duration)) {
	c.mu.Lock()
	c.state, c.timeout = fn(c.state, c.timeout)
	c.mu.Unlock()
}

// ConnInfo is a point-in-time copy of a Conn.
type ConnInfo struct {
	Family   Family
	Protocol Protocol
	Server   netip.AddrPort
	Client   netip.AddrPort
	Dest     netip.AddrPort
	State    uint16
	Timeout  time.Duration
	Refs     int32
	Hashed   bool
}

// Info copies the conn's fields.
func (c *Conn) Info() ConnInfo {
	c.mu.Lock()
	state, timeout := c.state, c.timeout
	c.mu.Unlock()
	return ConnInfo{
		Family:   c.family,
		Protocol: c.proto,
		Server:   c.server.AddrPort(),
		Client:   c.client.AddrPort(),
		Dest:     c.dest,
		State:    state,
		Timeout:  timeout,
		Refs:     c.refcnt.Load(),
		Hashed:   c.Hashed(),
	}
}

// bucket is an intrusive doubly linked list threaded through the conn's
// per-index link.
type bucket struct {
	head *Conn
}

func (b *bucket) push(c *Conn, dir Direction) {
	l := c.link(dir)
	l.prev = nil
	l.next = b.head
	if b.head != nil {
		b.head.link(dir).prev = c
	}
	b.head = c
}

func (b *bucket) remove(c *Conn, dir Direction) {
	l := c.link(dir)
	if l.prev != nil {
		l.prev.link(dir).next = l.next
	} else {
		b.head = l.next
	}
	if l.next != nil {
		l.next.link(dir).prev = l.prev
	}
	l.next, l.prev = nil, nil
}

// index is one of the two bucket arrays.
type index struct {
	dir     Direction
	buckets []bucket
}

func newIndex(dir Direction, size int) index {
	return index{dir: dir, buckets: make([]bucket, size)}
}

func (ix *index) find(hash uint32, k Key) *Conn {
	for c := ix.buckets[hash].head; c != nil; c = c.link(ix.dir).next {
		if *c.key(ix.dir) == k {
			return c
		}
	}
	return nil
}
