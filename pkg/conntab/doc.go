// Package conntab implements a sharded connection table that records the
// (client, virtual server, real server) addressing of proxied flows.
//
// Every conn is linked into two hash indexes at once, one keyed by the
// server-side address and one keyed by the client-side address, so either
// direction of traffic resolves in a single bucket walk. Each index has its
// own array of reader/writer shard locks. Lookups take one read lock; Hash
// and the expiry path take the two write locks in ascending shard order.
//
// Conns are reference counted. The index holds one reference while a conn is
// hashed and every Create or Lookup hands one to the caller, who returns it
// with Put. Put re-arms the idle timer; when the timer fires and nobody but
// the index holds the conn, it is unlinked and dropped. Otherwise the timer
// is re-armed and the check repeats after the expire grace period.
package conntab
