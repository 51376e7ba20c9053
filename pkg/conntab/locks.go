package conntab

import (
	"sync"

	"golang.org/x/sys/cpu"
)

// paddedLock keeps neighbouring shard locks on separate cache lines.
type paddedLock struct {
	sync.RWMutex
	_ cpu.CacheLinePad
}

// shardLocks is a fixed array of reader/writer locks. A shard covers every
// bucket whose index agrees with it on the low lock bits.
type shardLocks struct {
	locks []paddedLock
	mask  uint32
}

func newShardLocks(bits uint) shardLocks {
	n := 1 << bits
	return shardLocks{locks: make([]paddedLock, n), mask: uint32(n - 1)}
}

func (s *shardLocks) shard(hash uint32) uint32 {
	return hash & s.mask
}

func (s *shardLocks) at(hash uint32) *paddedLock {
	return &s.locks[hash&s.mask]
}

// tableLocks holds one shard array per index. Writers that touch both
// indexes go through lockPair so that every goroutine acquires shard locks
// in the same global order: ascending shard index, server before client on
// equal index.
type tableLocks struct {
	server shardLocks
	client shardLocks
}

func newTableLocks(bits uint) *tableLocks {
	return &tableLocks{server: newShardLocks(bits), client: newShardLocks(bits)}
}

func (l *tableLocks) forDir(dir Direction) *shardLocks {
	if dir == DirClient {
		return &l.client
	}
	return &l.server
}

func (l *tableLocks) lockPair(shash, chash uint32) {
	s, c := l.server.shard(shash), l.client.shard(chash)
	if c < s {
		l.client.at(chash).Lock()
		l.server.at(shash).Lock()
		return
	}
	l.server.at(shash).Lock()
	l.client.at(chash).Lock()
}

func (l *tableLocks) unlockPair(shash, chash uint32) {
	s, c := l.server.shard(shash), l.client.shard(chash)
	if c < s {
		l.server.at(shash).Unlock()
		l.client.at(chash).Unlock()
		return
	}
	l.client.at(chash).Unlock()
	l.server.at(shash).Unlock()
}
