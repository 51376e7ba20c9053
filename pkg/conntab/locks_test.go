package conntab

import (
	"sync"
	"testing"
	"time"
)

func TestLockPairOrderingNoDeadlock(t *testing.T) {
	l := newTableLocks(4)
	pairs := [][2]uint32{{3, 7}, {7, 3}, {5, 5}, {7, 7}, {3, 3}}

	var wg sync.WaitGroup
	for _, p := range pairs {
		wg.Add(1)
		go func(shash, chash uint32) {
			defer wg.Done()
			for i := 0; i < 20000; i++ {
				l.lockPair(shash, chash)
				l.unlockPair(shash, chash)
			}
		}(p[0], p[1])
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatalf("lockPair deadlocked")
	}
}

func TestLockPairExcludesReaders(t *testing.T) {
	l := newTableLocks(4)
	l.lockPair(3, 7)
	if l.server.at(3).TryRLock() {
		t.Fatalf("server shard 3 readable while pair held")
	}
	if l.client.at(7).TryRLock() {
		t.Fatalf("client shard 7 readable while pair held")
	}
	if !l.client.at(3).TryRLock() {
		t.Fatalf("unrelated client shard 3 should be readable")
	}
	l.client.at(3).RUnlock()
	l.unlockPair(3, 7)

	l.lockPair(5, 5)
	if l.server.at(5).TryRLock() || l.client.at(5).TryRLock() {
		t.Fatalf("aliased shards readable while pair held")
	}
	l.unlockPair(5, 5)
	if !l.server.at(5).TryLock() {
		t.Fatalf("server shard 5 still held after unlock")
	}
	l.server.at(5).Unlock()
}

func TestShardDerivedFromBucket(t *testing.T) {
	l := newShardLocks(4)
	if got := l.shard(0x1234); got != 0x4 {
		t.Fatalf("shard = %#x, want 0x4", got)
	}
	if l.at(0x13) != &l.locks[3] {
		t.Fatalf("at(0x13) is not shard 3")
	}
}
