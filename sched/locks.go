// Package sched is the coordinator's concurrency fabric: per-swap
// serialization, a coarse timer wheel for deadline work, per-ledger rate
// limiting, and a bounded worker pool.
package sched

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// KeyedLocks serializes work per swap id. The key space is sharded so two
// swaps rarely contend, while one swap never runs two actions at once.
type KeyedLocks struct {
	shards [lockShards]sync.Mutex
}

// NewKeyedLocks builds the shard set.
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{}
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockShards
}

// Do runs fn while holding the shard lock for key. At most one action is in
// flight per swap; distinct swaps on distinct shards proceed concurrently.
func (k *KeyedLocks) Do(key string, fn func()) {
	shard := &k.shards[shardFor(key)]
	shard.Lock()
	defer shard.Unlock()
	fn()
}
