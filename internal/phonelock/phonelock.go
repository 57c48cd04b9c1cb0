// Package phonelock serializes work per phone number. All inbound
// processing, onboarding transitions, and reply sends for one number run
// one after the other; different numbers proceed in parallel.
package phonelock

import (
	"hash/fnv"
	"sync"
)

const defaultShards = 256

// Mutex is a keyed mutex sharded by FNV hash of the key. Two keys landing
// on the same shard serialize with each other, which only costs latency,
// never correctness.
type Mutex struct {
	shards []sync.Mutex
}

// New builds a keyed mutex with the given shard count (power of two
// recommended); n <= 0 uses the default.
func New(n int) *Mutex {
	if n <= 0 {
		n = defaultShards
	}
	return &Mutex{shards: make([]sync.Mutex, n)}
}

// Lock acquires the shard for key and returns its unlock function.
func (m *Mutex) Lock(key string) func() {
	shard := &m.shards[m.index(key)]
	shard.Lock()
	return shard.Unlock
}

func (m *Mutex) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
