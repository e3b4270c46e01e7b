package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"authguard/internal/config"
)

// Manager assigns stable buckets from opaque identifiers. The rate limit
// store uses it to pick a counter shard per (rule, client) key, the audit
// pipeline uses it to partition security events.
type Manager struct {
	counterShards int
	eventBuckets  int
	hasherPool    sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		counterShards: cfg.Bucketing.CounterShards,
		eventBuckets:  cfg.Bucketing.EventBuckets,
	}

	// Pool of hash functions to avoid per-call allocation
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// CounterShard returns the shard index for a counter key (0 to shards-1).
func (m *Manager) CounterShard(key string) int {
	return int(m.hashKey(key) % uint64(m.counterShards))
}

// EventBucket returns the partition bucket for a security event identifier.
func (m *Manager) EventBucket(identifier string) int {
	return int(m.hashKey(identifier) % uint64(m.eventBuckets))
}

// TimeBucket aligns now to the start of its window, in unix seconds.
func (m *Manager) TimeBucket(windowSeconds int) int64 {
	return time.Now().Unix() / int64(windowSeconds) * int64(windowSeconds)
}

// DateBucket returns the UTC day partition for event storage.
func (m *Manager) DateBucket() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (m *Manager) CounterShards() int {
	return m.counterShards
}

func (m *Manager) hashKey(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
