package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// MirroredCache layers the in-process LRU over an optional Redis instance
// acting as a warm, best-effort second-level tier. Redis is never the
// source of truth and is never required for correctness: every miss still
// falls back to the caller's own reassembly path, and every Redis error is
// logged and treated as a miss.
type MirroredCache struct {
	local *LRU
	rdb   *redis.Client
	ttl   time.Duration
	log   *logrus.Entry
}

// NewMirrored wraps local with an optional Redis mirror. rdb may be nil,
// in which case MirroredCache behaves exactly like local.
func NewMirrored(local *LRU, rdb *redis.Client, ttl time.Duration, log *logrus.Entry) *MirroredCache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if ttl <= 0 {
		ttl = 1 * time.Hour
	}
	return &MirroredCache{local: local, rdb: rdb, ttl: ttl, log: log.WithField("component", "cache")}
}

// Get checks the in-process LRU first, then the Redis mirror. A Redis hit
// is promoted back into the local LRU.
func (m *MirroredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if data, ok := m.local.Get(key); ok {
		return data, true
	}
	if m.rdb == nil {
		return nil, false
	}

	data, err := m.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			m.log.WithError(err).Warn("redis mirror get failed, treating as miss")
		}
		return nil, false
	}
	m.local.Add(key, data)
	return data, true
}

// Add stores into the local LRU and, best-effort, mirrors into Redis with
// the configured TTL.
func (m *MirroredCache) Add(ctx context.Context, key string, data []byte) {
	m.local.Add(key, data)
	if m.rdb == nil {
		return
	}
	if err := m.rdb.Set(ctx, key, data, m.ttl).Err(); err != nil {
		m.log.WithError(err).Warn("redis mirror set failed")
	}
}

// Evict removes key from both tiers.
func (m *MirroredCache) Evict(ctx context.Context, key string) {
	m.local.Evict(key)
	if m.rdb == nil {
		return
	}
	if err := m.rdb.Del(ctx, key).Err(); err != nil {
		m.log.WithError(err).Warn("redis mirror del failed")
	}
}

// EvictByPrefix removes matching keys from the local tier; Redis entries
// expire on their own TTL rather than being scanned, since SCAN-based
// prefix deletes are an expensive, blocking operation this cache avoids
// on the hot path.
func (m *MirroredCache) EvictByPrefix(prefix string) {
	m.local.EvictByPrefix(prefix)
}

// Clear empties the local tier. The Redis mirror is left to its TTLs.
func (m *MirroredCache) Clear() {
	m.local.Clear()
}
