package intel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// EnrichCache stores externally enriched address records so the expensive
// enrichment phase never hits a vendor twice for the same address within
// the TTL.
type EnrichCache interface {
	Get(ctx context.Context, blockchain, address string) (Record, bool)
	Put(ctx context.Context, r Record)
}

// RedisEnrichCache is the shared cache used when Redis is configured.
type RedisEnrichCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisEnrichCache wraps a Redis client. A zero ttl defaults to 24h.
func NewRedisEnrichCache(client *redis.Client, ttl time.Duration) *RedisEnrichCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisEnrichCache{client: client, ttl: ttl}
}

func enrichKey(blockchain, address string) string {
	return "whaletide:enrich:" + key(blockchain, address)
}

// Get implements EnrichCache.
func (c *RedisEnrichCache) Get(ctx context.Context, blockchain, address string) (Record, bool) {
	data, err := c.client.Get(ctx, enrichKey(blockchain, address)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Msg("Enrichment cache read failed")
		}
		return Record{}, false
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, false
	}
	return r, true
}

// Put implements EnrichCache.
func (c *RedisEnrichCache) Put(ctx context.Context, r Record) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, enrichKey(r.Blockchain, r.Address), data, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Msg("Enrichment cache write failed")
	}
}

// MemoryEnrichCache is the in-process fallback when Redis is not configured.
type MemoryEnrichCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
}

type memoryEntry struct {
	record   Record
	cachedAt time.Time
}

// NewMemoryEnrichCache creates an in-memory cache. A zero ttl defaults to 24h.
func NewMemoryEnrichCache(ttl time.Duration) *MemoryEnrichCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryEnrichCache{entries: make(map[string]memoryEntry), ttl: ttl}
}

// Get implements EnrichCache.
func (c *MemoryEnrichCache) Get(_ context.Context, blockchain, address string) (Record, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key(blockchain, address)]
	c.mu.RUnlock()
	if !ok || time.Since(entry.cachedAt) > c.ttl {
		return Record{}, false
	}
	return entry.record, true
}

// Put implements EnrichCache.
func (c *MemoryEnrichCache) Put(_ context.Context, r Record) {
	c.mu.Lock()
	c.entries[key(r.Blockchain, r.Address)] = memoryEntry{record: r, cachedAt: time.Now()}
	c.mu.Unlock()
}
