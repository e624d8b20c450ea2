package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"annotation_server/core/domain"
	"annotation_server/core/port/out"
)

// ContentHash derives the cache key for a result from the fields the
// classifier actually sees. Identical content always maps to the same key
// regardless of result ID, engine or rank.
func ContentHash(title, snippet, url string) string {
	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(snippet))
	h.Write([]byte{0})
	h.Write([]byte(url))
	return hex.EncodeToString(h.Sum(nil))
}

// resultCache is the in-memory classification cache with TTL expiry and
// capacity eviction. A mirror, when configured, acts as a second tier that is
// consulted on misses and written through on stores. Mirror errors are logged
// and treated as misses.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]*domain.CacheEntry

	maxSize int
	ttl     time.Duration

	mirror out.CacheMirrorPort
	log    zerolog.Logger
}

func newResultCache(cfg Config, mirror out.CacheMirrorPort, log zerolog.Logger) *resultCache {
	return &resultCache{
		entries: make(map[string]*domain.CacheEntry),
		maxSize: cfg.CacheMaxSize,
		ttl:     cfg.CacheTTL,
		mirror:  mirror,
		log:     log.With().Str("component", "result_cache").Logger(),
	}
}

// get looks up a classification by content hash. Expired entries are evicted
// on read. A local miss falls through to the mirror; mirror hits are
// rehydrated into the local tier.
func (c *resultCache) get(ctx context.Context, hash string, now time.Time) (*domain.CacheEntry, bool) {
	c.mu.Lock()
	if e, ok := c.entries[hash]; ok {
		if now.Sub(e.CachedAt) > c.ttl {
			delete(c.entries, hash)
		} else {
			e.Hits++
			cp := *e
			c.mu.Unlock()
			return &cp, true
		}
	}
	c.mu.Unlock()

	if c.mirror == nil {
		return nil, false
	}

	entry, err := c.mirror.Get(ctx, hash)
	if err != nil {
		c.log.Warn().Err(err).Str("hash", hash).Msg("cache mirror read failed")
		return nil, false
	}
	if entry == nil {
		return nil, false
	}

	// Rehydrate locally. The mirror enforces its own TTL, so the entry
	// restarts its local lifetime from now.
	entry.CachedAt = now
	c.store(entry)

	cp := *entry
	return &cp, true
}

// put stores a fresh classification under its content hash and writes it
// through to the mirror.
func (c *resultCache) put(ctx context.Context, hash string, cls *domain.Classification, modelVersion string, now time.Time) {
	entry := &domain.CacheEntry{
		ContentHash:    hash,
		Classification: *cls,
		ModelVersion:   modelVersion,
		CachedAt:       now,
	}
	c.store(entry)

	if c.mirror != nil {
		if err := c.mirror.Set(ctx, entry, c.ttl); err != nil {
			c.log.Warn().Err(err).Str("hash", hash).Msg("cache mirror write failed")
		}
	}
}

// store inserts an entry, evicting the oldest 10% (at least one) when at
// capacity.
func (c *resultCache) store(entry *domain.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[entry.ContentHash]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[entry.ContentHash] = entry
}

// evictOldest removes the 10% of entries with the oldest CachedAt, at least
// one. Caller holds the lock.
func (c *resultCache) evictOldest() {
	n := len(c.entries) / 10
	if n < 1 {
		n = 1
	}

	type aged struct {
		hash string
		at   time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for h, e := range c.entries {
		all = append(all, aged{h, e.CachedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	for i := 0; i < n && i < len(all); i++ {
		delete(c.entries, all[i].hash)
	}
}

// sweep removes every expired entry and returns how many were dropped.
func (c *resultCache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for h, e := range c.entries {
		if now.Sub(e.CachedAt) > c.ttl {
			delete(c.entries, h)
			removed++
		}
	}
	return removed
}

func (c *resultCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// clear drops the local tier and the mirror.
func (c *resultCache) clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]*domain.CacheEntry)
	c.mu.Unlock()

	if c.mirror != nil {
		if err := c.mirror.Clear(ctx); err != nil {
			c.log.Warn().Err(err).Msg("cache mirror clear failed")
		}
	}
}
