// Package cache provides the Redis tier behind the in-memory classification
// cache.
package cache

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"annotation_server/core/domain"
)

const keyPrefix = "annotation:cache:"

// RedisMirror implements out.CacheMirrorPort on Redis. Entries are stored as
// JSON under annotation:cache:<content-hash> with the pipeline's TTL, so
// Redis expires them on its own even if no sweep runs.
type RedisMirror struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisMirror creates a mirror on an existing client.
func NewRedisMirror(client *redis.Client, log zerolog.Logger) *RedisMirror {
	return &RedisMirror{
		client: client,
		log:    log.With().Str("component", "redis_cache_mirror").Logger(),
	}
}

// Get returns the mirrored entry, or (nil, nil) on a miss.
func (m *RedisMirror) Get(ctx context.Context, contentHash string) (*domain.CacheEntry, error) {
	data, err := m.client.Get(ctx, keyPrefix+contentHash).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt entry is unrecoverable; drop it and report a miss.
		m.client.Del(ctx, keyPrefix+contentHash)
		m.log.Warn().Err(err).Str("hash", contentHash).Msg("dropping corrupt cache entry")
		return nil, nil
	}
	return &entry, nil
}

// Set stores an entry with the given TTL.
func (m *RedisMirror) Set(ctx context.Context, entry *domain.CacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return m.client.Set(ctx, keyPrefix+entry.ContentHash, data, ttl).Err()
}

// Clear removes every mirrored entry. SCAN keeps the deletion incremental so
// a large cache never blocks the server the way KEYS would.
func (m *RedisMirror) Clear(ctx context.Context) error {
	iter := m.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()

	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := m.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return m.client.Del(ctx, batch...).Err()
	}
	return nil
}
