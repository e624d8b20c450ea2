package out

import (
	"context"
	"time"

	"annotation_server/core/domain"
)

// CacheMirrorPort is an optional second cache tier behind the in-memory one.
// It lets classifications survive process restarts and be shared between
// pipeline instances. Implementations must treat all failures as misses; the
// pipeline never fails an item over a mirror error.
type CacheMirrorPort interface {
	// Get returns the mirrored entry, or (nil, nil) on a miss.
	Get(ctx context.Context, contentHash string) (*domain.CacheEntry, error)

	// Set stores an entry with the given TTL.
	Set(ctx context.Context, entry *domain.CacheEntry, ttl time.Duration) error

	// Clear drops all mirrored entries.
	Clear(ctx context.Context) error
}
