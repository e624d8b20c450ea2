package domain

import "time"

// CacheEntry is one memoized classification, keyed by the content hash of the
// result it was computed from.
type CacheEntry struct {
	ContentHash    string         `json:"content_hash"`
	Classification Classification `json:"classification"`
	ModelVersion   string         `json:"model_version"`
	CachedAt       time.Time      `json:"cached_at"`
	Hits           int64          `json:"hits"`
}
