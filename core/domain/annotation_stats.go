package domain

// PipelineStats is a point-in-time snapshot of the pipeline's counters.
// QueueSize and CacheSize are refreshed at snapshot time, not cumulative.
type PipelineStats struct {
	TotalProcessed   int64   `json:"total_processed"`
	TotalCacheHits   int64   `json:"total_cache_hits"`
	TotalCacheMisses int64   `json:"total_cache_misses"`
	TotalRetries     int64   `json:"total_retries"`
	TotalFailures    int64   `json:"total_failures"`
	AvgProcessingMs  float64 `json:"avg_processing_ms"`
	QueueSize        int     `json:"queue_size"`
	CacheSize        int     `json:"cache_size"`
}

// QueueStatus is computed from current queue contents. Failed counts items
// that exhausted their retries but have not been swept yet, not historical
// failures.
type QueueStatus struct {
	Total      int              `json:"total"`
	Processing int              `json:"processing"`
	Pending    int              `json:"pending"`
	Failed     int              `json:"failed"`
	ByPriority map[Priority]int `json:"by_priority"`
}
