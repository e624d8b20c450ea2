package pipeline

import (
	"sync"
	"time"

	"annotation_server/core/domain"
)

// statsWindow is the number of recent processing durations retained for the
// rolling average.
const statsWindow = 100

// statsCollector accumulates pipeline counters and a ring buffer of recent
// processing times. All methods are safe for concurrent use.
type statsCollector struct {
	mu sync.Mutex

	totalProcessed   int64
	totalCacheHits   int64
	totalCacheMisses int64
	totalRetries     int64
	totalFailures    int64

	durations [statsWindow]time.Duration
	head      int
	filled    int
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

func (s *statsCollector) recordProcessed(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalProcessed++
	s.durations[s.head] = d
	s.head = (s.head + 1) % statsWindow
	if s.filled < statsWindow {
		s.filled++
	}
}

func (s *statsCollector) recordCacheHit() {
	s.mu.Lock()
	s.totalCacheHits++
	s.mu.Unlock()
}

func (s *statsCollector) recordCacheMiss() {
	s.mu.Lock()
	s.totalCacheMisses++
	s.mu.Unlock()
}

func (s *statsCollector) recordRetry() {
	s.mu.Lock()
	s.totalRetries++
	s.mu.Unlock()
}

func (s *statsCollector) recordFailure() {
	s.mu.Lock()
	s.totalFailures++
	s.mu.Unlock()
}

// snapshot returns the counters with queue and cache sizes filled in by the
// caller at read time.
func (s *statsCollector) snapshot(queueSize, cacheSize int) domain.PipelineStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avgMs float64
	if s.filled > 0 {
		var sum time.Duration
		for i := 0; i < s.filled; i++ {
			sum += s.durations[i]
		}
		avgMs = float64(sum.Microseconds()) / float64(s.filled) / 1000
	}

	return domain.PipelineStats{
		TotalProcessed:   s.totalProcessed,
		TotalCacheHits:   s.totalCacheHits,
		TotalCacheMisses: s.totalCacheMisses,
		TotalRetries:     s.totalRetries,
		TotalFailures:    s.totalFailures,
		AvgProcessingMs:  avgMs,
		QueueSize:        queueSize,
		CacheSize:        cacheSize,
	}
}
