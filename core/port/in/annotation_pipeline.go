package in

import (
	"context"

	"annotation_server/core/domain"
)

// AnnotationPipeline is the operational surface of the annotation engine,
// consumed by the collectors (enqueue side) and operational tooling.
type AnnotationPipeline interface {
	Enqueue(ctx context.Context, result *domain.SearchResult, priority domain.Priority) (int64, error)
	EnqueueBatch(ctx context.Context, results []*domain.SearchResult, priority domain.Priority) ([]int64, error)

	Start()
	Stop()

	GetStats() domain.PipelineStats
	GetQueueStatus() domain.QueueStatus

	ClearCache()
	ClearQueue()
}
