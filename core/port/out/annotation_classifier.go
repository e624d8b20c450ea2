package out

import (
	"context"

	"annotation_server/core/domain"
)

// ClassifierPort abstracts the external LLM classifier. Implementations are
// assumed to be rate-limited, fallible and costly; the pipeline shields them
// behind its cache, retry policy and concurrency cap.
type ClassifierPort interface {
	// Classify labels a single search result.
	Classify(ctx context.Context, req *domain.ClassifyRequest) (*domain.Classification, error)

	// ClassifyBatch labels several results in one call. A nil entry (or a
	// response slice shorter than reqs) marks the item at that index as
	// failed; an error return means the whole batch failed.
	ClassifyBatch(ctx context.Context, reqs []*domain.ClassifyRequest, batchID string) (*domain.BatchClassification, error)

	// ModelVersion tags cache entries and annotations with the model/prompt
	// revision that produced them.
	ModelVersion() string
}
