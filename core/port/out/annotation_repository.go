package out

import (
	"context"

	"annotation_server/core/domain"
)

// AnnotationRepository persists classifier output.
type AnnotationRepository interface {
	// FindByResultID returns the existing annotation for a result, or
	// (nil, nil) when none exists. Used as the idempotence check.
	FindByResultID(ctx context.Context, resultID int64) (*domain.Annotation, error)

	// Create stores a new annotation record. Implementations must be
	// idempotent per result id.
	Create(ctx context.Context, ann *domain.Annotation) error
}

// QueryRepository resolves benchmark query text for classifier requests.
// Query text is immutable post-creation, so lookups may be memoized.
type QueryRepository interface {
	FindQueryText(ctx context.Context, queryID int64) (string, error)
}
