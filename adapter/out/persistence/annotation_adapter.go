// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"annotation_server/core/domain"
)

// =============================================================================
// Annotation Adapter
// =============================================================================

// AnnotationAdapter implements out.AnnotationRepository on Postgres.
type AnnotationAdapter struct {
	db *sqlx.DB
}

// NewAnnotationAdapter creates a new AnnotationAdapter.
func NewAnnotationAdapter(db *sqlx.DB) *AnnotationAdapter {
	return &AnnotationAdapter{db: db}
}

// annotationRow represents the database row.
type annotationRow struct {
	ID              int64     `db:"id"`
	ResultID        int64     `db:"result_id"`
	DomainType      string    `db:"domain_type"`
	FactualScore    float64   `db:"factual_score"`
	ConfidenceScore float64   `db:"confidence_score"`
	Reasoning       string    `db:"reasoning"`
	ModelVersion    string    `db:"model_version"`
	FromCache       bool      `db:"from_cache"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r *annotationRow) toEntity() *domain.Annotation {
	return &domain.Annotation{
		ID:              r.ID,
		ResultID:        r.ResultID,
		DomainType:      domain.DomainType(r.DomainType),
		FactualScore:    r.FactualScore,
		ConfidenceScore: r.ConfidenceScore,
		Reasoning:       r.Reasoning,
		ModelVersion:    r.ModelVersion,
		FromCache:       r.FromCache,
		CreatedAt:       r.CreatedAt,
	}
}

// FindByResultID retrieves the annotation for a result, or (nil, nil) when
// none exists.
func (a *AnnotationAdapter) FindByResultID(ctx context.Context, resultID int64) (*domain.Annotation, error) {
	var row annotationRow
	query := `SELECT * FROM annotations WHERE result_id = $1`

	if err := a.db.GetContext(ctx, &row, query, resultID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get annotation: %w", err)
	}

	return row.toEntity(), nil
}

// Create stores a new annotation. A concurrent insert for the same result
// wins silently; one annotation per result is the invariant.
func (a *AnnotationAdapter) Create(ctx context.Context, ann *domain.Annotation) error {
	query := `
		INSERT INTO annotations (
			id, result_id, domain_type, factual_score, confidence_score,
			reasoning, model_version, from_cache, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (result_id) DO NOTHING`

	_, err := a.db.ExecContext(ctx, query,
		ann.ID, ann.ResultID, string(ann.DomainType), ann.FactualScore,
		ann.ConfidenceScore, ann.Reasoning, ann.ModelVersion, ann.FromCache,
		ann.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create annotation: %w", err)
	}
	return nil
}

// =============================================================================
// Query Adapter
// =============================================================================

// QueryAdapter implements out.QueryRepository on Postgres.
type QueryAdapter struct {
	db *sqlx.DB
}

// NewQueryAdapter creates a new QueryAdapter.
func NewQueryAdapter(db *sqlx.DB) *QueryAdapter {
	return &QueryAdapter{db: db}
}

// FindQueryText retrieves the text of a benchmark query.
func (a *QueryAdapter) FindQueryText(ctx context.Context, queryID int64) (string, error) {
	var text string
	query := `SELECT query_text FROM queries WHERE id = $1`

	if err := a.db.GetContext(ctx, &text, query, queryID); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("query %d not found", queryID)
		}
		return "", fmt.Errorf("failed to get query text: %w", err)
	}
	return text, nil
}
