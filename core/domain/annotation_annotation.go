package domain

import "time"

// DomainType is the categorical label assigned to a result's source.
type DomainType string

const (
	DomainNews       DomainType = "news"
	DomainGovernment DomainType = "government"
	DomainAcademic   DomainType = "academic"
	DomainBlog       DomainType = "blog"
	DomainCommercial DomainType = "commercial"
	DomainSocial     DomainType = "social"
	DomainReference  DomainType = "reference"
	DomainOther      DomainType = "other"
)

// Valid reports whether d is one of the known domain types.
func (d DomainType) Valid() bool {
	switch d {
	case DomainNews, DomainGovernment, DomainAcademic, DomainBlog,
		DomainCommercial, DomainSocial, DomainReference, DomainOther:
		return true
	}
	return false
}

// NormalizeDomainType maps an arbitrary classifier label onto a known
// domain type, falling back to DomainOther for anything unrecognized.
func NormalizeDomainType(s string) DomainType {
	d := DomainType(s)
	if d.Valid() {
		return d
	}
	return DomainOther
}

// Annotation is a persisted classification of one search result.
type Annotation struct {
	ID              int64      `json:"id"`
	ResultID        int64      `json:"result_id"`
	DomainType      DomainType `json:"domain_type"`
	FactualScore    float64    `json:"factual_score"`
	ConfidenceScore float64    `json:"confidence_score"`
	Reasoning       string     `json:"reasoning"`
	ModelVersion    string     `json:"model_version"`
	FromCache       bool       `json:"from_cache"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ClassifyRequest is the input handed to the classifier capability.
type ClassifyRequest struct {
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	URL       string `json:"url"`
	QueryText string `json:"query_text"`
}

// Classification is the classifier's verdict for one request.
// Scores are clamped to [0,1] by the adapter before they reach the core.
type Classification struct {
	DomainType      DomainType `json:"domain_type"`
	FactualScore    float64    `json:"factual_score"`
	ConfidenceScore float64    `json:"confidence_score"`
	Reasoning       string     `json:"reasoning"`
}

// BatchClassification is the result of one batched classifier call.
// Responses may be shorter than the request slice, and individual entries
// may be nil; both mean the item at that index failed and must be retried.
type BatchClassification struct {
	BatchID   string            `json:"batch_id"`
	Responses []*Classification `json:"responses"`
	Errors    []string          `json:"errors,omitempty"`
}
