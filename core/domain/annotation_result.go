// Package domain holds the core entities of the annotation service.
package domain

// Priority determines scheduling order within the annotation queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is one of the known priority tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Weight returns the numeric rank used for queue ordering (higher first).
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 0
	}
}

// SearchResult is one collected search-engine result awaiting annotation.
// Results are produced by the collectors; the pipeline only consumes them.
type SearchResult struct {
	ID      int64  `json:"id"`
	QueryID int64  `json:"query_id"`
	Engine  string `json:"engine"`
	Rank    int    `json:"rank"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}
