package pipeline

import (
	"sort"
	"sync"
	"time"

	"annotation_server/core/domain"
)

// queueItem is the queue's internal record for one enqueued result. It is
// only ever touched under the queue lock.
type queueItem struct {
	result        domain.SearchResult
	priority      domain.Priority
	retryCount    int
	createdAt     time.Time
	nextAttemptAt time.Time
	lastAttemptAt time.Time
	lastError     string
	processing    bool
	failed        bool
}

// attempt is a value copy handed to a dispatch goroutine. Dispatchers never
// see the shared queueItem, so there is nothing for them to race on.
type attempt struct {
	id       int64
	result   domain.SearchResult
	priority domain.Priority
	attempt  int // retry counter after increment, 1 on the first try
}

// annotationQueue is an in-memory priority queue keyed by result ID.
// Ordering is by priority weight descending, then enqueue time ascending.
type annotationQueue struct {
	mu    sync.Mutex
	items map[int64]*queueItem
}

func newAnnotationQueue() *annotationQueue {
	return &annotationQueue{items: make(map[int64]*queueItem)}
}

// enqueue adds a result. Enqueueing an ID that is already queued is a no-op
// apart from adopting the new priority; it reports whether the item was new.
func (q *annotationQueue) enqueue(result *domain.SearchResult, priority domain.Priority, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.items[result.ID]; ok {
		if !existing.processing && !existing.failed {
			existing.priority = priority
		}
		return false
	}

	q.items[result.ID] = &queueItem{
		result:        *result,
		priority:      priority,
		createdAt:     now,
		nextAttemptAt: now,
	}
	return true
}

// nextBatch selects up to limit ready items, marks them processing, bumps
// their retry counters and returns value copies. Selection, ordering and
// state transition happen under one lock acquisition so two ticks can never
// claim the same item.
func (q *annotationQueue) nextBatch(now time.Time, limit int) []attempt {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 {
		return nil
	}

	type candidate struct {
		id   int64
		item *queueItem
	}
	ready := make([]candidate, 0, len(q.items))
	for id, it := range q.items {
		if it.processing || it.failed || it.nextAttemptAt.After(now) {
			continue
		}
		ready = append(ready, candidate{id, it})
	}

	sort.Slice(ready, func(i, j int) bool {
		wi, wj := ready[i].item.priority.Weight(), ready[j].item.priority.Weight()
		if wi != wj {
			return wi > wj
		}
		return ready[i].item.createdAt.Before(ready[j].item.createdAt)
	})

	if len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]attempt, 0, len(ready))
	for _, c := range ready {
		c.item.processing = true
		c.item.retryCount++
		c.item.lastAttemptAt = now
		out = append(out, attempt{
			id:       c.id,
			result:   c.item.result,
			priority: c.item.priority,
			attempt:  c.item.retryCount,
		})
	}
	return out
}

// complete removes a successfully processed item.
func (q *annotationQueue) complete(id int64) {
	q.mu.Lock()
	delete(q.items, id)
	q.mu.Unlock()
}

// scheduleRetry returns a processing item to the pending state with a new
// earliest attempt time and the failure that caused it.
func (q *annotationQueue) scheduleRetry(id int64, nextAt time.Time, cause string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[id]; ok {
		it.processing = false
		it.nextAttemptAt = nextAt
		it.lastError = cause
	}
}

// markFailed flags an item as permanently failed. Failed items stay visible
// in the queue status until the next sweep removes them.
func (q *annotationQueue) markFailed(id int64, cause string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[id]; ok {
		it.processing = false
		it.failed = true
		it.lastError = cause
	}
}

// sweepFailed drops permanently failed items and returns how many were
// removed.
func (q *annotationQueue) sweepFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, it := range q.items {
		if it.failed {
			delete(q.items, id)
			removed++
		}
	}
	return removed
}

func (q *annotationQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *annotationQueue) inFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.processing {
			n++
		}
	}
	return n
}

// status computes a point-in-time breakdown of queue contents.
func (q *annotationQueue) status() domain.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := domain.QueueStatus{
		ByPriority: map[domain.Priority]int{
			domain.PriorityHigh:   0,
			domain.PriorityNormal: 0,
			domain.PriorityLow:    0,
		},
	}
	for _, it := range q.items {
		st.Total++
		st.ByPriority[it.priority]++
		switch {
		case it.failed:
			st.Failed++
		case it.processing:
			st.Processing++
		default:
			st.Pending++
		}
	}
	return st
}

// clear drops all items, including in-flight ones. Dispatch goroutines for
// cleared items finish against their value copies; their completion calls
// become no-ops.
func (q *annotationQueue) clear() {
	q.mu.Lock()
	q.items = make(map[int64]*queueItem)
	q.mu.Unlock()
}
