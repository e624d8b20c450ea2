package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"annotation_server/core/domain"
	"annotation_server/core/port/in"
)

var _ in.AnnotationPipeline = (*Service)(nil)

// ============================================================
// Fakes
// ============================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeClassifier struct {
	mu            sync.Mutex
	classifyFn    func(req *domain.ClassifyRequest) (*domain.Classification, error)
	batchFn       func(reqs []*domain.ClassifyRequest) (*domain.BatchClassification, error)
	classifyCalls int
	batchCalls    int
	gate          chan struct{} // when set, Classify blocks until it receives
}

func (f *fakeClassifier) Classify(_ context.Context, req *domain.ClassifyRequest) (*domain.Classification, error) {
	f.mu.Lock()
	f.classifyCalls++
	fn := f.classifyFn
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fn != nil {
		return fn(req)
	}
	return sampleClassification(), nil
}

func (f *fakeClassifier) ClassifyBatch(_ context.Context, reqs []*domain.ClassifyRequest, batchID string) (*domain.BatchClassification, error) {
	f.mu.Lock()
	f.batchCalls++
	fn := f.batchFn
	f.mu.Unlock()

	if fn != nil {
		bc, err := fn(reqs)
		if bc != nil {
			bc.BatchID = batchID
		}
		return bc, err
	}

	out := &domain.BatchClassification{
		BatchID:   batchID,
		Responses: make([]*domain.Classification, len(reqs)),
	}
	for i := range reqs {
		out.Responses[i] = sampleClassification()
	}
	return out, nil
}

func (f *fakeClassifier) ModelVersion() string { return "test-model/v2" }

func (f *fakeClassifier) calls() (classify, batch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.classifyCalls, f.batchCalls
}

type fakeRepo struct {
	mu          sync.Mutex
	anns        map[int64]*domain.Annotation
	failCreates int
	findErr     error
	queries     map[int64]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		anns:    make(map[int64]*domain.Annotation),
		queries: map[int64]string{1: "test query"},
	}
}

func (r *fakeRepo) FindByResultID(_ context.Context, resultID int64) (*domain.Annotation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	if ann, ok := r.anns[resultID]; ok {
		cp := *ann
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeRepo) Create(_ context.Context, ann *domain.Annotation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreates > 0 {
		r.failCreates--
		return errors.New("connection reset")
	}
	if _, exists := r.anns[ann.ResultID]; !exists {
		cp := *ann
		r.anns[ann.ResultID] = &cp
	}
	return nil
}

func (r *fakeRepo) FindQueryText(_ context.Context, queryID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if text, ok := r.queries[queryID]; ok {
		return text, nil
	}
	return "", fmt.Errorf("query %d not found", queryID)
}

func (r *fakeRepo) get(resultID int64) *domain.Annotation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.anns[resultID]
}

func (r *fakeRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.anns)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) typesFor(id int64) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, ev := range r.events {
		if ev.ResultID == id {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (r *recorder) countType(tp EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == tp {
			n++
		}
	}
	return n
}

// ============================================================
// Harness
// ============================================================

type harness struct {
	svc        *Service
	classifier *fakeClassifier
	repo       *fakeRepo
	events     *recorder
	clock      *fakeClock
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.MaxConcurrentJobs = 4
	cfg.MaxRetries = 3
	cfg.BaseRetryDelay = 2 * time.Second
	cfg.MaxRetryDelay = 60 * time.Second
	cfg.BatchingEnabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	classifier := &fakeClassifier{}
	repo := newFakeRepo()
	events := &recorder{}
	clock := newFakeClock()

	svc, err := NewService(cfg, Deps{
		Classifier:  classifier,
		Annotations: repo,
		Queries:     repo,
		Notifier:    events,
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.clock = clock.now
	svc.backoff.jitter = func() float64 { return 0 }

	return &harness{svc, classifier, repo, events, clock}
}

// step runs one scheduler tick and waits for its dispatches to settle.
func (h *harness) step() {
	h.svc.tick()
	h.svc.dispatch.Wait()
}

// ============================================================
// Tests
// ============================================================

func TestNewService_Validation(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := NewService(cfg, Deps{Logger: zerolog.Nop()}); err == nil {
		t.Fatal("missing dependencies accepted")
	}

	bad := DefaultConfig()
	bad.MaxConcurrentJobs = 0
	classifier := &fakeClassifier{}
	repo := newFakeRepo()
	if _, err := NewService(bad, Deps{Classifier: classifier, Annotations: repo, Queries: repo}); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestEnqueue_Validation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.svc.Enqueue(ctx, nil, domain.PriorityNormal); err == nil {
		t.Error("nil result accepted")
	}
	if _, err := h.svc.Enqueue(ctx, result(0), domain.PriorityNormal); err == nil {
		t.Error("zero result ID accepted")
	}
	if _, err := h.svc.Enqueue(ctx, result(1), domain.Priority("urgent")); err == nil {
		t.Error("unknown priority accepted")
	}

	// Empty priority defaults to normal.
	if _, err := h.svc.Enqueue(ctx, result(1), ""); err != nil {
		t.Fatalf("default priority rejected: %v", err)
	}
	st := h.svc.GetQueueStatus()
	if st.ByPriority[domain.PriorityNormal] != 1 {
		t.Fatalf("by_priority = %v", st.ByPriority)
	}
}

func TestEnqueue_SkipsAnnotated(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.repo.anns[5] = &domain.Annotation{ID: 100, ResultID: 5}

	id, err := h.svc.Enqueue(ctx, result(5), domain.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if id != 5 {
		t.Fatalf("id = %d, want 5", id)
	}
	if h.svc.GetStats().QueueSize != 0 {
		t.Fatal("already-annotated result was queued")
	}
	if len(h.events.typesFor(5)) != 0 {
		t.Fatal("events emitted for a skipped result")
	}
}

func TestProcess_HappyPath(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.svc.Enqueue(ctx, result(1), domain.PriorityNormal); err != nil {
		t.Fatal(err)
	}
	h.step()

	ann := h.repo.get(1)
	if ann == nil {
		t.Fatal("annotation not persisted")
	}
	if ann.FromCache {
		t.Error("fresh classification flagged as cached")
	}
	if ann.ModelVersion != "test-model/v2" {
		t.Errorf("model version = %s", ann.ModelVersion)
	}

	stats := h.svc.GetStats()
	if stats.TotalProcessed != 1 || stats.TotalCacheMisses != 1 || stats.QueueSize != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	got := h.events.typesFor(1)
	want := []EventType{EventQueued, EventClassified}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestProcess_CacheHitAtEnqueue(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// First result populates the cache.
	h.svc.Enqueue(ctx, result(1), domain.PriorityNormal)
	h.step()

	// Second result has identical content; no queue round-trip, no second
	// classifier call.
	dup := result(2)
	h.svc.Enqueue(ctx, dup, domain.PriorityNormal)

	ann := h.repo.get(2)
	if ann == nil {
		t.Fatal("cache-hit annotation not persisted")
	}
	if !ann.FromCache {
		t.Error("cache-served annotation not flagged")
	}

	classify, _ := h.classifier.calls()
	if classify != 1 {
		t.Fatalf("classifier called %d times, want 1", classify)
	}

	got := h.events.typesFor(2)
	if len(got) != 1 || got[0] != EventClassified {
		t.Fatalf("events for cached result = %v, want [classified]", got)
	}

	stats := h.svc.GetStats()
	if stats.TotalCacheHits != 1 || stats.TotalCacheMisses != 1 || stats.TotalProcessed != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestProcess_CachingDisabled(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.CachingEnabled = false })
	ctx := context.Background()

	h.svc.Enqueue(ctx, result(1), domain.PriorityNormal)
	h.step()
	h.svc.Enqueue(ctx, result(2), domain.PriorityNormal)
	h.step()

	classify, _ := h.classifier.calls()
	if classify != 2 {
		t.Fatalf("classifier called %d times, want 2", classify)
	}
	stats := h.svc.GetStats()
	if stats.TotalCacheHits != 0 || stats.TotalCacheMisses != 0 || stats.CacheSize != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestProcess_ConcurrencyCap(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxConcurrentJobs = 2 })
	ctx := context.Background()

	gate := make(chan struct{})
	h.classifier.gate = gate

	for i := int64(1); i <= 5; i++ {
		h.svc.Enqueue(ctx, resultDistinct(i), domain.PriorityNormal)
	}

	h.svc.tick()
	if got := h.svc.queue.inFlight(); got != 2 {
		t.Fatalf("in flight after first tick = %d, want 2", got)
	}

	// A second tick while both slots are busy claims nothing.
	h.svc.tick()
	if got := h.svc.queue.inFlight(); got != 2 {
		t.Fatalf("in flight after second tick = %d, want 2", got)
	}

	close(gate)
	h.svc.dispatch.Wait()

	// Freed capacity picks up the rest.
	h.classifier.gate = nil
	h.step()
	h.step()
	if h.repo.count() != 5 {
		t.Fatalf("persisted = %d, want 5", h.repo.count())
	}
}

func TestRetry_BackoffThenFailure(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxRetries = 3 })
	ctx := context.Background()

	h.classifier.classifyFn = func(*domain.ClassifyRequest) (*domain.Classification, error) {
		return nil, errors.New("rate limited")
	}

	h.svc.Enqueue(ctx, result(1), domain.PriorityNormal)

	// Attempt 1 fails; retry scheduled at +2s.
	h.step()
	if got := h.events.typesFor(1); len(got) != 2 || got[1] != EventRetry {
		t.Fatalf("events after attempt 1 = %v", got)
	}

	// Not ready before the backoff elapses.
	h.clock.advance(time.Second)
	h.step()
	if classify, _ := h.classifier.calls(); classify != 1 {
		t.Fatalf("retried before backoff elapsed: %d calls", classify)
	}

	// Attempt 2 at +2s, retry scheduled at +4s more.
	h.clock.advance(time.Second)
	h.step()
	// Attempt 3 exhausts retries.
	h.clock.advance(4 * time.Second)
	h.step()

	if classify, _ := h.classifier.calls(); classify != 3 {
		t.Fatalf("classifier calls = %d, want 3", classify)
	}

	got := h.events.typesFor(1)
	want := []EventType{EventQueued, EventRetry, EventRetry, EventFailed}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if h.events.countType(EventFailed) != 1 {
		t.Fatal("more than one failed event emitted")
	}

	stats := h.svc.GetStats()
	if stats.TotalRetries != 2 || stats.TotalFailures != 1 || stats.TotalProcessed != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	// The failed item is visible until swept, then gone.
	if st := h.svc.GetQueueStatus(); st.Failed != 1 {
		t.Fatalf("queue status = %+v", st)
	}
	h.svc.sweepTick()
	if st := h.svc.GetQueueStatus(); st.Total != 0 {
		t.Fatalf("queue status after sweep = %+v", st)
	}
}

func TestRetry_RecoversAfterTransientError(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var calls int
	var mu sync.Mutex
	h.classifier.classifyFn = func(*domain.ClassifyRequest) (*domain.Classification, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("timeout")
		}
		return sampleClassification(), nil
	}

	h.svc.Enqueue(ctx, result(1), domain.PriorityNormal)
	h.step()
	h.clock.advance(2 * time.Second)
	h.step()

	if h.repo.get(1) == nil {
		t.Fatal("annotation not persisted after recovery")
	}

	got := h.events.typesFor(1)
	want := []EventType{EventQueued, EventRetry, EventClassified}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestRetry_PersistFailureServedFromCache(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.repo.failCreates = 1
	h.svc.Enqueue(ctx, result(1), domain.PriorityNormal)

	// Classification succeeds, persist fails, retry scheduled. The verdict
	// is already cached.
	h.step()
	if h.repo.get(1) != nil {
		t.Fatal("failed persist still stored")
	}

	h.clock.advance(2 * time.Second)
	h.step()

	ann := h.repo.get(1)
	if ann == nil {
		t.Fatal("annotation not persisted on retry")
	}
	if !ann.FromCache {
		t.Error("retry should have been served from cache")
	}
	if classify, _ := h.classifier.calls(); classify != 1 {
		t.Fatalf("classifier calls = %d, want 1", classify)
	}
}

func TestBatch_Dispatch(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.BatchingEnabled = true
		cfg.BatchSize = 3
		cfg.MaxConcurrentJobs = 8
	})
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		h.svc.Enqueue(ctx, resultDistinct(i), domain.PriorityNormal)
	}
	h.step()

	classify, batch := h.classifier.calls()
	if batch != 1 {
		t.Fatalf("batch calls = %d, want 1", batch)
	}
	// The remainder below the batch threshold dispatches individually.
	if classify != 1 {
		t.Fatalf("single calls = %d, want 1", classify)
	}
	if h.repo.count() != 4 {
		t.Fatalf("persisted = %d, want 4", h.repo.count())
	}
}

func TestBatch_BelowThresholdGoesSingle(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.BatchingEnabled = true
		cfg.BatchSize = 5
	})
	ctx := context.Background()

	h.svc.Enqueue(ctx, resultDistinct(1), domain.PriorityNormal)
	h.svc.Enqueue(ctx, resultDistinct(2), domain.PriorityNormal)
	h.step()

	classify, batch := h.classifier.calls()
	if batch != 0 || classify != 2 {
		t.Fatalf("calls = %d single / %d batch, want 2/0", classify, batch)
	}
}

func TestBatch_PartialFailure(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.BatchingEnabled = true
		cfg.BatchSize = 3
		cfg.MaxConcurrentJobs = 3
	})
	ctx := context.Background()

	// The reply covers only the first two items; the third must be retried.
	h.classifier.batchFn = func(reqs []*domain.ClassifyRequest) (*domain.BatchClassification, error) {
		out := &domain.BatchClassification{}
		for i := 0; i < len(reqs)-1; i++ {
			out.Responses = append(out.Responses, sampleClassification())
		}
		return out, nil
	}

	for i := int64(1); i <= 3; i++ {
		h.svc.Enqueue(ctx, resultDistinct(i), domain.PriorityNormal)
	}
	h.step()

	if h.repo.count() != 2 {
		t.Fatalf("persisted = %d, want 2", h.repo.count())
	}
	if h.events.countType(EventRetry) != 1 {
		t.Fatalf("retry events = %d, want 1", h.events.countType(EventRetry))
	}
	if st := h.svc.GetQueueStatus(); st.Pending != 1 {
		t.Fatalf("queue status = %+v", st)
	}
}

func TestBatch_WholeBatchFailure(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.BatchingEnabled = true
		cfg.BatchSize = 3
		cfg.MaxConcurrentJobs = 3
	})
	ctx := context.Background()

	h.classifier.batchFn = func([]*domain.ClassifyRequest) (*domain.BatchClassification, error) {
		return nil, errors.New("gateway down")
	}

	for i := int64(1); i <= 3; i++ {
		h.svc.Enqueue(ctx, resultDistinct(i), domain.PriorityNormal)
	}
	h.step()

	// Every item lands in the retry path; none consumes an extra single
	// classifier call.
	classify, batch := h.classifier.calls()
	if batch != 1 || classify != 0 {
		t.Fatalf("calls = %d single / %d batch, want 0/1", classify, batch)
	}
	if h.events.countType(EventRetry) != 3 {
		t.Fatalf("retry events = %d, want 3", h.events.countType(EventRetry))
	}
	if st := h.svc.GetQueueStatus(); st.Pending != 3 {
		t.Fatalf("queue status = %+v", st)
	}
}

func TestEnqueueBatch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	results := []*domain.SearchResult{resultDistinct(1), result(0), resultDistinct(3)}
	ids, err := h.svc.EnqueueBatch(ctx, results, domain.PriorityHigh)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("accepted = %d, want 2 (invalid item skipped)", len(ids))
	}

	if _, err := h.svc.EnqueueBatch(ctx, nil, domain.PriorityHigh); err == nil {
		t.Fatal("empty batch accepted")
	}
}

func TestClearOperations(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.svc.Enqueue(ctx, resultDistinct(1), domain.PriorityNormal)
	h.step()
	h.svc.Enqueue(ctx, resultDistinct(2), domain.PriorityNormal)

	if s := h.svc.GetStats(); s.CacheSize != 1 || s.QueueSize != 1 {
		t.Fatalf("stats = %+v", s)
	}

	h.svc.ClearQueue()
	h.svc.ClearCache()

	s := h.svc.GetStats()
	if s.QueueSize != 0 || s.CacheSize != 0 {
		t.Fatalf("stats after clear = %+v", s)
	}
	// Cumulative counters survive a clear.
	if s.TotalProcessed != 1 {
		t.Fatalf("total processed = %d, want 1", s.TotalProcessed)
	}
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.TickInterval = 5 * time.Millisecond
		cfg.SweepInterval = 10 * time.Millisecond
	})
	// The scheduler uses real tickers; restore the real clock for this test.
	h.svc.clock = time.Now

	ctx := context.Background()
	h.svc.Enqueue(ctx, resultDistinct(1), domain.PriorityHigh)

	h.svc.Start()
	h.svc.Start() // idempotent

	deadline := time.After(2 * time.Second)
	for h.repo.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("item not processed before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}

	h.svc.Stop()
	h.svc.Stop() // idempotent
}

// resultDistinct builds a result whose content hash is unique to the ID, so
// caching between items never kicks in.
func resultDistinct(id int64) *domain.SearchResult {
	r := result(id)
	r.Title = fmt.Sprintf("title %d", id)
	r.URL = fmt.Sprintf("https://example.com/%d", id)
	return r
}
