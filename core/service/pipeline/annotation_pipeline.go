package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"annotation_server/core/domain"
	"annotation_server/core/port/out"
	"annotation_server/pkg/apperr"
	"annotation_server/pkg/metrics"
	"annotation_server/pkg/snowflake"
)

// Deps bundles the external capabilities the pipeline drives.
type Deps struct {
	Classifier  out.ClassifierPort
	Annotations out.AnnotationRepository
	Queries     out.QueryRepository

	// Optional.
	CacheMirror out.CacheMirrorPort
	Notifier    Notifier
	IDs         *snowflake.Generator
	Logger      zerolog.Logger
}

// Service is the annotation pipeline: it accepts search results, schedules
// classifier work by priority, retries transient failures with backoff, and
// memoizes verdicts by content hash.
type Service struct {
	cfg     Config
	queue   *annotationQueue
	cache   *resultCache
	backoff *backoffPolicy
	stats   *statsCollector
	latency *metrics.LatencyTracker

	classifier out.ClassifierPort
	annRepo    out.AnnotationRepository
	queryRepo  out.QueryRepository
	notifier   Notifier
	ids        *snowflake.Generator
	log        zerolog.Logger

	// Query text is immutable, so concurrent lookups for the same query are
	// collapsed and results memoized for the life of the process.
	queryFlight singleflight.Group
	queryMu     sync.RWMutex
	queryText   map[int64]string

	clock func() time.Time

	lifecycle sync.Mutex
	running   bool
	stop      chan struct{}
	done      chan struct{}
	dispatch  sync.WaitGroup
}

// NewService builds a pipeline from its config and dependencies. The service
// is inert until Start is called.
func NewService(cfg Config, deps Deps) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Classifier == nil {
		return nil, apperr.ConfigError("classifier is required")
	}
	if deps.Annotations == nil {
		return nil, apperr.ConfigError("annotation repository is required")
	}
	if deps.Queries == nil {
		return nil, apperr.ConfigError("query repository is required")
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	ids := deps.IDs
	if ids == nil {
		var err error
		ids, err = snowflake.NewGenerator(0)
		if err != nil {
			return nil, apperr.ConfigError("default id generator: " + err.Error())
		}
	}
	log := deps.Logger.With().Str("component", "annotation_pipeline").Logger()

	return &Service{
		cfg:        cfg,
		queue:      newAnnotationQueue(),
		cache:      newResultCache(cfg, deps.CacheMirror, deps.Logger),
		backoff:    newBackoffPolicy(cfg),
		stats:      newStatsCollector(),
		latency:    metrics.NewLatencyTracker(1000),
		classifier: deps.Classifier,
		annRepo:    deps.Annotations,
		queryRepo:  deps.Queries,
		notifier:   notifier,
		ids:        ids,
		log:        log,
		queryText:  make(map[int64]string),
		clock:      time.Now,
	}, nil
}

// ============================================================
// Enqueue side
// ============================================================

// Enqueue submits one search result for annotation and returns its result ID.
// Already-annotated results and already-queued IDs are no-ops. When caching
// is enabled and the content hash is already known, the annotation is
// persisted immediately without touching the queue.
func (s *Service) Enqueue(ctx context.Context, result *domain.SearchResult, priority domain.Priority) (int64, error) {
	if result == nil {
		return 0, apperr.MissingField("result")
	}
	if result.ID <= 0 {
		return 0, apperr.InvalidInput("result.id", "must be positive")
	}
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !priority.Valid() {
		return 0, apperr.InvalidInput("priority", fmt.Sprintf("unknown priority %q", priority))
	}

	existing, err := s.annRepo.FindByResultID(ctx, result.ID)
	if err != nil {
		return 0, apperr.DatabaseError("find annotation", err)
	}
	if existing != nil {
		s.log.Debug().Int64("result_id", result.ID).Msg("result already annotated, skipping")
		return result.ID, nil
	}

	if s.cfg.CachingEnabled {
		hash := ContentHash(result.Title, result.Snippet, result.URL)
		if entry, ok := s.cache.get(ctx, hash, s.clock()); ok {
			s.stats.recordCacheHit()
			if err := s.persistFromEntry(ctx, result, entry); err == nil {
				return result.ID, nil
			}
			// Persist failed; fall through to the queue. The dispatch-time
			// cache check will serve the retry without a classifier call.
			s.log.Warn().Int64("result_id", result.ID).Msg("cache-hit persist failed, queueing for retry")
		} else {
			s.stats.recordCacheMiss()
		}
	}

	if s.queue.enqueue(result, priority, s.clock()) {
		s.notifier.Notify(Event{Type: EventQueued, ResultID: result.ID, Priority: priority})
		s.log.Debug().
			Int64("result_id", result.ID).
			Str("priority", string(priority)).
			Msg("result queued")
	}
	return result.ID, nil
}

// EnqueueBatch submits several results under one priority. Individual
// failures are logged and skipped; the returned IDs cover the accepted items.
func (s *Service) EnqueueBatch(ctx context.Context, results []*domain.SearchResult, priority domain.Priority) ([]int64, error) {
	if len(results) == 0 {
		return nil, apperr.MissingField("results")
	}

	ids := make([]int64, 0, len(results))
	for _, r := range results {
		id, err := s.Enqueue(ctx, r, priority)
		if err != nil {
			s.log.Warn().Err(err).Msg("batch enqueue item rejected")
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// persistFromEntry stores an annotation derived from a cache entry and emits
// the classified event. Processing time covers only the persist.
func (s *Service) persistFromEntry(ctx context.Context, result *domain.SearchResult, entry *domain.CacheEntry) error {
	start := s.clock()
	ann, err := s.persist(ctx, result.ID, &entry.Classification, entry.ModelVersion, true)
	if err != nil {
		return err
	}
	elapsed := s.finishProcessed(start)
	s.notifier.Notify(Event{
		Type:       EventClassified,
		ResultID:   result.ID,
		FromCache:  true,
		Annotation: ann,
		Latency:    elapsed,
	})
	return nil
}

// ============================================================
// Lifecycle
// ============================================================

// Start launches the scheduler. Calling Start on a running pipeline is a
// no-op.
func (s *Service) Start() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	s.notifier.Notify(Event{Type: EventStarted})
	s.log.Info().
		Int("max_concurrent", s.cfg.MaxConcurrentJobs).
		Dur("tick", s.cfg.TickInterval).
		Msg("pipeline started")
}

// Stop halts the scheduler and waits for in-flight work to finish. Items
// still queued stay queued and resume on the next Start.
func (s *Service) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if !s.running {
		return
	}
	close(s.stop)
	<-s.done
	s.dispatch.Wait()
	s.running = false
	s.notifier.Notify(Event{Type: EventStopped})
	s.log.Info().Msg("pipeline stopped")
}

func (s *Service) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			s.tick()
		case <-sweep.C:
			s.sweepTick()
		}
	}
}

// tick claims ready work up to the free concurrency budget and dispatches it.
// A panic in selection is contained here so one bad tick cannot kill the
// scheduler.
func (s *Service) tick() {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("tick panic: %v", r)
			s.log.Error().Err(err).Msg("scheduler tick recovered")
			s.notifier.Notify(Event{Type: EventError, Err: err})
		}
	}()

	capacity := s.cfg.MaxConcurrentJobs - s.queue.inFlight()
	if capacity <= 0 {
		return
	}

	attempts := s.queue.nextBatch(s.clock(), capacity)
	if len(attempts) == 0 {
		return
	}

	if s.cfg.BatchingEnabled && len(attempts) >= s.cfg.BatchSize {
		batch := attempts[:s.cfg.BatchSize]
		rest := attempts[s.cfg.BatchSize:]
		s.dispatch.Add(1)
		go func() {
			defer s.dispatch.Done()
			s.processBatch(batch)
		}()
		for _, att := range rest {
			s.dispatchOne(att)
		}
		return
	}

	for _, att := range attempts {
		s.dispatchOne(att)
	}
}

func (s *Service) dispatchOne(att attempt) {
	s.dispatch.Add(1)
	go func() {
		defer s.dispatch.Done()
		s.processOne(att)
	}()
}

func (s *Service) sweepTick() {
	now := s.clock()
	if expired := s.cache.sweep(now); expired > 0 {
		s.log.Debug().Int("expired", expired).Msg("cache sweep")
	}
	if failed := s.queue.sweepFailed(); failed > 0 {
		s.log.Debug().Int("removed", failed).Msg("failed items swept")
	}
}

// ============================================================
// Processing
// ============================================================

// processOne runs a single classification attempt end to end.
func (s *Service) processOne(att attempt) {
	ctx := context.Background()
	start := s.clock()
	hash := ContentHash(att.result.Title, att.result.Snippet, att.result.URL)

	// Re-check the cache at dispatch time. This serves retries whose earlier
	// attempt classified successfully but failed to persist, without paying
	// for another classifier call. Only enqueue-time misses are counted as
	// misses.
	if s.cfg.CachingEnabled {
		if entry, ok := s.cache.get(ctx, hash, s.clock()); ok {
			s.stats.recordCacheHit()
			ann, err := s.persist(ctx, att.id, &entry.Classification, entry.ModelVersion, true)
			if err != nil {
				s.handleFailure(att, err)
				return
			}
			s.succeed(att, ann, true, start)
			return
		}
	}

	cls, err := s.classifier.Classify(ctx, s.buildRequest(ctx, &att.result))
	if err != nil {
		s.handleFailure(att, err)
		return
	}

	s.completeClassification(ctx, att, hash, cls, start)
}

// processBatch classifies a claimed batch in one call. A whole-batch error
// fails every item into the retry path; per-index gaps fail only the items
// they cover.
func (s *Service) processBatch(atts []attempt) {
	ctx := context.Background()
	start := s.clock()
	batchID := uuid.NewString()

	type pending struct {
		att  attempt
		hash string
	}
	remaining := make([]pending, 0, len(atts))

	for _, att := range atts {
		hash := ContentHash(att.result.Title, att.result.Snippet, att.result.URL)
		if s.cfg.CachingEnabled {
			if entry, ok := s.cache.get(ctx, hash, s.clock()); ok {
				s.stats.recordCacheHit()
				ann, err := s.persist(ctx, att.id, &entry.Classification, entry.ModelVersion, true)
				if err != nil {
					s.handleFailure(att, err)
				} else {
					s.succeed(att, ann, true, start)
				}
				continue
			}
		}
		remaining = append(remaining, pending{att, hash})
	}
	if len(remaining) == 0 {
		return
	}

	reqs := make([]*domain.ClassifyRequest, len(remaining))
	for i, p := range remaining {
		reqs[i] = s.buildRequest(ctx, &p.att.result)
	}

	bc, err := s.classifier.ClassifyBatch(ctx, reqs, batchID)
	if err != nil {
		s.log.Warn().Err(err).Str("batch_id", batchID).Int("size", len(remaining)).
			Msg("batch classification failed")
		for _, p := range remaining {
			s.handleFailure(p.att, err)
		}
		return
	}

	for i, p := range remaining {
		var resp *domain.Classification
		if i < len(bc.Responses) {
			resp = bc.Responses[i]
		}
		if resp == nil {
			itemErr := apperr.ClassificationFailed(fmt.Errorf("no response for batch index %d", i))
			if i < len(bc.Errors) && bc.Errors[i] != "" {
				itemErr = apperr.ClassificationFailed(fmt.Errorf("%s", bc.Errors[i]))
			}
			s.handleFailure(p.att, itemErr)
			continue
		}
		s.completeClassification(ctx, p.att, p.hash, resp, start)
	}
}

// completeClassification caches a fresh verdict, persists it and settles the
// attempt.
func (s *Service) completeClassification(ctx context.Context, att attempt, hash string, cls *domain.Classification, start time.Time) {
	modelVersion := s.classifier.ModelVersion()
	if s.cfg.CachingEnabled {
		s.cache.put(ctx, hash, cls, modelVersion, s.clock())
	}

	ann, err := s.persist(ctx, att.id, cls, modelVersion, false)
	if err != nil {
		s.handleFailure(att, err)
		return
	}
	s.succeed(att, ann, false, start)
}

// persist writes the annotation. The repository ignores duplicate result IDs,
// which keeps retried persists idempotent.
func (s *Service) persist(ctx context.Context, resultID int64, cls *domain.Classification, modelVersion string, fromCache bool) (*domain.Annotation, error) {
	id, err := s.ids.Generate()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternalError, "id generation failed", 500)
	}

	ann := &domain.Annotation{
		ID:              id,
		ResultID:        resultID,
		DomainType:      cls.DomainType,
		FactualScore:    cls.FactualScore,
		ConfidenceScore: cls.ConfidenceScore,
		Reasoning:       cls.Reasoning,
		ModelVersion:    modelVersion,
		FromCache:       fromCache,
		CreatedAt:       s.clock(),
	}
	if err := s.annRepo.Create(ctx, ann); err != nil {
		return nil, apperr.DatabaseError("create annotation", err)
	}
	return ann, nil
}

func (s *Service) succeed(att attempt, ann *domain.Annotation, fromCache bool, start time.Time) {
	s.queue.complete(att.id)
	elapsed := s.finishProcessed(start)
	s.notifier.Notify(Event{
		Type:       EventClassified,
		ResultID:   att.id,
		Priority:   att.priority,
		Attempt:    att.attempt,
		FromCache:  fromCache,
		Annotation: ann,
		Latency:    elapsed,
	})
	s.log.Debug().
		Int64("result_id", att.id).
		Int("attempt", att.attempt).
		Bool("from_cache", fromCache).
		Msg("result classified")
}

// handleFailure settles a failed attempt: either back onto the queue with a
// backoff delay, or out of the queue permanently once retries are exhausted.
// Exactly one failed event is emitted per exhausted item.
func (s *Service) handleFailure(att attempt, cause error) {
	if att.attempt >= s.cfg.MaxRetries {
		s.queue.markFailed(att.id, cause.Error())
		s.stats.recordFailure()
		s.notifier.Notify(Event{
			Type:     EventFailed,
			ResultID: att.id,
			Priority: att.priority,
			Attempt:  att.attempt,
			Err:      cause,
		})
		s.log.Error().Err(cause).
			Int64("result_id", att.id).
			Int("attempts", att.attempt).
			Msg("result permanently failed")
		return
	}

	delay := s.backoff.delay(att.attempt)
	s.queue.scheduleRetry(att.id, s.clock().Add(delay), cause.Error())
	s.stats.recordRetry()
	s.notifier.Notify(Event{
		Type:     EventRetry,
		ResultID: att.id,
		Priority: att.priority,
		Attempt:  att.attempt,
		Delay:    delay,
		Err:      cause,
	})
	s.log.Warn().Err(cause).
		Int64("result_id", att.id).
		Int("attempt", att.attempt).
		Dur("retry_in", delay).
		Msg("attempt failed, retry scheduled")
}

func (s *Service) finishProcessed(start time.Time) time.Duration {
	elapsed := s.clock().Sub(start)
	s.stats.recordProcessed(elapsed)
	s.latency.Record(elapsed)
	return elapsed
}

// buildRequest assembles the classifier input, resolving the benchmark query
// text. A lookup failure degrades to an empty query text rather than failing
// the attempt.
func (s *Service) buildRequest(ctx context.Context, r *domain.SearchResult) *domain.ClassifyRequest {
	return &domain.ClassifyRequest{
		Title:     r.Title,
		Snippet:   r.Snippet,
		URL:       r.URL,
		QueryText: s.lookupQueryText(ctx, r.QueryID),
	}
}

func (s *Service) lookupQueryText(ctx context.Context, queryID int64) string {
	s.queryMu.RLock()
	text, ok := s.queryText[queryID]
	s.queryMu.RUnlock()
	if ok {
		return text
	}

	v, err, _ := s.queryFlight.Do(fmt.Sprintf("query:%d", queryID), func() (any, error) {
		text, err := s.queryRepo.FindQueryText(ctx, queryID)
		if err != nil {
			return "", err
		}
		s.queryMu.Lock()
		s.queryText[queryID] = text
		s.queryMu.Unlock()
		return text, nil
	})
	if err != nil {
		s.log.Warn().Err(err).Int64("query_id", queryID).Msg("query text lookup failed")
		return ""
	}
	return v.(string)
}

// ============================================================
// Introspection and maintenance
// ============================================================

// GetStats returns a point-in-time snapshot of pipeline counters.
func (s *Service) GetStats() domain.PipelineStats {
	return s.stats.snapshot(s.queue.size(), s.cache.size())
}

// GetQueueStatus returns the current queue breakdown.
func (s *Service) GetQueueStatus() domain.QueueStatus {
	return s.queue.status()
}

// LatencyStats exposes processing latency percentiles for the operational
// API.
func (s *Service) LatencyStats() metrics.LatencyStats {
	return s.latency.Stats()
}

// ClearCache drops every cached classification, local and mirrored.
func (s *Service) ClearCache() {
	s.cache.clear(context.Background())
	s.log.Info().Msg("cache cleared")
}

// ClearQueue drops every queued item, including in-flight ones. Completions
// for already-dispatched work become no-ops.
func (s *Service) ClearQueue() {
	s.queue.clear()
	s.log.Info().Msg("queue cleared")
}
