// Package http exposes the annotation pipeline over a REST API.
package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"annotation_server/core/domain"
	"annotation_server/core/port/in"
	"annotation_server/pkg/apperr"
	"annotation_server/pkg/metrics"
	"annotation_server/pkg/response"
)

// LatencyProvider optionally augments the stats endpoint with latency
// percentiles.
type LatencyProvider interface {
	LatencyStats() metrics.LatencyStats
}

// AnnotationHandler serves the pipeline's operational API.
type AnnotationHandler struct {
	pipeline in.AnnotationPipeline
	latency  LatencyProvider
	log      zerolog.Logger
}

// NewAnnotationHandler creates the handler. latency may be nil.
func NewAnnotationHandler(p in.AnnotationPipeline, latency LatencyProvider, log zerolog.Logger) *AnnotationHandler {
	return &AnnotationHandler{
		pipeline: p,
		latency:  latency,
		log:      log.With().Str("component", "annotation_handler").Logger(),
	}
}

// RegisterRoutes mounts the API under the given router.
func (h *AnnotationHandler) RegisterRoutes(api fiber.Router) {
	ann := api.Group("/annotations")
	ann.Post("/enqueue", h.Enqueue)
	ann.Post("/enqueue/batch", h.EnqueueBatch)

	pipe := api.Group("/pipeline")
	pipe.Post("/start", h.Start)
	pipe.Post("/stop", h.Stop)
	pipe.Get("/stats", h.Stats)
	pipe.Get("/queue", h.QueueStatus)
	pipe.Post("/queue/clear", h.ClearQueue)
	pipe.Post("/cache/clear", h.ClearCache)
}

type enqueueRequest struct {
	Result   *domain.SearchResult `json:"result"`
	Priority domain.Priority      `json:"priority"`
}

// Enqueue submits one search result for annotation.
func (h *AnnotationHandler) Enqueue(c *fiber.Ctx) error {
	var req enqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if req.Result == nil {
		return apperr.MissingField("result")
	}

	id, err := h.pipeline.Enqueue(c.Context(), req.Result, req.Priority)
	if err != nil {
		return err
	}
	return response.Created(c, fiber.Map{"result_id": id})
}

type enqueueBatchRequest struct {
	Results  []*domain.SearchResult `json:"results"`
	Priority domain.Priority        `json:"priority"`
}

// EnqueueBatch submits several search results under one priority.
func (h *AnnotationHandler) EnqueueBatch(c *fiber.Ctx) error {
	var req enqueueBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if len(req.Results) == 0 {
		return apperr.MissingField("results")
	}

	ids, err := h.pipeline.EnqueueBatch(c.Context(), req.Results, req.Priority)
	if err != nil {
		return err
	}
	return response.Created(c, fiber.Map{
		"accepted":   len(ids),
		"rejected":   len(req.Results) - len(ids),
		"result_ids": ids,
	})
}

// Start launches the pipeline scheduler.
func (h *AnnotationHandler) Start(c *fiber.Ctx) error {
	h.pipeline.Start()
	return response.OK(c, fiber.Map{"running": true})
}

// Stop halts the scheduler, waiting for in-flight work.
func (h *AnnotationHandler) Stop(c *fiber.Ctx) error {
	h.pipeline.Stop()
	return response.OK(c, fiber.Map{"running": false})
}

// Stats returns pipeline counters plus latency percentiles when available.
func (h *AnnotationHandler) Stats(c *fiber.Ctx) error {
	stats := h.pipeline.GetStats()
	payload := fiber.Map{"pipeline": stats}
	if h.latency != nil {
		payload["latency"] = h.latency.LatencyStats().ToMap()
	}
	return response.OK(c, payload)
}

// QueueStatus returns the current queue breakdown.
func (h *AnnotationHandler) QueueStatus(c *fiber.Ctx) error {
	return response.OK(c, h.pipeline.GetQueueStatus())
}

// ClearQueue drops all queued items.
func (h *AnnotationHandler) ClearQueue(c *fiber.Ctx) error {
	h.pipeline.ClearQueue()
	h.log.Info().Msg("queue cleared via api")
	return response.OK(c, fiber.Map{"cleared": true})
}

// ClearCache drops all cached classifications.
func (h *AnnotationHandler) ClearCache(c *fiber.Ctx) error {
	h.pipeline.ClearCache()
	h.log.Info().Msg("cache cleared via api")
	return response.OK(c, fiber.Map{"cleared": true})
}
