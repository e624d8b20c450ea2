package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"annotation_server/pkg/response"
)

// BreakerStatus optionally reports the classifier circuit breaker state.
type BreakerStatus interface {
	BreakerState() string
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	db      *pgxpool.Pool
	redis   *redis.Client
	breaker BreakerStatus
}

// NewHealthHandler creates the handler. Any dependency may be nil; nil
// dependencies are skipped in the readiness check.
func NewHealthHandler(db *pgxpool.Pool, rdb *redis.Client, breaker BreakerStatus) *HealthHandler {
	return &HealthHandler{db: db, redis: rdb, breaker: breaker}
}

// RegisterRoutes mounts the probes at the app root.
func (h *HealthHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
}

// Health is the liveness probe.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{"status": "ok"})
}

// Ready is the readiness probe. It pings each configured backend with a
// short deadline and reports per-backend status.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	checks := fiber.Map{}
	ready := true

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			checks["postgres"] = "down: " + err.Error()
			ready = false
		} else {
			checks["postgres"] = "up"
		}
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "down: " + err.Error()
			ready = false
		} else {
			checks["redis"] = "up"
		}
	}

	if h.breaker != nil {
		checks["classifier_breaker"] = h.breaker.BreakerState()
	}

	payload := fiber.Map{"ready": ready, "checks": checks}
	if !ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(payload)
	}
	return response.OK(c, payload)
}
