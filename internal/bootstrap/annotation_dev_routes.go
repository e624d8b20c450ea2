package bootstrap

import (
	"github.com/gofiber/fiber/v2"

	"annotation_server/pkg/apperr"
	"annotation_server/pkg/response"
)

// registerDevRoutes mounts helpers for local development against the
// in-memory store. Never mounted in production.
func registerDevRoutes(app *fiber.App, deps *Dependencies) {
	dev := app.Group("/dev")

	dev.Post("/queries", func(c *fiber.Ctx) error {
		var req struct {
			QueryID int64  `json:"query_id"`
			Text    string `json:"text"`
		}
		if err := c.BodyParser(&req); err != nil {
			return apperr.BadRequest("invalid request body")
		}
		if req.QueryID <= 0 {
			return apperr.InvalidInput("query_id", "must be positive")
		}
		deps.Memory.SeedQuery(req.QueryID, req.Text)
		return response.Created(c, fiber.Map{"query_id": req.QueryID})
	})

	dev.Get("/annotations/count", func(c *fiber.Ctx) error {
		return response.OK(c, fiber.Map{"count": deps.Memory.Count()})
	})
}
