package bootstrap

import (
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"

	apihttp "annotation_server/adapter/in/http"
	"annotation_server/infra/middleware"
)

// NewAPI builds the HTTP surface on an already-wired dependency graph.
func NewAPI(deps *Dependencies) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		AppName:               "annotation_server",
		ErrorHandler:          middleware.ErrorHandler(deps.Logger),
		DisableStartupMessage: cfg.IsProduction(),
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,

		// go-json is drop-in and noticeably faster than encoding/json.
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit: 5 * 1024 * 1024,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover(deps.Logger))
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger(deps.Logger))
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-Request-ID",
	}))

	health := apihttp.NewHealthHandler(deps.DB, deps.Redis, deps.Classifier)
	health.RegisterRoutes(app)

	api := app.Group("/api/v1")
	handler := apihttp.NewAnnotationHandler(deps.Pipeline, deps.Pipeline, deps.Logger)
	handler.RegisterRoutes(api)

	if cfg.IsDevelopment() && deps.Memory != nil {
		registerDevRoutes(app, deps)
	}

	return app
}
