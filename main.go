package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"annotation_server/config"
	"annotation_server/internal/bootstrap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	// Load .env file if exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	mode := flag.String("mode", "", "Run mode: api, pipeline, all (overrides MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	deps, cleanup, err := bootstrap.NewDependencies(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize dependencies")
	}
	defer cleanup()
	log = deps.Logger

	startPipeline := cfg.Mode == "pipeline" || cfg.Mode == "all"
	serveAPI := cfg.Mode == "api" || cfg.Mode == "all"
	if !startPipeline && !serveAPI {
		log.Fatal().Str("mode", cfg.Mode).Msg("unknown mode")
	}

	if startPipeline {
		deps.Pipeline.Start()
	}

	app := bootstrap.NewAPI(deps)

	// Graceful shutdown: stop accepting requests, then drain the pipeline.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Dur("timeout", shutdownTimeout).Msg("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		done := make(chan struct{})
		go func() {
			if err := app.Shutdown(); err != nil {
				log.Error().Err(err).Msg("http shutdown error")
			}
			deps.Pipeline.Stop()
			close(done)
		}()

		select {
		case <-done:
			log.Info().Msg("shut down gracefully")
		case <-ctx.Done():
			log.Warn().Msg("shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	// Pipeline-only mode still serves the API for probes and introspection.
	addr := ":" + cfg.Port
	log.Info().Str("addr", addr).Str("mode", cfg.Mode).Msg("starting server")
	if err := app.Listen(addr); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
