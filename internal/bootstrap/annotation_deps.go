// Package bootstrap wires configuration, infrastructure and the pipeline
// into a runnable service.
package bootstrap

import (
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"annotation_server/adapter/out/cache"
	"annotation_server/adapter/out/llm"
	"annotation_server/adapter/out/persistence"
	"annotation_server/config"
	"annotation_server/core/port/out"
	"annotation_server/core/service/pipeline"
	"annotation_server/infra/database"
	"annotation_server/pkg/snowflake"
)

// Dependencies holds every wired component. DB, SQLDB and Redis are nil in
// memory mode.
type Dependencies struct {
	Config *config.Config
	Logger zerolog.Logger

	DB    *pgxpool.Pool
	SQLDB *sqlx.DB
	Redis *redis.Client

	Classifier *llm.Classifier
	Pipeline   *pipeline.Service

	// Memory is set only when no DATABASE_URL is configured; dev routes use
	// it to seed query text.
	Memory *persistence.MemoryStore
}

// NewDependencies builds the dependency graph. The returned cleanup closes
// connections and must run after the pipeline has stopped.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	logger := newLogger(cfg)

	deps := &Dependencies{Config: cfg, Logger: logger}
	cleanup := func() {
		if deps.SQLDB != nil {
			deps.SQLDB.Close()
		}
		if deps.DB != nil {
			deps.DB.Close()
		}
		if deps.Redis != nil {
			deps.Redis.Close()
		}
	}

	var annRepo out.AnnotationRepository
	var queryRepo out.QueryRepository

	if cfg.DatabaseURL != "" {
		pool, err := database.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		deps.DB = pool

		sqlDB, err := database.NewSQLX(cfg.DatabaseURL)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		deps.SQLDB = sqlDB

		annRepo = persistence.NewAnnotationAdapter(sqlDB)
		queryRepo = persistence.NewQueryAdapter(sqlDB)
		logger.Info().Msg("postgres connected")
	} else {
		mem := persistence.NewMemoryStore()
		deps.Memory = mem
		annRepo = mem
		queryRepo = mem
		logger.Warn().Msg("no DATABASE_URL, using in-memory store")
	}

	var mirror out.CacheMirrorPort
	if cfg.RedisURL != "" {
		rdb, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		deps.Redis = rdb
		mirror = cache.NewRedisMirror(rdb, logger)
		logger.Info().Msg("redis connected, cache mirror enabled")
	}

	classifier, err := llm.NewClassifier(llm.Config{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: float32(cfg.LLMTemperature),
		Timeout:     timeoutSec(cfg.LLMTimeoutSec),
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Classifier = classifier

	ids, err := snowflake.NewGenerator(int64(cfg.WorkerID))
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	base, max, tick, sweep, ttl := cfg.PipelineTimings()
	pipeCfg := pipeline.Config{
		MaxConcurrentJobs:      cfg.MaxConcurrentJobs,
		MaxRetries:             cfg.MaxRetries,
		BaseRetryDelay:         base,
		RetryBackoffMultiplier: cfg.RetryBackoffMultiplier,
		MaxRetryDelay:          max,
		CacheMaxSize:           cfg.CacheMaxEntries,
		CacheTTL:               ttl,
		BatchSize:              cfg.BatchSize,
		TickInterval:           tick,
		SweepInterval:          sweep,
		CachingEnabled:         cfg.CachingEnabled,
		BatchingEnabled:        cfg.BatchingEnabled,
	}

	svc, err := pipeline.NewService(pipeCfg, pipeline.Deps{
		Classifier:  classifier,
		Annotations: annRepo,
		Queries:     queryRepo,
		CacheMirror: mirror,
		Notifier:    newLogNotifier(logger),
		IDs:         ids,
		Logger:      logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Pipeline = svc

	return deps, cleanup, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger().Level(zerolog.DebugLevel)
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}
