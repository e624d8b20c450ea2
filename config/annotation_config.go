// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	Environment string
	Mode        string // api, pipeline, or all

	// Database
	DatabaseURL string
	RedisURL    string

	// OpenAI
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64
	LLMTimeoutSec  int

	// Pipeline
	MaxConcurrentJobs      int
	MaxRetries             int
	BaseRetryDelaySec      int
	RetryBackoffMultiplier float64
	MaxRetryDelaySec       int
	BatchSize              int
	TickIntervalMS         int
	SweepIntervalSec       int
	CachingEnabled         bool
	BatchingEnabled        bool

	// Cache
	CacheMaxEntries int
	CacheTTLHour    int

	// ID generation
	WorkerID int
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		Mode:        getEnv("MODE", "all"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		// OpenAI
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", ""),
		LLMModel:       getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:   getEnvInt("LLM_MAX_TOKENS", 1024),
		LLMTemperature: getEnvFloat("LLM_TEMPERATURE", 0.1),
		LLMTimeoutSec:  getEnvInt("LLM_TIMEOUT_SEC", 30),

		// Pipeline
		MaxConcurrentJobs:      getEnvInt("PIPELINE_MAX_CONCURRENT", 4),
		MaxRetries:             getEnvInt("PIPELINE_MAX_RETRIES", 3),
		BaseRetryDelaySec:      getEnvInt("PIPELINE_BASE_RETRY_DELAY_SEC", 2),
		RetryBackoffMultiplier: getEnvFloat("PIPELINE_BACKOFF_MULTIPLIER", 2.0),
		MaxRetryDelaySec:       getEnvInt("PIPELINE_MAX_RETRY_DELAY_SEC", 60),
		BatchSize:              getEnvInt("PIPELINE_BATCH_SIZE", 5),
		TickIntervalMS:         getEnvInt("PIPELINE_TICK_INTERVAL_MS", 1000),
		SweepIntervalSec:       getEnvInt("PIPELINE_SWEEP_INTERVAL_SEC", 30),
		CachingEnabled:         getEnvBool("PIPELINE_CACHING_ENABLED", true),
		BatchingEnabled:        getEnvBool("PIPELINE_BATCHING_ENABLED", true),

		// Cache
		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 10000),
		CacheTTLHour:    getEnvInt("CACHE_TTL_HOUR", 24),

		// ID generation
		WorkerID: getEnvInt("WORKER_ID", 0),
	}, nil
}

// PipelineTimings converts the raw env values into durations.
func (c *Config) PipelineTimings() (base, max, tick, sweep, ttl time.Duration) {
	return time.Duration(c.BaseRetryDelaySec) * time.Second,
		time.Duration(c.MaxRetryDelaySec) * time.Second,
		time.Duration(c.TickIntervalMS) * time.Millisecond,
		time.Duration(c.SweepIntervalSec) * time.Second,
		time.Duration(c.CacheTTLHour) * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
