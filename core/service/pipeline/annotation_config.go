// Package pipeline implements the annotation processing engine: a priority
// queue with retry state, a content-addressed result cache, and a ticker
// driven scheduler that dispatches work to the classifier capability.
package pipeline

import (
	"time"

	"annotation_server/pkg/apperr"
)

// Config holds all pipeline tuning knobs. It is supplied at construction and
// immutable afterwards.
type Config struct {
	MaxConcurrentJobs      int           // cap on in-flight classifier calls
	MaxRetries             int           // attempts per item before permanent failure
	BaseRetryDelay         time.Duration // first retry delay
	RetryBackoffMultiplier float64       // exponential growth factor
	MaxRetryDelay          time.Duration // ceiling on any retry delay
	CacheMaxSize           int           // entry cap before eviction
	CacheTTL               time.Duration // entry lifetime
	BatchSize              int           // threshold for batch dispatch
	TickInterval           time.Duration // scheduler tick
	SweepInterval          time.Duration // defensive sweep, coarser than the tick
	CachingEnabled         bool
	BatchingEnabled        bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs:      4,
		MaxRetries:             3,
		BaseRetryDelay:         2 * time.Second,
		RetryBackoffMultiplier: 2.0,
		MaxRetryDelay:          60 * time.Second,
		CacheMaxSize:           10000,
		CacheTTL:               24 * time.Hour,
		BatchSize:              5,
		TickInterval:           time.Second,
		SweepInterval:          30 * time.Second,
		CachingEnabled:         true,
		BatchingEnabled:        true,
	}
}

func (c Config) validate() error {
	if c.MaxConcurrentJobs <= 0 {
		return apperr.ConfigError("max concurrent jobs must be positive")
	}
	if c.MaxRetries <= 0 {
		return apperr.ConfigError("max retries must be positive")
	}
	if c.BaseRetryDelay <= 0 {
		return apperr.ConfigError("base retry delay must be positive")
	}
	if c.RetryBackoffMultiplier < 1 {
		return apperr.ConfigError("retry backoff multiplier must be >= 1")
	}
	if c.MaxRetryDelay < c.BaseRetryDelay {
		return apperr.ConfigError("max retry delay must be >= base retry delay")
	}
	if c.CacheMaxSize <= 0 {
		return apperr.ConfigError("cache max size must be positive")
	}
	if c.CacheTTL <= 0 {
		return apperr.ConfigError("cache ttl must be positive")
	}
	if c.BatchSize <= 0 {
		return apperr.ConfigError("batch size must be positive")
	}
	if c.TickInterval <= 0 {
		return apperr.ConfigError("tick interval must be positive")
	}
	if c.SweepInterval <= 0 {
		return apperr.ConfigError("sweep interval must be positive")
	}
	return nil
}
