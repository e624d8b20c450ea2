package pipeline

import (
	"math"
	"math/rand"
	"time"
)

// backoffPolicy computes exponential retry delays with jitter. The jitter
// source is injectable so tests can pin it.
type backoffPolicy struct {
	base       time.Duration
	multiplier float64
	max        time.Duration
	jitter     func() float64 // returns [0,1), scaled to at most +10%
}

func newBackoffPolicy(cfg Config) *backoffPolicy {
	return &backoffPolicy{
		base:       cfg.BaseRetryDelay,
		multiplier: cfg.RetryBackoffMultiplier,
		max:        cfg.MaxRetryDelay,
		jitter:     rand.Float64,
	}
}

// delay returns the wait before retry attempt n (1-based, the value of the
// item's retry counter after the failed attempt). The jitter is additive only,
// so the delay never drops below the deterministic schedule.
func (b *backoffPolicy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(b.base) * math.Pow(b.multiplier, float64(attempt-1))
	if d > float64(b.max) {
		d = float64(b.max)
	}

	d *= 1 + b.jitter()*0.10
	if d > float64(b.max) {
		d = float64(b.max)
	}
	return time.Duration(d)
}
