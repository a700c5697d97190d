// Package ratelimit gates cached lookups per caller identity with token
// buckets. Exceeding the bucket fails closed with a rate-limit error rather
// than silently queuing the caller.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"credanchor/internal/platform/metrics"
	dErrors "credanchor/pkg/domain-errors"
)

// Config sizes the per-caller bucket: Capacity tokens replenished evenly
// over each Interval.
type Config struct {
	Capacity int           // default 20
	Interval time.Duration // default 1m
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 20
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	return c
}

// Limiter holds one token bucket per caller identity.
type Limiter struct {
	cfg     Config
	metrics *metrics.Metrics

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New builds a Limiter. m may be nil.
func New(cfg Config, m *metrics.Metrics) *Limiter {
	return &Limiter{
		cfg:     cfg.withDefaults(),
		metrics: m,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow consumes one token from the caller's bucket, or fails closed.
func (l *Limiter) Allow(caller string) error {
	if !l.bucket(caller).Allow() {
		l.metrics.ObserveRateLimitDenial()
		return dErrors.Newf(dErrors.CodeRateLimited, "caller %q exceeded rate limit", caller)
	}
	return nil
}

// Reset drops the caller's bucket, restoring a full burst. Admin surface.
func (l *Limiter) Reset(caller string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, caller)
}

func (l *Limiter) bucket(caller string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[caller]
	if !ok {
		refill := rate.Limit(float64(l.cfg.Capacity) / l.cfg.Interval.Seconds())
		b = rate.NewLimiter(refill, l.cfg.Capacity)
		l.buckets[caller] = b
	}
	return b
}
