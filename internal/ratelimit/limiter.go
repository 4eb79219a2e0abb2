// Package ratelimit throttles upstream calls with a token bucket per
// (provider, tenant). The limiter is also the hook for upstream 429
// responses: Penalize drains the bucket and pauses refill for the
// advertised Retry-After duration.
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config sets the per-key bucket parameters.
type Config struct {
	PerSecond float64 // sustained rate, default 1 req/s (SP-API seller quota)
	Burst     int     // default 1

	// Rates resolves per-tenant bucket parameters at bucket creation.
	// Non-positive returns fall back to the defaults above; nil means
	// every key uses the defaults.
	Rates func(provider, tenantID string) (perSecond float64, burst int)
}

type bucket struct {
	lim         *rate.Limiter
	mu          sync.Mutex
	pausedUntil time.Time
	lastUsed    time.Time
}

// Limiter holds one token bucket per (provider, tenant) key.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	defaults Config
	logger   *log.Logger
}

// New creates a limiter with the given defaults.
func New(cfg Config) *Limiter {
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		defaults: cfg,
		logger:   log.New(log.Writer(), "[RATE] ", log.LstdFlags),
	}
}

func key(provider, tenantID string) string { return provider + ":" + tenantID }

func (l *Limiter) bucketFor(provider, tenantID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(provider, tenantID)
	b, ok := l.buckets[k]
	if !ok {
		perSecond, burst := l.defaults.PerSecond, l.defaults.Burst
		if l.defaults.Rates != nil {
			if ps, bu := l.defaults.Rates(provider, tenantID); ps > 0 && bu > 0 {
				perSecond, burst = ps, bu
			}
		}
		b = &bucket{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
		l.buckets[k] = b
	}
	b.lastUsed = time.Now()
	return b
}

// Acquire blocks until a token is available or the context is cancelled.
func (l *Limiter) Acquire(ctx context.Context, provider, tenantID string) error {
	b := l.bucketFor(provider, tenantID)

	// Honour an active 429 pause before consuming a token.
	for {
		b.mu.Lock()
		wait := time.Until(b.pausedUntil)
		b.mu.Unlock()
		if wait <= 0 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return b.lim.Wait(ctx)
}

// Penalize drains the bucket and pauses refill for the retryAfter duration.
// Called when the upstream answers 429.
func (l *Limiter) Penalize(provider, tenantID string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	b := l.bucketFor(provider, tenantID)

	b.mu.Lock()
	until := time.Now().Add(retryAfter)
	if until.After(b.pausedUntil) {
		b.pausedUntil = until
	}
	b.mu.Unlock()

	// Drain whatever tokens are currently available.
	for b.lim.Allow() {
	}

	l.logger.Printf("429 from %s for tenant %s, pausing %s", provider, tenantID, retryAfter)
}

// PausedUntil reports the current pause deadline for a key (zero when the
// bucket is refilling normally). Used by health reporting and tests.
func (l *Limiter) PausedUntil(provider, tenantID string) time.Time {
	b := l.bucketFor(provider, tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pausedUntil
}

// StartCleanup evicts idle buckets every 5 minutes until ctx ends.
func (l *Limiter) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.evictIdle(10 * time.Minute)
			}
		}
	}()
}

func (l *Limiter) evictIdle(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for k, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// Stats reports active bucket count for health rollups.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]interface{}{
		"active_buckets": len(l.buckets),
		"per_second":     l.defaults.PerSecond,
		"burst":          l.defaults.Burst,
	}
}
