// Package ratelimit implements a per-client-identity token bucket limiter.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/edgecache-io/screaming-eagle/configurationtypes"
	"github.com/edgecache-io/screaming-eagle/pkg/clock"
	"github.com/edgecache-io/screaming-eagle/pkg/metrics"
)

type tokenBucket struct {
	tokens     float64
	lastUpdate time.Time
	maxTokens  float64
	refillRate float64 // tokens per second
}

func newTokenBucket(now time.Time, maxTokens, refillRate float64) *tokenBucket {
	return &tokenBucket{tokens: maxTokens, lastUpdate: now, maxTokens: maxTokens, refillRate: refillRate}
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.tokens+elapsed*b.refillRate, b.maxTokens)
	b.lastUpdate = now
}

func (b *tokenBucket) tryConsume(now time.Time, n float64) bool {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// Result is the outcome of a Check call.
type Result struct {
	Allowed    bool
	Remaining  uint32
	RetryAfter time.Duration
}

// Limiter is a token bucket limiter keyed by client identity (see
// reqcontext.ClientIPFromRequest). Each bucket starts full so a client's
// first burst up to requests_per_window+burst_size always succeeds, then
// refills at requests_per_window per window_secs.
type Limiter struct {
	cfg   configurationtypes.RateLimitConfig
	clock clock.Clock
	mtr   *metrics.Metrics

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// New constructs a Limiter.
func New(cfg configurationtypes.RateLimitConfig, clk clock.Clock, mtr *metrics.Metrics) *Limiter {
	return &Limiter{cfg: cfg, clock: clk, mtr: mtr, buckets: make(map[string]*tokenBucket)}
}

// Check consumes one token for identity, returning whether the request may
// proceed. When the limiter is disabled every request is allowed.
func (l *Limiter) Check(identity string) Result {
	if !l.cfg.Enabled {
		return Result{Allowed: true, Remaining: math.MaxUint32}
	}

	maxTokens := float64(l.cfg.RequestsPerWindow + l.cfg.BurstSize)
	refillRate := float64(l.cfg.RequestsPerWindow) / float64(l.cfg.WindowSecs)
	now := l.clock.Now()

	l.mu.Lock()
	bucket, ok := l.buckets[identity]
	if !ok {
		bucket = newTokenBucket(now, maxTokens, refillRate)
		l.buckets[identity] = bucket
	}

	if bucket.tryConsume(now, 1.0) {
		remaining := uint32(bucket.tokens)
		var resetAfter time.Duration
		if remaining == 0 {
			resetAfter = time.Duration(math.Ceil(1.0/refillRate)) * time.Second
		}
		l.mu.Unlock()
		return Result{Allowed: true, Remaining: remaining, RetryAfter: resetAfter}
	}

	retryAfter := time.Duration(math.Ceil((1.0-bucket.tokens)/refillRate)) * time.Second
	l.mu.Unlock()

	if l.mtr != nil {
		l.mtr.RateLimitRejected.Inc()
	}
	return Result{Allowed: false, RetryAfter: retryAfter}
}

// Cleanup removes buckets untouched for longer than maxAge, bounding
// memory when many distinct client identities pass through briefly.
func (l *Limiter) Cleanup(maxAge time.Duration) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		if now.Sub(b.lastUpdate) >= maxAge {
			delete(l.buckets, id)
		}
	}
}

// RunCleanup periodically reaps idle buckets until ctx is canceled.
func (l *Limiter) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup(maxAge)
		}
	}
}
