package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/overseer/internal/config"
	"github.com/basket/overseer/internal/shared"
)

// tokenBucket is a token bucket refilled continuously.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(requestsPerMinute, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
	}
}

func (tb *tokenBucket) allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *tokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastRefill
}

// RateLimiter bounds dispatches per owner.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewRateLimiter creates a limiter from config. Zero values default to 30
// requests per minute with a burst of 5.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 5
	}
	return &RateLimiter{cfg: cfg, now: time.Now, buckets: make(map[string]*tokenBucket)}
}

// Allow consumes a token for owner.
func (rl *RateLimiter) Allow(owner string) bool {
	if rl == nil || !rl.cfg.Enabled {
		return true
	}
	now := rl.now()
	rl.mu.Lock()
	b, ok := rl.buckets[owner]
	if !ok {
		b = newTokenBucket(rl.cfg.RequestsPerMinute, rl.cfg.BurstSize, now)
		rl.buckets[owner] = b
	}
	rl.mu.Unlock()
	return b.allow(now)
}

// Wrap rejects requests from owners over their budget with 429.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(shared.OwnerID(r.Context())) {
			w.Header().Set("Retry-After", "2")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartEviction periodically drops buckets idle for longer than maxAge.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.evictStale(maxAge)
			}
		}
	}()
}

func (rl *RateLimiter) evictStale(maxAge time.Duration) int {
	cutoff := rl.now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for owner, b := range rl.buckets {
		if b.idleSince().Before(cutoff) {
			delete(rl.buckets, owner)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
	return evicted
}
