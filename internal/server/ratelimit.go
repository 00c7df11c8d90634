package server

import (
	"fmt"
	"sync"
	"time"
)

type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	// SubmitLimit caps transform submissions per client IP per SubmitWindow.
	// Zero disables per-client limiting.
	SubmitLimit   int
	SubmitWindow  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global        *tokenBucket
	submitLimit   int
	submitWindow  time.Duration
	submitMu      sync.Mutex
	submitBuckets map[string]*ipLimiter
	store         tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

// tokenStore counts submissions per key inside a rolling window. The Redis
// implementation makes the limit hold across replicas.
type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		submitLimit:   cfg.SubmitLimit,
		submitWindow:  cfg.SubmitWindow,
		submitBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.submitLimit <= 0 {
		rl.submitLimit = 0
	}
	if rl.submitWindow <= 0 {
		rl.submitWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.submitLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowSubmit(key string) (bool, time.Duration, error) {
	if r == nil || r.submitLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("vodmark:submit:%s", key), r.submitLimit, r.submitWindow)
	}
	if key == "" {
		key = "unknown"
	}
	r.submitMu.Lock()
	bucket, exists := r.submitBuckets[key]
	if !exists {
		rate := float64(r.submitLimit) / r.submitWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.submitWindow.Seconds()
		}
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.submitLimit)}
		r.submitBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.submitMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) Close() {
	if r == nil || r.store == nil {
		return
	}
	_ = r.store.Close()
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.submitBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.submitWindow)
	for key, bucket := range r.submitBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.submitBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
