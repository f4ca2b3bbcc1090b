package data

import (
	"sync"
	"time"
)

// rateLimiter is a simple token-bucket limiter, adapted for TuShare's
// per-minute call quota (config: data_sources.tushare_rpm).
type rateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

func newRateLimiter(maxTokens int, window time.Duration) *rateLimiter {
	if maxTokens <= 0 {
		maxTokens = 1
	}
	return &rateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: window,
		lastRefill: time.Now(),
	}
}

// Acquire blocks until a token is available.
func (rl *rateLimiter) Acquire() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastRefill) >= rl.refillRate {
		rl.tokens = rl.maxTokens
		rl.lastRefill = now
	}

	for rl.tokens <= 0 {
		rl.mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		rl.mu.Lock()
		now = time.Now()
		if now.Sub(rl.lastRefill) >= rl.refillRate {
			rl.tokens = rl.maxTokens
			rl.lastRefill = now
		}
	}
	rl.tokens--
}
