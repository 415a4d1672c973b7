// Package ratelimit implements a per-sender token bucket, grounded on
// the original EnterpriseMessageQueue-adjacent RateLimiter: tokens
// refill at a constant rate, requests consume a token, and a sender
// with an empty bucket is denied with a wait-time estimate.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter grants up to rate requests per "per" seconds, per sender
// id, with burst capacity equal to rate.
type RateLimiter struct {
	rate int
	per  time.Duration

	mu      sync.Mutex
	buckets map[string]bucket
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// New builds a RateLimiter allowing rate requests per "per" seconds.
func New(rate, perSeconds int) *RateLimiter {
	if rate <= 0 {
		rate = 1
	}
	if perSeconds <= 0 {
		perSeconds = 1
	}
	return &RateLimiter{
		rate:    rate,
		per:     time.Duration(perSeconds) * time.Second,
		buckets: make(map[string]bucket),
	}
}

// Check reports whether senderID may proceed right now. On denial, the
// returned message names how many seconds until the next token is
// available.
func (rl *RateLimiter) Check(senderID string) (bool, string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[senderID]
	if !ok {
		rl.buckets[senderID] = bucket{tokens: float64(rl.rate) - 1, lastUpdate: now}
		return true, ""
	}

	elapsed := now.Sub(b.lastUpdate).Seconds()
	refillRate := float64(rl.rate) / rl.per.Seconds()
	tokens := b.tokens + elapsed*refillRate
	if tokens > float64(rl.rate) {
		tokens = float64(rl.rate)
	}

	if tokens >= 1 {
		rl.buckets[senderID] = bucket{tokens: tokens - 1, lastUpdate: now}
		return true, ""
	}

	waitSeconds := int((1 - tokens) / refillRate)
	rl.buckets[senderID] = bucket{tokens: tokens, lastUpdate: now}
	return false, fmt.Sprintf("sending too fast, please wait %d seconds and try again", waitSeconds)
}

// Reset clears senderID's bucket, restoring a full allowance on its
// next request.
func (rl *RateLimiter) Reset(senderID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, senderID)
}

// Stats reports the limiter's configuration and current bucket count,
// exposed for a status/metrics endpoint.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return map[string]interface{}{
		"active_senders": len(rl.buckets),
		"rate":           rl.rate,
		"per":            int(rl.per.Seconds()),
	}
}
