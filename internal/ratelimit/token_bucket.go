package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket caps the rate of discrete events. It refills at an integer
// number of tokens per second against an injectable Clock, so tests can drive
// it deterministically.
//
// Refill happens lazily on each Allow call. Sub-token progress is carried
// between calls as a nano-token remainder, so callers polling faster than the
// refill rate still accumulate tokens at exactly the configured rate with no
// float rounding.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	tokens    int64
	remainder int64 // nano-tokens not yet worth a whole token
	last      time.Time
}

const nanosPerToken = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:    clock,
		capacity: capacity,
		rate:     rate,
		tokens:   capacity,
		last:     clock.Now(),
	}
}

// Allow consumes n tokens if available.
//
// n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards. Re-anchor without refilling.
		b.last = now
		b.remainder = 0
		return
	}

	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		return
	}

	// rate is tokens/sec, so elapsed*rate is nano-tokens. Anything long enough
	// to overflow that product fills the bucket many times over.
	if elapsed > (maxInt64-b.remainder)/b.rate {
		b.tokens = b.capacity
		b.remainder = 0
		return
	}

	total := b.remainder + elapsed*b.rate
	b.tokens += total / nanosPerToken
	b.remainder = total % nanosPerToken
	if b.tokens >= b.capacity {
		b.tokens = b.capacity
		b.remainder = 0
	}
}
