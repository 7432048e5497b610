package ratelimit

import (
	"sync"
	"time"
)

// One token is 1e9 nano-tokens, so an integer fill rate in tokens/sec is
// exactly one nano-token per nanosecond per token of rate. Integer math keeps
// refills deterministic under a fake clock.
const nanosPerToken = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket bounds per-connection signaling message rates. Refill is driven
// by the injected Clock, never by the wall clock directly.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec, equal to nano-tokens/ns
	avail    int64 // nano-tokens
	last     time.Time
}

// NewTokenBucket returns a bucket holding capacityTokens that refills at
// fillRate tokens per second. The bucket starts full. A nil clock falls back
// to the real clock.
func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if fillRate < 0 {
		fillRate = 0
	}
	capNano := toNano(capacityTokens)
	return &TokenBucket{
		clock:    clock,
		capacity: capNano,
		rate:     fillRate,
		avail:    capNano,
		last:     clock.Now(),
	}
}

// Allow consumes tokens if the bucket holds enough. Non-positive costs always
// succeed.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if cost > b.avail {
		return false
	}
	b.avail -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without granting tokens.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if elapsed <= 0 || b.rate <= 0 || b.avail >= b.capacity {
		return
	}

	// elapsed*rate can overflow after a long idle stretch. When the elapsed
	// time alone covers the deficit, skip the multiply and clamp.
	deficit := b.capacity - b.avail
	if elapsed >= deficit/b.rate+1 {
		b.avail = b.capacity
		return
	}
	b.avail += elapsed * b.rate
	if b.avail > b.capacity {
		b.avail = b.capacity
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanosPerToken {
		return maxInt64
	}
	return tokens * nanosPerToken
}
