// Package ratelimit provides the token bucket behind per-connection
// signaling message limits.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

const nanosPerToken = int64(time.Second)

// TokenBucket refills at an integer rate of tokens per second. Token balance
// is tracked in nano-tokens so refill math stays exact without floats.
type TokenBucket struct {
	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	mu        sync.Mutex
	available int64 // nano-tokens
	last      time.Time
}

// NewTokenBucket builds a full bucket. A nil clock uses real time.
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
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: capacity * nanosPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	return b.AllowN(1)
}

// AllowN consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := n * nanosPerToken

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		return
	}

	max := b.capacity * nanosPerToken
	if b.available >= max {
		b.available = max
		return
	}

	// rate tokens/sec equals rate nano-tokens per nanosecond. Clamp before
	// multiplying so a long idle gap cannot overflow.
	need := max - b.available
	if fillTime := need / b.rate; elapsed.Nanoseconds() >= fillTime {
		b.available = max
		return
	}
	b.available += elapsed.Nanoseconds() * b.rate
	if b.available > max {
		b.available = max
	}
}
