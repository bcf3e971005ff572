// Package ratelimit throttles bid-request admission on an exchange connector.
package ratelimit

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket admits bursts up to its capacity and holds the sustained rate
// to the refill rate. It satisfies exchange.Limiter.
type TokenBucket struct {
	lim      *rate.Limiter
	now      func() time.Time
	limited  atomic.Int64
	observed atomic.Int64
}

// NewTokenBucket creates a full bucket holding capacity tokens that refills
// at refillRate tokens per second. A capacity below one is raised to one.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity int, refillRate float64, now func() time.Time) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate < 0 {
		refillRate = 0
	}
	return &TokenBucket{
		lim: rate.NewLimiter(rate.Limit(refillRate), capacity),
		now: now,
	}
}

// Allow consumes one token, returning false when none is available.
func (tb *TokenBucket) Allow() bool {
	tb.observed.Add(1)
	if tb.lim.AllowN(tb.now(), 1) {
		return true
	}
	tb.limited.Add(1)
	return false
}

// Stats returns how many requests were throttled and how many were seen.
func (tb *TokenBucket) Stats() (hits, total int64) {
	return tb.limited.Load(), tb.observed.Load()
}
