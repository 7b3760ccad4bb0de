package idm

import (
	"context"
	"math"
	"time"
)

const (
	refillInterval = 1 * time.Second
	burstSeconds   = 2
)

// RateLimiter refills a TokenBucket once per second. Without a cap it resets
// the bucket to its (huge) capacity; with a cap of R bytes per second it adds
// R tokens, letting unused ones pile up to the capacity.
type RateLimiter struct {
	bucket         *TokenBucket
	bytesPerSecond int64
	interval       time.Duration
}

// NewRateLimiter creates the bucket shared by the fetchers and the limiter
// refilling it. A zero (or negative) bytesPerSecond means no limit.
func NewRateLimiter(bytesPerSecond, chunkSize int64) *RateLimiter {
	if bytesPerSecond <= 0 {
		b := NewTokenBucket(math.MaxInt64)
		b.Set(b.capacity)
		return &RateLimiter{bucket: b, interval: refillInterval}
	}
	capacity := int64(math.MaxInt64)
	if bytesPerSecond <= math.MaxInt64/burstSeconds {
		capacity = max(burstSeconds*bytesPerSecond, chunkSize)
	}
	return &RateLimiter{
		bucket:         NewTokenBucket(capacity),
		bytesPerSecond: bytesPerSecond,
		interval:       refillInterval,
	}
}

func (l *RateLimiter) Bucket() *TokenBucket { return l.bucket }

func (l *RateLimiter) refill() {
	if l.bytesPerSecond == 0 {
		l.bucket.Set(l.bucket.capacity)
		return
	}
	l.bucket.Add(l.bytesPerSecond)
}

// Run refills the bucket until it is terminated or ctx is done.
func (l *RateLimiter) Run(ctx context.Context) {
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if l.bucket.IsTerminated() {
				return
			}
			l.refill()
		}
	}
}
