package idm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrTakeExceedsCapacity = errors.New("requested more tokens than the bucket capacity")

// TokenBucket is a thread-safe counter of byte tokens shared by all fetchers
// of a download.
type TokenBucket struct {
	lock       sync.Mutex
	capacity   int64
	available  int64
	terminated bool
	refilled   chan struct{} // closed (and replaced) whenever tokens are added
}

func NewTokenBucket(capacity int64) *TokenBucket {
	return &TokenBucket{capacity: capacity, refilled: make(chan struct{})}
}

func (b *TokenBucket) Capacity() int64 { return b.capacity }

func (b *TokenBucket) Available() int64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.available
}

// Take blocks until n tokens are available and deducts them. It returns the
// context error if ctx is done before that.
func (b *TokenBucket) Take(ctx context.Context, n int64) error {
	if n > b.capacity {
		return fmt.Errorf("%w: %d > %d", ErrTakeExceedsCapacity, n, b.capacity)
	}
	for {
		b.lock.Lock()
		if b.available >= n {
			b.available -= n
			b.lock.Unlock()
			return nil
		}
		ch := b.refilled
		b.lock.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// wake must be called with the lock held.
func (b *TokenBucket) wake() {
	close(b.refilled)
	b.refilled = make(chan struct{})
}

// Add increases the available tokens by n, up to the capacity.
func (b *TokenBucket) Add(n int64) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if n > b.capacity-b.available {
		b.available = b.capacity
	} else {
		b.available += n
	}
	b.wake()
}

// Set overwrites the available tokens, clamped to [0, capacity].
func (b *TokenBucket) Set(n int64) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.available = max(0, min(n, b.capacity))
	b.wake()
}

// Terminate flags the bucket so the rate limiter stops refilling it. It does
// not release goroutines blocked in Take: cancel their context for that.
func (b *TokenBucket) Terminate() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.terminated = true
}

func (b *TokenBucket) IsTerminated() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.terminated
}
