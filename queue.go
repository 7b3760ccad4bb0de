package idm

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
)

// ChunkQueue is an unbounded FIFO carrying messages from many fetchers to the
// single file writer.
type ChunkQueue struct {
	lock  sync.Mutex
	items deque.Deque[Message]
	ready chan struct{} // has one buffered signal when items is not empty
}

func NewChunkQueue() *ChunkQueue {
	return &ChunkQueue{ready: make(chan struct{}, 1)}
}

// Put never blocks.
func (q *ChunkQueue) Put(m Message) {
	q.lock.Lock()
	q.items.PushBack(m)
	q.lock.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *ChunkQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.items.Len()
}

// Drain returns every queued message in FIFO order, waiting for at least one
// to arrive.
func (q *ChunkQueue) Drain(ctx context.Context) ([]Message, error) {
	for {
		q.lock.Lock()
		if n := q.items.Len(); n > 0 {
			msgs := make([]Message, 0, n)
			for q.items.Len() > 0 {
				msgs = append(msgs, q.items.PopFront())
			}
			q.lock.Unlock()
			return msgs, nil
		}
		q.lock.Unlock()
		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
