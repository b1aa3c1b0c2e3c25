// Package stream delivers encoded mesh frames from the reconstruction
// loop to a TCP receiver. The queue decouples the two so that a slow or
// stalled network consumer never delays reconstruction.
package stream

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrQueueClosed is returned by Pop once the queue has been closed and
// fully drained.
var ErrQueueClosed = errors.New("delivery queue closed")

// Queue is an unbounded FIFO of encoded frames. Push never blocks and
// never drops; Pop blocks until a frame is available. Safe for one
// producer and any number of consumers.
type Queue struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool

	notify chan struct{}
	done   chan struct{}
}

// NewQueue returns an empty open queue.
func NewQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends a frame to the queue, transferring ownership of the slice.
// Pushes after Close are discarded.
func (q *Queue) Push(frame []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()
	q.signal()
}

// Pop removes and returns the oldest frame, blocking until one is
// available, the queue is closed and drained, or the context is done.
func (q *Queue) Pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames = q.frames[1:]
			remaining := len(q.frames)
			q.mu.Unlock()
			if remaining > 0 {
				// wake the next consumer, if any
				q.signal()
			}
			return frame, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-q.done:
		}
	}
}

// Len reports the number of frames currently waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Close marks the queue as closed. Frames already queued remain available
// to Pop; once drained, Pop returns ErrQueueClosed. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
