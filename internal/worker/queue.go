package worker

import "sync"

// frameQueue is an unbounded, thread-safe FIFO of frames.
//
// Posting to a worker must never block the poster (a special handler may
// post while the dispatch loop is busy), so in-memory pipes buffer through
// this queue instead of a fixed-size channel.
//
// The queue uses a channel for signaling so a pump goroutine can wait for
// frames and for shutdown in the same select.
type frameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	signal chan struct{} // buffered, size 1; closed by Close
}

func newFrameQueue() *frameQueue {
	return &frameQueue{
		frames: make([][]byte, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends a frame. Returns false if the queue is closed.
func (q *frameQueue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.frames = append(q.frames, frame)

	// Non-blocking: the size-1 buffer coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front frame without blocking.
func (q *frameQueue) TryDequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return nil, false
	}
	f := q.frames[0]
	q.frames[0] = nil // release for GC
	if len(q.frames) == 1 {
		q.frames = q.frames[:0]
	} else {
		q.frames = q.frames[1:]
	}
	return f, true
}

// Wait returns the signal channel. It fires when frames may be available
// and is closed by Close.
func (q *frameQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued frames.
func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Close stops accepting frames and wakes the pump.
func (q *frameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
