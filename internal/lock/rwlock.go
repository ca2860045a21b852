package lock

import (
	"context"
	"sync"
)

// RwLock guards a value with shared (read) or exclusive (write) access.
//
// Release policy:
//   - writer exit: wake exactly one waiting writer if any, else every waiting reader
//   - reader exit: when the last reader leaves and writers wait, wake one writer
//
// A woken waiter re-checks the lock state; if it lost a race it parks again
// at the front of its queue so it keeps its position.
//
// INVARIANT: writing && readers > 0 is never true.
type RwLock[T any] struct {
	mu      sync.Mutex
	value   T
	readers int
	writing bool

	waitingWriters []chan struct{}
	waitingReaders []chan struct{}
}

// NewRwLock creates an RwLock guarding value.
func NewRwLock[T any](value T) *RwLock[T] {
	return &RwLock[T]{value: value}
}

// ScopedRead runs fn with shared access to the guarded value.
// Blocks only while a writer holds the lock.
func (l *RwLock[T]) ScopedRead(ctx context.Context, fn func(T) error) error {
	value, err := l.acquireRead(ctx)
	if err != nil {
		return err
	}
	defer l.releaseRead()
	return fn(value)
}

// ScopedWrite runs fn with exclusive access to the guarded value.
// The set function replaces the guarded value; calling it after fn has
// returned panics.
func (l *RwLock[T]) ScopedWrite(ctx context.Context, fn func(value T, set func(T)) error) error {
	value, err := l.acquireWrite(ctx)
	if err != nil {
		return err
	}
	defer l.releaseWrite()

	var scopeMu sync.Mutex
	held := true
	set := func(v T) {
		scopeMu.Lock()
		defer scopeMu.Unlock()
		if !held {
			panic("lock: RwLock setter used outside its write scope")
		}
		l.mu.Lock()
		l.value = v
		l.mu.Unlock()
	}
	defer func() {
		scopeMu.Lock()
		held = false
		scopeMu.Unlock()
	}()

	return fn(value, set)
}

// Snapshot reports the reader count and writer flag.
// Used by tests to check the exclusion invariant.
func (l *RwLock[T]) Snapshot() (readers int, writing bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers, l.writing
}

func (l *RwLock[T]) acquireRead(ctx context.Context) (T, error) {
	requeue := false
	for {
		l.mu.Lock()
		if !l.writing {
			l.readers++
			v := l.value
			l.mu.Unlock()
			return v, nil
		}
		ch := make(chan struct{})
		if requeue {
			l.waitingReaders = append([]chan struct{}{ch}, l.waitingReaders...)
		} else {
			l.waitingReaders = append(l.waitingReaders, ch)
		}
		l.mu.Unlock()

		select {
		case <-ch:
			requeue = true
		case <-ctx.Done():
			l.mu.Lock()
			l.waitingReaders = removeWaiter(l.waitingReaders, ch)
			l.mu.Unlock()
			var zero T
			return zero, ctx.Err()
		}
	}
}

func (l *RwLock[T]) acquireWrite(ctx context.Context) (T, error) {
	requeue := false
	for {
		l.mu.Lock()
		if !l.writing && l.readers == 0 {
			l.writing = true
			v := l.value
			l.mu.Unlock()
			return v, nil
		}
		ch := make(chan struct{})
		if requeue {
			l.waitingWriters = append([]chan struct{}{ch}, l.waitingWriters...)
		} else {
			l.waitingWriters = append(l.waitingWriters, ch)
		}
		l.mu.Unlock()

		select {
		case <-ch:
			requeue = true
		case <-ctx.Done():
			l.mu.Lock()
			before := len(l.waitingWriters)
			l.waitingWriters = removeWaiter(l.waitingWriters, ch)
			if len(l.waitingWriters) == before {
				// Already woken: hand the wake-up on so it is not lost.
				l.wakeAfterWriterLocked()
			}
			l.mu.Unlock()
			var zero T
			return zero, ctx.Err()
		}
	}
}

func (l *RwLock[T]) releaseRead() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.readers--
	if l.readers == 0 && len(l.waitingWriters) > 0 {
		l.wakeOneWriterLocked()
	}
}

func (l *RwLock[T]) releaseWrite() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writing = false
	l.wakeAfterWriterLocked()
}

// wakeAfterWriterLocked applies the writer-exit policy. Caller holds l.mu.
func (l *RwLock[T]) wakeAfterWriterLocked() {
	if len(l.waitingWriters) > 0 {
		l.wakeOneWriterLocked()
		return
	}
	for _, ch := range l.waitingReaders {
		close(ch)
	}
	l.waitingReaders = nil
}

func (l *RwLock[T]) wakeOneWriterLocked() {
	ch := l.waitingWriters[0]
	l.waitingWriters[0] = nil
	l.waitingWriters = l.waitingWriters[1:]
	close(ch)
}

func removeWaiter(queue []chan struct{}, ch chan struct{}) []chan struct{} {
	for i, c := range queue {
		if c == ch {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}
