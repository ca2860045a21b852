package worker

import (
	"errors"
	"sync"
)

// Handle is one running worker as seen from the host.
//
// Frames carries worker-to-host frames and is closed when the worker exits.
// Errors carries worker runtime errors that cannot be tied to a call.
type Handle interface {
	Post(frame []byte) error
	Frames() <-chan []byte
	Errors() <-chan error
	Terminate() error
}

// ErrPipeClosed is returned by Post on a terminated pipe.
var ErrPipeClosed = errors.New("worker: pipe closed")

// PipeEnd is one side of an in-memory worker connection.
// The host side satisfies Handle; the worker side is driven by test doubles
// or an in-process compiler.
type PipeEnd struct {
	send *frameQueue
	recv chan []byte
	errs chan error
	peer *PipeEnd
	pipe *pipe
}

type pipe struct {
	once sync.Once
	done chan struct{}
	a, b *frameQueue
}

// NewPipe creates a connected host/worker pair.
func NewPipe() (host *PipeEnd, worker *PipeEnd) {
	p := &pipe{
		done: make(chan struct{}),
		a:    newFrameQueue(),
		b:    newFrameQueue(),
	}
	host = &PipeEnd{send: p.a, recv: make(chan []byte), errs: make(chan error, 16), pipe: p}
	worker = &PipeEnd{send: p.b, recv: make(chan []byte), errs: make(chan error, 16), pipe: p}
	host.peer = worker
	worker.peer = host

	go p.pump(p.a, worker.recv)
	go p.pump(p.b, host.recv)
	return host, worker
}

// Post queues a frame for the other side. Never blocks.
func (e *PipeEnd) Post(frame []byte) error {
	if !e.send.Enqueue(frame) {
		return ErrPipeClosed
	}
	return nil
}

// Frames returns frames posted by the other side.
func (e *PipeEnd) Frames() <-chan []byte {
	return e.recv
}

// Errors returns runtime errors reported by the other side.
func (e *PipeEnd) Errors() <-chan error {
	return e.errs
}

// ReportError delivers a runtime error to the other side's Errors channel.
// Dropped if the buffer is full.
func (e *PipeEnd) ReportError(err error) {
	select {
	case e.peer.errs <- err:
	default:
	}
}

// Terminate closes both directions. Undelivered frames are dropped.
func (e *PipeEnd) Terminate() error {
	e.pipe.once.Do(func() {
		close(e.pipe.done)
		e.pipe.a.Close()
		e.pipe.b.Close()
	})
	return nil
}

// Done is closed once the pipe is terminated.
func (e *PipeEnd) Done() <-chan struct{} {
	return e.pipe.done
}

// pump moves frames from q to out until the pipe is terminated.
func (p *pipe) pump(q *frameQueue, out chan<- []byte) {
	defer close(out)
	for {
		if f, ok := q.TryDequeue(); ok {
			select {
			case out <- f:
				continue
			case <-p.done:
				return
			}
		}
		select {
		case <-p.done:
			return
		case _, ok := <-q.Wait():
			if !ok && q.Len() == 0 {
				return
			}
		}
	}
}
