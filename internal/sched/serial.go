package sched

import (
	"context"
	"errors"
	"sync"
)

// ErrSuperseded is returned by SerialEvent.Run when a newer run started
// before this one finished. The superseded run's result must be discarded.
var ErrSuperseded = errors.New("superseded by a newer run")

// SerialEvent stamps each run of an operation with an increasing serial so
// a run can detect that it has been superseded and stop early.
//
// Starting a run also cancels the context handed to the previous run. The
// previous run is expected to notice at its next suspension point; nothing
// is aborted forcibly.
type SerialEvent struct {
	mu     sync.Mutex
	serial uint64
	cancel context.CancelFunc
}

// Ticket identifies one run of a SerialEvent.
type Ticket struct {
	serial uint64
	ev     *SerialEvent
}

// Serial returns the run's serial number.
func (t Ticket) Serial() uint64 {
	return t.serial
}

// Superseded reports whether a newer run has started since this one.
func (t Ticket) Superseded() bool {
	return t.ev.Current() != t.serial
}

// Current returns the serial of the most recent run.
func (e *SerialEvent) Current() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.serial
}

// Run starts a new run of fn, superseding any run still in flight.
//
// Returns ErrSuperseded if another run started before fn returned;
// otherwise returns fn's error.
func (e *SerialEvent) Run(ctx context.Context, fn func(ctx context.Context, t Ticket) error) error {
	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.serial++
	t := Ticket{serial: e.serial, ev: e}
	e.cancel = cancel
	e.mu.Unlock()

	err := fn(runCtx, t)

	e.mu.Lock()
	superseded := e.serial != t.serial
	if !superseded {
		e.cancel = nil
	}
	e.mu.Unlock()
	cancel()

	if superseded {
		return ErrSuperseded
	}
	return err
}
