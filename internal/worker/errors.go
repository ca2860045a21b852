package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoWorker is returned when a call is made before SetWorker.
	ErrNoWorker = errors.New("worker: no worker attached")

	// ErrWorkerReplaced rejects calls still pending when SetWorker swaps
	// in a new worker.
	ErrWorkerReplaced = errors.New("worker: replaced while call was pending")

	// ErrWorkerExited rejects calls still pending when the worker's message
	// stream ends (process exit).
	ErrWorkerExited = errors.New("worker: exited while call was pending")

	// ErrHostClosed is returned after Close.
	ErrHostClosed = errors.New("worker: host closed")
)

// CallTimeoutError is returned when a worker does not answer a call within
// the call timeout. The pending entry is removed; a late reply is dropped.
type CallTimeoutError struct {
	CallID  int64
	FuncID  int
	Timeout time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("worker call %d (func %d) timed out after %s", e.CallID, e.FuncID, e.Timeout)
}

// WorkerError carries the failure payload of a [id, false, payload] reply.
type WorkerError struct {
	CallID  int64
	Payload json.RawMessage
}

// Error returns the payload itself when it is a JSON string, otherwise the
// raw JSON.
func (e *WorkerError) Error() string {
	var s string
	if err := json.Unmarshal(e.Payload, &s); err == nil {
		return s
	}
	if len(e.Payload) == 0 {
		return fmt.Sprintf("worker call %d failed", e.CallID)
	}
	return string(e.Payload)
}

// FrameError reports a frame that could not be decoded.
type FrameError struct {
	Reason string
	Frame  []byte
}

func (e *FrameError) Error() string {
	const max = 120
	frame := e.Frame
	if len(frame) > max {
		frame = frame[:max]
	}
	return fmt.Sprintf("malformed worker frame (%s): %s", e.Reason, frame)
}

// IsTimeout reports whether err is a CallTimeoutError.
// Uses errors.As to handle wrapped errors.
func IsTimeout(err error) bool {
	var te *CallTimeoutError
	return errors.As(err, &te)
}

// IsWorkerError reports whether err is a failure reply from the worker.
func IsWorkerError(err error) bool {
	var we *WorkerError
	return errors.As(err, &we)
}
