package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Default timings for the worker protocol.
const (
	DefaultCallTimeout   = 5 * time.Minute
	DefaultReadyInterval = 500 * time.Millisecond
)

// SpecialHandler handles one out-of-band worker message.
// Handlers run on the dispatch goroutine and must not block on worker replies;
// long work belongs in a goroutine the handler starts itself.
type SpecialHandler func(ctx context.Context, payload json.RawMessage)

// Observer receives call and message events. Implemented by the metrics
// package; a nil Observer is ignored.
type Observer interface {
	CallStarted(funcID int)
	CallFinished(funcID int, elapsed time.Duration, err error)
	SpecialReceived(name string)
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithCallTimeout sets how long CallWorker waits for a reply.
func WithCallTimeout(d time.Duration) HostOption {
	return func(h *Host) {
		if d > 0 {
			h.callTimeout = d
		}
	}
}

// WithReadyInterval sets how often the readiness probe is re-sent.
func WithReadyInterval(d time.Duration) HostOption {
	return func(h *Host) {
		if d > 0 {
			h.readyInterval = d
		}
	}
}

// WithObserver attaches call/message instrumentation.
func WithObserver(o Observer) HostOption {
	return func(h *Host) {
		h.observer = o
	}
}

// Host is the host side of the worker protocol.
//
// It owns at most one worker at a time. Each attached worker gets a fresh
// session: a pending-call table, a readiness flag and a dispatch goroutine.
// Special handlers registered with RegisterSpecial belong to the Host and
// survive worker replacement.
//
// Call ids come from one counter for the lifetime of the Host, so an id is
// never reused while a call with that id may still be answered.
type Host struct {
	mu       sync.Mutex
	session  *hostSession
	specials map[string]SpecialHandler
	closed   bool

	nextID atomic.Int64

	callTimeout   time.Duration
	readyInterval time.Duration
	observer      Observer
}

type hostSession struct {
	handle  Handle
	logger  *slog.Logger
	pending map[int64]*pendingCall

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{} // closed when the dispatch loop exits

	ctx    context.Context
	cancel context.CancelFunc
}

type pendingCall struct {
	funcID  int
	started time.Time
	timer   *time.Timer
	result  chan callResult // buffered, size 1
}

type callResult struct {
	value json.RawMessage
	err   error
}

// NewHost creates a Host with no worker attached.
func NewHost(opts ...HostOption) *Host {
	h := &Host{
		specials:      make(map[string]SpecialHandler),
		callTimeout:   DefaultCallTimeout,
		readyInterval: DefaultReadyInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterSpecial installs the handler for a special message name.
// A later registration for the same name replaces the earlier one.
func (h *Host) RegisterSpecial(name string, fn SpecialHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn == nil {
		delete(h.specials, name)
		return
	}
	h.specials[name] = fn
}

// SetWorker attaches handle as the current worker and waits for it to
// report "ready".
//
// Any previous worker is terminated and its pending calls fail with
// ErrWorkerReplaced. The readiness probe is posted immediately and then every
// ready interval until the worker answers, ctx is done, or the worker exits.
// The worker stays attached when SetWorker returns early with an error.
func (h *Host) SetWorker(ctx context.Context, handle Handle, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &hostSession{
		handle:  handle,
		logger:  logger,
		pending: make(map[int64]*pendingCall),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	s.ctx = context.WithValue(sctx, sessionKey{}, s)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return ErrHostClosed
	}
	old := h.session
	h.session = s
	h.mu.Unlock()

	if old != nil {
		h.retire(old, ErrWorkerReplaced)
		logger.Info("worker replaced")
	}

	go h.dispatchLoop(s)
	go h.errorLoop(s)

	return h.awaitReady(ctx, s)
}

func (h *Host) awaitReady(ctx context.Context, s *hostSession) error {
	probe := EncodeReadyProbe()
	if err := s.handle.Post(probe); err != nil {
		s.logger.Debug("ready probe not delivered", "error", err)
	}

	ticker := time.NewTicker(h.readyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ready:
			s.logger.Debug("worker ready")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrWorkerExited
		case <-s.ctx.Done():
			return ErrWorkerReplaced
		case <-ticker.C:
			if err := s.handle.Post(probe); err != nil {
				s.logger.Debug("ready probe not delivered", "error", err)
			}
		}
	}
}

// IsReady reports whether the current worker has answered the readiness
// probe.
func (h *Host) IsReady() bool {
	h.mu.Lock()
	s := h.session
	h.mu.Unlock()
	if s == nil {
		return false
	}
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// CallWorker invokes funcID on the worker and waits for its reply.
//
// A failure reply is returned as *WorkerError. If no reply arrives within the
// call timeout the call fails with *CallTimeoutError and a later reply is
// dropped. Cancelling ctx abandons the call the same way.
func (h *Host) CallWorker(ctx context.Context, funcID int, args ...any) (json.RawMessage, error) {
	id := h.nextID.Add(1)
	frame, err := EncodeCall(id, funcID, args)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHostClosed
	}
	s := h.session
	if s == nil {
		h.mu.Unlock()
		return nil, ErrNoWorker
	}
	pc := &pendingCall{
		funcID:  funcID,
		started: time.Now(),
		result:  make(chan callResult, 1),
	}
	s.pending[id] = pc
	// The timer cannot settle before we unlock; settle takes h.mu.
	timeout := h.callTimeout
	pc.timer = time.AfterFunc(timeout, func() {
		h.settle(s, id, callResult{err: &CallTimeoutError{CallID: id, FuncID: funcID, Timeout: timeout}})
	})
	h.mu.Unlock()

	if h.observer != nil {
		h.observer.CallStarted(funcID)
	}

	if err := s.handle.Post(frame); err != nil {
		h.settle(s, id, callResult{err: fmt.Errorf("post call %d: %w", id, err)})
	}

	select {
	case res := <-pc.result:
		return res.value, res.err
	case <-ctx.Done():
		if h.settle(s, id, callResult{err: ctx.Err()}) {
			return nil, ctx.Err()
		}
		// Settled concurrently; the result is already buffered.
		res := <-pc.result
		return res.value, res.err
	}
}

// settle completes a pending call. Returns false if id was no longer pending.
func (h *Host) settle(s *hostSession, id int64, res callResult) bool {
	h.mu.Lock()
	pc, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	pc.timer.Stop()
	pc.result <- res

	if h.observer != nil {
		h.observer.CallFinished(pc.funcID, time.Since(pc.started), res.err)
	}
	if IsTimeout(res.err) {
		s.logger.Warn("worker call timed out", "call_id", id, "func_id", pc.funcID)
	}
	return true
}

// rejectAll fails every call pending on s.
func (h *Host) rejectAll(s *hostSession, err error) {
	h.mu.Lock()
	ids := make([]int64, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.settle(s, id, callResult{err: err})
	}
}

// retire detaches s: its pending calls fail with err and its worker is
// terminated.
func (h *Host) retire(s *hostSession, err error) {
	s.cancel()
	h.rejectAll(s, err)
	if terr := s.handle.Terminate(); terr != nil {
		s.logger.Warn("terminate worker", "error", terr)
	}
}

// PendingCount returns the number of calls awaiting a reply from the current
// worker.
func (h *Host) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return 0
	}
	return len(h.session.pending)
}

// Post sends a raw frame to the current worker.
func (h *Host) Post(frame []byte) error {
	h.mu.Lock()
	s := h.session
	closed := h.closed
	h.mu.Unlock()

	if closed {
		return ErrHostClosed
	}
	if s == nil {
		return ErrNoWorker
	}
	return s.handle.Post(frame)
}

// FileResponse answers a load_file request.
// Exactly one of Err, NotModified or Content applies, checked in that order.
type FileResponse struct {
	Path        string
	Content     []byte
	NotModified bool
	Err         error
}

// sessionKey marks a special handler's context with the session that
// received the message.
type sessionKey struct{}

// PostFile sends a file response frame.
//
// When ctx is the context a special handler was invoked with, the response
// goes to the worker that sent the request, and fails with ErrWorkerReplaced
// once that worker has been retired. Otherwise it goes to the current worker.
func (h *Host) PostFile(ctx context.Context, resp FileResponse) error {
	var (
		frame []byte
		err   error
	)
	switch {
	case resp.Err != nil:
		frame, err = EncodeFileError(resp.Path, resp.Err.Error())
	case resp.NotModified:
		frame, err = EncodeFileNotModified(resp.Path)
	default:
		frame, err = EncodeFileContent(resp.Path, resp.Content)
	}
	if err != nil {
		return fmt.Errorf("encode file response for %s: %w", resp.Path, err)
	}

	s, ok := ctx.Value(sessionKey{}).(*hostSession)
	if !ok {
		return h.Post(frame)
	}
	if s.ctx.Err() != nil {
		h.mu.Lock()
		closed := h.closed
		h.mu.Unlock()
		if closed {
			return ErrHostClosed
		}
		return ErrWorkerReplaced
	}
	return s.handle.Post(frame)
}

// Close terminates the current worker and fails its pending calls with
// ErrHostClosed. Further calls fail with ErrHostClosed.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	s := h.session
	h.mu.Unlock()

	if s != nil {
		h.retire(s, ErrHostClosed)
	}
	return nil
}

// dispatchLoop routes frames from s's worker until its stream ends.
func (h *Host) dispatchLoop(s *hostSession) {
	defer close(s.done)

	for frame := range s.handle.Frames() {
		msg, err := DecodeMessage(frame)
		if err != nil {
			s.logger.Warn("dropping malformed worker frame", "error", err)
			continue
		}

		switch msg.Kind {
		case KindReply:
			res := callResult{value: msg.Result}
			if !msg.OK {
				res = callResult{err: &WorkerError{CallID: msg.ID, Payload: msg.Result}}
			}
			if !h.settle(s, msg.ID, res) {
				s.logger.Debug("dropping reply for unknown call", "call_id", msg.ID)
			}
		case KindSpecial:
			h.dispatchSpecial(s, msg)
		}
	}

	h.rejectAll(s, ErrWorkerExited)
	s.logger.Debug("worker message stream closed")
}

func (h *Host) dispatchSpecial(s *hostSession, msg Message) {
	if s.ctx.Err() != nil {
		// Retired: the output still draining from the old worker must not
		// reach handlers that answer the current one.
		s.logger.Debug("dropping special from retired worker", "name", msg.Name)
		return
	}
	if h.observer != nil {
		h.observer.SpecialReceived(msg.Name)
	}

	if msg.Name == SpecialReady {
		s.readyOnce.Do(func() { close(s.ready) })
	}

	h.mu.Lock()
	fn := h.specials[msg.Name]
	h.mu.Unlock()

	if fn == nil {
		fn = s.builtinSpecial(msg.Name)
	}
	if fn == nil {
		if msg.Name != SpecialReady {
			s.logger.Debug("dropping unhandled special message", "name", msg.Name)
		}
		return
	}
	fn(s.ctx, msg.Payload)
}

// builtinSpecial maps the worker's log messages onto the session logger.
func (s *hostSession) builtinSpecial(name string) SpecialHandler {
	var level slog.Level
	switch name {
	case SpecialInfo:
		level = slog.LevelInfo
	case SpecialWarn:
		level = slog.LevelWarn
	case SpecialError:
		level = slog.LevelError
	default:
		return nil
	}
	return func(ctx context.Context, payload json.RawMessage) {
		s.logger.Log(ctx, level, "worker: "+payloadText(payload))
	}
}

// errorLoop logs worker runtime errors. They are not tied to any call and
// never reject one.
func (h *Host) errorLoop(s *hostSession) {
	errs := s.handle.Errors()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.done:
			// Drain what the worker reported on its way out.
			for {
				select {
				case err := <-errs:
					s.logger.Error("worker error", "error", err)
				default:
					return
				}
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			s.logger.Error("worker error", "error", err)
		}
	}
}

func payloadText(payload json.RawMessage) string {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	return string(payload)
}
