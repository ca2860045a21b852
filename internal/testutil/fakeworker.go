package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/roach88/quill/internal/worker"
)

// WorkerFunc answers one call in a FakeWorker. A returned error becomes a
// failure reply carrying err.Error() as a JSON string.
type WorkerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// WorkerCall records a call the FakeWorker received.
type WorkerCall struct {
	ID     int64
	FuncID int
	Args   json.RawMessage
}

// FakeWorker is an in-memory worker that speaks the host protocol over a
// worker.Pipe. Calls are answered by registered WorkerFuncs, each on its own
// goroutine, so a func may block on LoadFile.
type FakeWorker struct {
	end *worker.PipeEnd

	mu        sync.Mutex
	funcs     map[int]WorkerFunc
	hang      map[int]bool
	calls     []WorkerCall
	probes    int
	noReady   bool
	fileWaits map[string][]chan worker.HostFrame
	files     []worker.HostFrame

	ctx    context.Context
	cancel context.CancelFunc
}

// FakeWorkerOption configures a FakeWorker.
type FakeWorkerOption func(*FakeWorker)

// WithoutReady makes the worker ignore readiness probes.
func WithoutReady() FakeWorkerOption {
	return func(w *FakeWorker) {
		w.noReady = true
	}
}

// NewFakeWorker starts a fake worker and returns the host-side handle to
// pass to worker.Host.SetWorker.
func NewFakeWorker(opts ...FakeWorkerOption) (*worker.PipeEnd, *FakeWorker) {
	hostEnd, workerEnd := worker.NewPipe()
	ctx, cancel := context.WithCancel(context.Background())
	w := &FakeWorker{
		end:       workerEnd,
		funcs:     make(map[int]WorkerFunc),
		hang:      make(map[int]bool),
		fileWaits: make(map[string][]chan worker.HostFrame),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.loop()
	return hostEnd, w
}

// Handle registers fn for funcID.
func (w *FakeWorker) Handle(funcID int, fn WorkerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.funcs[funcID] = fn
}

// Reply registers a func that always answers with result.
func (w *FakeWorker) Reply(funcID int, result any) {
	w.Handle(funcID, func(context.Context, json.RawMessage) (any, error) {
		return result, nil
	})
}

// Hang makes calls to funcID go unanswered.
func (w *FakeWorker) Hang(funcID int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hang[funcID] = true
}

// Calls returns the calls received so far, in arrival order.
func (w *FakeWorker) Calls() []WorkerCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]WorkerCall, len(w.calls))
	copy(out, w.calls)
	return out
}

// CallsTo returns the calls received for funcID.
func (w *FakeWorker) CallsTo(funcID int) []WorkerCall {
	var out []WorkerCall
	for _, c := range w.Calls() {
		if c.FuncID == funcID {
			out = append(out, c)
		}
	}
	return out
}

// Probes returns how many readiness probes arrived.
func (w *FakeWorker) Probes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.probes
}

// Files returns every file response received, requested or not.
func (w *FakeWorker) Files() []worker.HostFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]worker.HostFrame(nil), w.files...)
}

// SendReady announces readiness without waiting for a probe.
func (w *FakeWorker) SendReady() error {
	return w.Special(worker.SpecialReady, nil)
}

// Special sends a special message to the host.
func (w *FakeWorker) Special(name string, payload any) error {
	frame, err := worker.EncodeSpecial(name, payload)
	if err != nil {
		return err
	}
	return w.end.Post(frame)
}

// SendRaw posts an arbitrary frame to the host.
func (w *FakeWorker) SendRaw(frame []byte) error {
	return w.end.Post(frame)
}

// Fail reports a runtime error on the host's error channel.
func (w *FakeWorker) Fail(err error) {
	w.end.ReportError(err)
}

// LoadFile asks the host for path and waits for its file response.
func (w *FakeWorker) LoadFile(ctx context.Context, path string, checkChanged bool) (worker.HostFrame, error) {
	ch := make(chan worker.HostFrame, 1)
	w.mu.Lock()
	w.fileWaits[path] = append(w.fileWaits[path], ch)
	w.mu.Unlock()

	if err := w.Special(worker.SpecialLoadFile, []any{path, checkChanged}); err != nil {
		return worker.HostFrame{}, err
	}

	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		return worker.HostFrame{}, ctx.Err()
	case <-w.end.Done():
		return worker.HostFrame{}, fmt.Errorf("load %s: %w", path, worker.ErrPipeClosed)
	}
}

// Exit terminates the connection as if the worker process died.
func (w *FakeWorker) Exit() {
	w.cancel()
	_ = w.end.Terminate()
}

func (w *FakeWorker) loop() {
	for frame := range w.end.Frames() {
		hf, err := worker.DecodeHostFrame(frame)
		if err != nil {
			continue
		}
		switch hf.Kind {
		case worker.HostReadyProbe:
			w.mu.Lock()
			w.probes++
			silent := w.noReady
			w.mu.Unlock()
			if !silent {
				_ = w.SendReady()
			}

		case worker.HostCall:
			w.mu.Lock()
			w.calls = append(w.calls, WorkerCall{ID: hf.ID, FuncID: hf.FuncID, Args: hf.Args})
			fn := w.funcs[hf.FuncID]
			hang := w.hang[hf.FuncID]
			w.mu.Unlock()
			if hang {
				continue
			}
			go w.answer(hf, fn)

		case worker.HostFile:
			w.mu.Lock()
			w.files = append(w.files, hf)
			waits := w.fileWaits[hf.Path]
			var ch chan worker.HostFrame
			if len(waits) > 0 {
				ch = waits[0]
				w.fileWaits[hf.Path] = waits[1:]
			}
			w.mu.Unlock()
			if ch != nil {
				ch <- hf
			}
		}
	}
}

func (w *FakeWorker) answer(hf worker.HostFrame, fn WorkerFunc) {
	var (
		frame []byte
		err   error
	)
	if fn == nil {
		frame, err = worker.EncodeReply(hf.ID, false, fmt.Sprintf("unknown function %d", hf.FuncID))
	} else if result, ferr := fn(w.ctx, hf.Args); ferr != nil {
		frame, err = worker.EncodeReply(hf.ID, false, ferr.Error())
	} else {
		frame, err = worker.EncodeReply(hf.ID, true, result)
	}
	if err != nil {
		return
	}
	_ = w.end.Post(frame)
}
