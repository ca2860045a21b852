// Package kernel orchestrates compile and export requests against the
// worker-resident compiler.
//
// All worker-affecting operations of one Kernel run under a single
// reentrant lock, so a compile and an export never interleave. Compile
// requests are batched: a request arriving while a compile loop is running
// joins that loop, which runs exactly one more iteration for it.
//
// Before each operation the kernel waits for worker readiness and validates
// the configured entry path, correcting it when the file is gone and a better
// candidate exists.
package kernel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/quill/internal/lock"
)

// Readiness polling defaults.
const (
	DefaultReadyPoll   = 500 * time.Millisecond
	DefaultReadyBudget = 60 * time.Second
)

// Deps are the kernel's collaborators. Compiler, Files and Settings are
// required. A nil Ready treats the worker as always ready; a nil Documents
// drops compiled documents.
type Deps struct {
	Compiler  Compiler
	Files     FileAccess
	Settings  Settings
	Documents DocumentSink
	Ready     func() bool
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLock shares lk with other components that must not interleave with
// this kernel.
func WithLock(lk *lock.Reentrant) Option {
	return func(k *Kernel) {
		if lk != nil {
			k.lock = lk
		}
	}
}

// WithReadyPolling sets the readiness poll interval and total budget.
func WithReadyPolling(interval, budget time.Duration) Option {
	return func(k *Kernel) {
		if interval > 0 {
			k.readyPoll = interval
		}
		if budget > 0 {
			k.readyBudget = budget
		}
	}
}

// WithObserver attaches compile/export instrumentation.
func WithObserver(o Observer) Option {
	return func(k *Kernel) {
		k.observer = o
	}
}

// WithSessionID stamps compiled documents with id.
func WithSessionID(id string) Option {
	return func(k *Kernel) {
		k.sessionID = id
	}
}

// WithClock sets the time source for document timestamps.
func WithClock(now func() time.Time) Option {
	return func(k *Kernel) {
		if now != nil {
			k.now = now
		}
	}
}

// Kernel serializes compile and export requests.
type Kernel struct {
	deps Deps
	lock *lock.Reentrant

	readyPoll   time.Duration
	readyBudget time.Duration
	observer    Observer
	sessionID   string
	now         func() time.Time

	// mu guards the batching state. It is never held across a worker call.
	mu          sync.Mutex
	needCompile bool
	compiling   bool
	waiters     []chan error

	// Guarded by lock: only touched inside a locked scope.
	lastPluginOptions *PluginOptions
	optionsChanged    bool
	lastEntryPath     string
	compiled          bool
}

// New creates a Kernel.
func New(deps Deps, opts ...Option) *Kernel {
	k := &Kernel{
		deps:        deps,
		lock:        lock.NewReentrant(),
		readyPoll:   DefaultReadyPoll,
		readyBudget: DefaultReadyBudget,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Lock returns the kernel's lock, for callers that need to run their own
// work in the same exclusion scope.
func (k *Kernel) Lock() *lock.Reentrant {
	return k.lock
}

// EnsureReady waits until the worker reports ready, polling every poll
// interval up to the readiness budget. Returns false on timeout or when ctx
// is done.
func (k *Kernel) EnsureReady(ctx context.Context) bool {
	if k.deps.Ready == nil || k.deps.Ready() {
		return true
	}

	ticker := time.NewTicker(k.readyPoll)
	defer ticker.Stop()
	deadline := time.NewTimer(k.readyBudget)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			slog.Warn("compiler not ready, skipping operation", "waited", k.readyBudget)
			return false
		case <-ticker.C:
			if k.deps.Ready() {
				return true
			}
		}
	}
}

// Compiling reports whether a compile loop is running.
func (k *Kernel) Compiling() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.compiling
}

// UpdatePluginOptions sends the current plugin options to the worker if
// they changed since the last send. Runs in the kernel's lock scope; pass
// the caller's token when already inside it.
func (k *Kernel) UpdatePluginOptions(ctx context.Context, token lock.Token) error {
	return k.lock.LockedScope(ctx, token, func(ctx context.Context, _ lock.Token) error {
		opts, err := k.deps.Settings.PluginOptions(ctx)
		if err != nil {
			return &KernelError{Code: ErrCodePluginOptions, Message: "read plugin options", Err: err}
		}
		if opts == k.lastPluginOptions {
			return nil
		}
		if err := k.deps.Compiler.SetPluginOptions(ctx, opts); err != nil {
			return &KernelError{Code: ErrCodePluginOptions, Message: "send plugin options", Err: err}
		}
		slog.Debug("plugin options updated", "plugins", pluginCount(opts))
		k.lastPluginOptions = opts
		k.optionsChanged = true
		return nil
	})
}

// EntryPoints returns the worker's entry point candidates.
func (k *Kernel) EntryPoints(ctx context.Context, token lock.Token) ([]EntryPoint, error) {
	var eps []EntryPoint
	err := k.lock.LockedScope(ctx, token, func(ctx context.Context, _ lock.Token) error {
		var err error
		eps, err = k.deps.Compiler.GetEntryPoints(ctx)
		if err != nil {
			return &KernelError{Code: ErrCodeEntryPointsFailed, Message: "get entry points", Err: err}
		}
		return nil
	})
	return eps, err
}

// useCachedPrepPhase reports whether the worker may reuse its preparation
// phase for entryPath. Must be called inside the lock scope.
func (k *Kernel) useCachedPrepPhase(entryPath string) bool {
	return k.compiled && !k.optionsChanged && entryPath == k.lastEntryPath
}

func pluginCount(opts *PluginOptions) int {
	if opts == nil {
		return 0
	}
	return len(opts.Plugins)
}

func isCorrection(err error) bool {
	return errors.Is(err, ErrEntryPathCorrected)
}
