// Package session assembles one running project: the worker host, the
// compile kernel, file access, settings storage and background scheduling.
//
// A Session replaces process-wide state. Everything a compile needs is
// reachable from it, and two sessions never share mutable state except the
// store they were handed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/roach88/quill/internal/config"
	"github.com/roach88/quill/internal/fileaccess"
	"github.com/roach88/quill/internal/kernel"
	"github.com/roach88/quill/internal/lock"
	"github.com/roach88/quill/internal/metrics"
	"github.com/roach88/quill/internal/sched"
	"github.com/roach88/quill/internal/store"
	"github.com/roach88/quill/internal/tracker"
	"github.com/roach88/quill/internal/worker"
)

// AutosaveName is the file the latest good document is written to after a
// short idle period.
const AutosaveName = "document.json"

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// IDGenerator mints session ids.
type IDGenerator interface {
	Generate() string
}

type uuidGenerator struct{}

// Generate returns a time-ordered UUIDv7, falling back to v4.
func (uuidGenerator) Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Option configures a Session.
type Option func(*options)

type options struct {
	ids       IDGenerator
	fs        afero.Fs
	metrics   *metrics.Metrics
	logger    *slog.Logger
	idleClock func() time.Time
}

// WithIDGenerator sets the session id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) {
		if g != nil {
			o.ids = g
		}
	}
}

// WithFs sets the file system project files, the config file and outputs
// are read from and written to. Defaults to the OS file system.
func WithFs(fs afero.Fs) Option {
	return func(o *options) {
		if fs != nil {
			o.fs = fs
		}
	}
}

// WithMetrics attaches instrumentation to the host and kernel.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger sets the logger handed to the worker host.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithIdleClock overrides the idle manager's clock (tests).
func WithIdleClock(now func() time.Time) Option {
	return func(o *options) {
		o.idleClock = now
	}
}

// Session is one open project.
type Session struct {
	id     string
	opts   options
	cfg    *lock.RwLock[*config.Config]
	store  *store.Store
	files  *fileaccess.FS
	host   *worker.Host
	kernel *kernel.Kernel

	compiles    *sched.Debouncer
	reloads     sched.SerialEvent
	idle        *sched.IdleMgr
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	autosaved time.Time
	closed    bool
}

// Open starts the worker named by cfg.Worker and opens a session on it.
func Open(ctx context.Context, cfg *config.Config, st *store.Store, opts ...Option) (*Session, error) {
	if cfg.Worker.Command == "" {
		return nil, errors.New("no worker command configured")
	}
	proc, err := worker.StartProcess(context.Background(), cfg.Worker.Command, cfg.Worker.Args...)
	if err != nil {
		return nil, err
	}
	s, err := OpenWithHandle(ctx, cfg, st, proc, opts...)
	if err != nil {
		_ = proc.Terminate()
		return nil, err
	}
	return s, nil
}

// OpenWithHandle opens a session on an already running worker. It returns
// once the worker reports ready.
func OpenWithHandle(ctx context.Context, cfg *config.Config, st *store.Store, handle worker.Handle, opts ...Option) (*Session, error) {
	o := options{
		ids:    uuidGenerator{},
		fs:     afero.NewOsFs(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	tr, err := tracker.New(cfg.TrackerKind())
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:    o.ids.Generate(),
		opts:  o,
		cfg:   lock.NewRwLock(cfg),
		store: st,
		files: fileaccess.New(afero.NewBasePathFs(o.fs, cfg.Root), tr),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	hostOpts := []worker.HostOption{
		worker.WithCallTimeout(cfg.Worker.CallTimeout.Std()),
		worker.WithReadyInterval(cfg.Worker.ReadyInterval.Std()),
	}
	kernelOpts := []kernel.Option{
		kernel.WithReadyPolling(cfg.Worker.ReadyInterval.Std(), cfg.Worker.ReadyBudget.Std()),
		kernel.WithSessionID(s.id),
	}
	if o.metrics != nil {
		hostOpts = append(hostOpts, worker.WithObserver(o.metrics))
		kernelOpts = append(kernelOpts, kernel.WithObserver(o.metrics))
	}

	s.host = worker.NewHost(hostOpts...)
	s.kernel = kernel.New(kernel.Deps{
		Compiler:  kernel.NewWorkerCompiler(s.host),
		Files:     s.files,
		Settings:  st,
		Documents: st,
		Ready:     s.host.IsReady,
	}, kernelOpts...)
	s.host.RegisterSpecial(worker.SpecialLoadFile, kernel.LoadFileHandler(meteredFiles{s.files, o.metrics}, s.host))

	if err := seedSettings(ctx, st, cfg); err != nil {
		return nil, err
	}

	s.compiles = sched.NewDebouncer(cfg.Debounce.Std(), s.compileNow)
	var idleOpts []sched.IdleOption
	if o.idleClock != nil {
		idleOpts = append(idleOpts, sched.WithIdleClock(o.idleClock))
	}
	s.idle = sched.NewIdleMgr(sched.IdleConfig{
		ShortIdle:   cfg.Idle.Short.Std(),
		LongIdle:    cfg.Idle.Long.Std(),
		MaxInterval: cfg.Idle.MaxInterval.Std(),
	}, s.autosave, s.maintain, idleOpts...)
	s.unsubscribe = st.Subscribe(s.settingChanged)

	if err := s.host.SetWorker(ctx, handle, o.logger.With("session", s.id)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	slog.Info("session opened", "session", s.id, "root", cfg.Root)
	return s, nil
}

// seedSettings stores the configured entry path when none is stored yet and
// replaces the plugin options with the configured ones.
func seedSettings(ctx context.Context, st *store.Store, cfg *config.Config) error {
	current, err := st.EntryPath(ctx)
	if err != nil {
		return err
	}
	if current == "" && cfg.EntryPath != "" {
		if err := st.SetEntryPath(ctx, cfg.EntryPath); err != nil {
			return err
		}
	}
	return st.SetPluginOptions(ctx, cfg.PluginOptions())
}

// ID returns the session id stamped on stored documents.
func (s *Session) ID() string {
	return s.id
}

// Kernel returns the session's compile kernel.
func (s *Session) Kernel() *kernel.Kernel {
	return s.kernel
}

// Host returns the session's worker host.
func (s *Session) Host() *worker.Host {
	return s.host
}

// Store returns the settings and document store.
func (s *Session) Store() *store.Store {
	return s.store
}

// Files returns the project file access.
func (s *Session) Files() *fileaccess.FS {
	return s.files
}

// Config returns the current configuration.
func (s *Session) Config(ctx context.Context) (*config.Config, error) {
	var cfg *config.Config
	err := s.cfg.ScopedRead(ctx, func(c *config.Config) error {
		cfg = c
		return nil
	})
	return cfg, err
}

// Compile runs a compile now and waits for it.
func (s *Session) Compile(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.idle.Touch()
	return s.kernel.Compile(ctx)
}

// RequestCompile schedules a compile after the debounce delay.
func (s *Session) RequestCompile() {
	s.idle.Touch()
	s.compiles.Trigger()
}

func (s *Session) compileNow() {
	if err := s.kernel.Compile(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("scheduled compile failed", "session", s.id, "error", err)
	}
}

// LatestDocument returns the session's most recent document.
func (s *Session) LatestDocument(ctx context.Context) (*kernel.Document, error) {
	return s.store.LatestDocument(ctx, s.id, false)
}

// EntryPoints lists the compiler's entry points.
func (s *Session) EntryPoints(ctx context.Context) ([]kernel.EntryPoint, error) {
	if !s.kernel.EnsureReady(ctx) {
		return nil, kernel.ErrNotReady
	}
	return s.kernel.EntryPoints(ctx, lock.NoToken)
}

func (s *Session) settingChanged(key string) {
	switch key {
	case store.KeyEntryPath, store.KeyPluginOptions:
		s.RequestCompile()
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops background work and terminates the worker. The store stays
// open; it belongs to the caller.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if s.compiles != nil {
		s.compiles.Stop()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return s.host.Close()
}

// outputPath joins name onto the configured output directory.
func outputPath(cfg *config.Config, name string) string {
	return filepath.Join(cfg.ResolvePath(cfg.OutputDir), filepath.Base(name))
}

type meteredFiles struct {
	files *fileaccess.FS
	m     *metrics.Metrics
}

func (f meteredFiles) GetFileContent(ctx context.Context, path string, checkChanged bool) ([]byte, error) {
	data, err := f.files.GetFileContent(ctx, path, checkChanged)
	switch {
	case errors.Is(err, fileaccess.ErrNotModified):
		f.m.FileServed("not_modified")
	case err != nil:
		f.m.FileServed("error")
	default:
		f.m.FileServed("content")
	}
	return data, err
}
