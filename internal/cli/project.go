package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/quill/internal/config"
	"github.com/roach88/quill/internal/metrics"
	"github.com/roach88/quill/internal/session"
	"github.com/roach88/quill/internal/store"
)

// project is an opened session with everything it owns.
type project struct {
	cfg     *config.Config
	store   *store.Store
	session *session.Session
	metrics *metrics.Metrics
}

// configureLogging installs the process-wide slog handler.
func configureLogging(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads the config named by --config, or discovers one in the
// current directory. Without any file the defaults apply.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	fsys := opts.fs()
	path := opts.ConfigPath
	if path == "" {
		path = config.Discover(fsys, ".")
	}
	if path == "" {
		slog.Debug("no config file found, using defaults")
		return config.Default(), nil
	}
	slog.Debug("loading config", "path", path)
	return config.Load(fsys, path)
}

// openProject loads the config, opens the database and starts a session.
// The caller must call close.
func openProject(ctx context.Context, opts *RootOptions) (*project, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	dbPath := opts.Database
	if dbPath == "" {
		dbPath = cfg.ResolvePath(cfg.DB)
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create database directory", err)
		}
	}

	slog.Debug("opening database", "path", dbPath)
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	m := metrics.New()
	sessOpts := []session.Option{
		session.WithFs(opts.fs()),
		session.WithMetrics(m),
		session.WithIDGenerator(opts.IDs),
	}

	var s *session.Session
	if opts.Connect != nil {
		handle, cerr := opts.Connect(ctx, cfg)
		if cerr != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to connect worker", cerr)
		}
		s, err = session.OpenWithHandle(ctx, cfg, st, handle, sessOpts...)
	} else {
		s, err = session.Open(ctx, cfg, st, sessOpts...)
	}
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start worker", err)
	}

	return &project{cfg: cfg, store: st, session: s, metrics: m}, nil
}

func (p *project) close() {
	if err := p.session.Close(); err != nil {
		slog.Error("error closing session", "error", err)
	}
	if err := p.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
