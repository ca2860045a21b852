package session

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/quill/internal/config"
)

type action int

const (
	actionNone action = iota
	actionCompile
	actionReload
)

// Run watches the project root and drives idle maintenance until ctx is
// done. File changes schedule a compile; a change to the config file
// reloads it.
func (s *Session) Run(ctx context.Context) error {
	cfg, err := s.Config(ctx)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := watchTree(w, cfg, cfg.Root); err != nil {
		return err
	}
	if cfg.Path != "" && !within(cfg.Root, cfg.Path) {
		if err := w.Add(filepath.Dir(cfg.Path)); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.idle.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					return nil
				}
				s.handleEvent(gctx, w, ev)
			case err, ok := <-w.Errors:
				if !ok {
					return nil
				}
				slog.Warn("watch error", "error", err)
			}
		}
	})

	slog.Info("watching project", "root", cfg.Root)
	return g.Wait()
}

func (s *Session) handleEvent(ctx context.Context, w *fsnotify.Watcher, ev fsnotify.Event) {
	cfg, err := s.Config(ctx)
	if err != nil {
		return
	}

	switch classify(cfg, ev) {
	case actionReload:
		s.idle.Touch()
		if err := s.ReloadConfig(ctx); err != nil {
			slog.Warn("config reload failed", "path", ev.Name, "error", err)
		}
	case actionCompile:
		if ev.Has(fsnotify.Create) {
			if err := watchTree(w, cfg, ev.Name); err != nil {
				slog.Debug("watch new path", "path", ev.Name, "error", err)
			}
		}
		slog.Debug("project changed", "path", ev.Name, "op", ev.Op.String())
		s.RequestCompile()
	}
}

// classify decides what a file event means for the session.
func classify(cfg *config.Config, ev fsnotify.Event) action {
	if ev.Op == fsnotify.Chmod {
		return actionNone
	}
	name := filepath.Clean(ev.Name)
	if cfg.Path != "" && name == filepath.Clean(cfg.Path) {
		return actionReload
	}
	if ignored(cfg, name) {
		return actionNone
	}
	return actionCompile
}

// ignored reports paths whose changes never affect a compile: hidden files,
// the database with its journal files, and the output directory.
func ignored(cfg *config.Config, name string) bool {
	rel, err := filepath.Rel(cfg.Root, name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return true
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	if out := cfg.ResolvePath(cfg.OutputDir); out != "" && within(out, name) {
		return true
	}
	if db := cfg.ResolvePath(cfg.DB); db != "" && strings.HasPrefix(name, filepath.Clean(db)) {
		return true
	}
	return false
}

func within(dir, name string) bool {
	rel, err := filepath.Rel(dir, name)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// watchTree adds root and every directory below it that is not ignored.
func watchTree(w *fsnotify.Watcher, cfg *config.Config, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != cfg.Root && ignored(cfg, p) {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}
