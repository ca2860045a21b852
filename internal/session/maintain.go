package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/quill/internal/config"
	"github.com/roach88/quill/internal/sched"
	"github.com/roach88/quill/internal/store"
)

// ReloadConfig re-reads the config file the session was opened with.
//
// A changed entry path or plugin list is written to the store, which in turn
// schedules a compile. Root and tracker changes need a restart. A reload
// started while another is in flight supersedes it.
func (s *Session) ReloadConfig(ctx context.Context) error {
	err := s.reloads.Run(ctx, func(ctx context.Context, t sched.Ticket) error {
		cur, err := s.Config(ctx)
		if err != nil {
			return err
		}
		if cur.Path == "" {
			return nil
		}

		next, err := config.Load(s.opts.fs, cur.Path)
		if err != nil {
			return err
		}
		if t.Superseded() {
			return sched.ErrSuperseded
		}
		if next.Root != cur.Root || next.Tracker != cur.Tracker {
			slog.Warn("root and tracker changes apply after restart", "path", cur.Path)
			next.Root, next.Tracker = cur.Root, cur.Tracker
		}

		err = s.cfg.ScopedWrite(ctx, func(_ *config.Config, set func(*config.Config)) error {
			set(next)
			return nil
		})
		if err != nil {
			return err
		}

		if next.EntryPath != "" && next.EntryPath != cur.EntryPath {
			if err := s.store.SetEntryPath(ctx, next.EntryPath); err != nil {
				return err
			}
		}
		if err := s.store.SetPluginOptions(ctx, next.PluginOptions()); err != nil {
			return err
		}
		slog.Info("config reloaded", "path", cur.Path, "ticket", t.Serial())
		return nil
	})
	if errors.Is(err, sched.ErrSuperseded) {
		return nil
	}
	return err
}

// autosave writes the latest successful document into the output directory
// when it is newer than the last one written.
func (s *Session) autosave(ctx context.Context) {
	doc, err := s.store.LatestDocument(ctx, s.id, true)
	if errors.Is(err, store.ErrNoDocument) {
		return
	}
	if err != nil {
		slog.Warn("autosave: read document", "error", err)
		return
	}

	s.mu.Lock()
	fresh := doc.CompiledAt.After(s.autosaved)
	s.mu.Unlock()
	if !fresh {
		return
	}

	cfg, err := s.Config(ctx)
	if err != nil {
		return
	}
	path := outputPath(cfg, AutosaveName)
	if err := writeFile(s.opts.fs, path, doc.Content); err != nil {
		slog.Warn("autosave failed", "error", err)
		return
	}

	s.mu.Lock()
	s.autosaved = doc.CompiledAt
	s.mu.Unlock()
	slog.Debug("autosaved document", "path", path, "entry", doc.EntryPath)
}

// maintain checkpoints the database and prunes old documents.
func (s *Session) maintain(ctx context.Context) {
	if err := s.store.Checkpoint(ctx); err != nil {
		slog.Warn("checkpoint failed", "error", err)
	}

	cfg, err := s.Config(ctx)
	if err != nil || cfg.KeepDocuments <= 0 {
		return
	}
	n, err := s.store.PruneDocuments(ctx, cfg.KeepDocuments)
	if err != nil {
		slog.Warn("prune documents failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("pruned documents", "removed", n, "kept", cfg.KeepDocuments)
	}
}
