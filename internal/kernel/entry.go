package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/quill/internal/lock"
)

// ValidateEntryPath checks the configured entry path and corrects it when
// the file is missing.
//
// It returns the path to compile. When a correction was made it is persisted
// through Settings and the error wraps ErrEntryPathCorrected; the caller
// should skip its operation because the settings change schedules a new one.
func (k *Kernel) ValidateEntryPath(ctx context.Context, token lock.Token) (string, error) {
	var result string
	err := k.lock.LockedScope(ctx, token, func(ctx context.Context, token lock.Token) error {
		configured, err := k.deps.Settings.EntryPath(ctx)
		if err != nil {
			return fmt.Errorf("read entry path: %w", err)
		}

		resolved := k.resolveEntryPath(ctx, configured)
		result = resolved
		if resolved == configured {
			return nil
		}

		if err := k.deps.Settings.SetEntryPath(ctx, resolved); err != nil {
			return fmt.Errorf("persist corrected entry path: %w", err)
		}
		slog.Info("entry path corrected", "from", configured, "to", resolved)
		if k.observer != nil {
			k.observer.EntryPathCorrected()
		}
		return fmt.Errorf("%w: %q -> %q", ErrEntryPathCorrected, configured, resolved)
	})
	return result, err
}

// resolveEntryPath picks the entry path to use for configured.
//
//  1. Empty means "use the default" and is kept.
//  2. An existing file is kept.
//  3. A missing file that some candidate names exactly is kept as intentional.
//  4. Otherwise the "default" candidate wins if its file exists,
//  5. then the first candidate whose file exists,
//  6. else the empty path.
func (k *Kernel) resolveEntryPath(ctx context.Context, configured string) string {
	if configured == "" {
		return ""
	}
	if k.deps.Files.Exists(ctx, strings.TrimPrefix(configured, "/")) {
		return configured
	}

	candidates, err := k.deps.Compiler.GetEntryPoints(ctx)
	if err != nil {
		slog.Warn("cannot list entry points, keeping configured path", "entry", configured, "error", err)
		return configured
	}

	for _, c := range candidates {
		if c.Path == configured {
			return configured
		}
	}
	for _, c := range candidates {
		if c.Name == DefaultEntryName && k.exists(ctx, c.Path) {
			return c.Path
		}
	}
	for _, c := range candidates {
		if k.exists(ctx, c.Path) {
			return c.Path
		}
	}
	return ""
}

func (k *Kernel) exists(ctx context.Context, path string) bool {
	return path != "" && k.deps.Files.Exists(ctx, strings.TrimPrefix(path, "/"))
}
