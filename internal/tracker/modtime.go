package tracker

import (
	"context"
	"sync"
	"time"
)

// ModTime tracks files by their reported modification time.
// A timestamp that did not move forward counts as not modified.
type ModTime struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewModTime creates an empty modification-time tracker.
func NewModTime() *ModTime {
	return &ModTime{seen: make(map[string]time.Time)}
}

// CheckModifiedSinceLastAccess compares f's mtime with the last recorded one.
func (t *ModTime) CheckModifiedSinceLastAccess(ctx context.Context, f File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current := f.ModTime()

	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.seen[f.Path()]
	t.seen[f.Path()] = current
	if ok && !last.Before(current) {
		return ErrNotModified
	}
	return nil
}

// Static compares every file against one shared baseline instead of a
// per-file record. Files not modified after the baseline are unchanged.
type Static struct {
	mu       sync.RWMutex
	baseline time.Time
}

// NewStatic creates a tracker with the given baseline.
func NewStatic(baseline time.Time) *Static {
	return &Static{baseline: baseline}
}

// SetBaseline moves the baseline, typically to the start of a session.
func (t *Static) SetBaseline(baseline time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baseline = baseline
}

// Baseline returns the current baseline.
func (t *Static) Baseline() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.baseline
}

// CheckModifiedSinceLastAccess reports f modified iff its mtime is after the
// baseline.
func (t *Static) CheckModifiedSinceLastAccess(ctx context.Context, f File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.Baseline().Before(f.ModTime()) {
		return ErrNotModified
	}
	return nil
}
