package kernel

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/roach88/quill/internal/lock"
)

// errLoopAborted is handed to callers that joined a compile loop whose owner
// stopped before draining. They retry under their own context.
var errLoopAborted = errors.New("compile loop aborted")

// Compile requests a compile of the current settings and waits until a
// compile that observed the request has finished.
//
// A call made while a compile loop is running joins it: the loop runs one
// more iteration and the call returns when the loop drains. If the loop's
// owner is cancelled first, joined calls take the loop over. Compile failures
// are logged and recorded on the dispatched Document; they are not returned.
// Returns ErrNotReady if the worker never became ready, and nil without
// compiling when the entry path was corrected (the correction schedules a
// new compile).
func (k *Kernel) Compile(ctx context.Context) error {
	for {
		err := k.compile(ctx)
		if !errors.Is(err, errLoopAborted) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		slog.Debug("compile loop owner stopped, retrying")
	}
}

func (k *Kernel) compile(ctx context.Context) error {
	k.mu.Lock()
	k.needCompile = true
	if k.compiling {
		done := make(chan error, 1)
		k.waiters = append(k.waiters, done)
		k.mu.Unlock()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	k.mu.Unlock()

	if !k.EnsureReady(ctx) {
		return ErrNotReady
	}

	if _, err := k.ValidateEntryPath(ctx, lock.NoToken); err != nil {
		if isCorrection(err) {
			slog.Debug("compile skipped after entry path correction")
			return nil
		}
		return err
	}

	return k.lock.LockedScope(ctx, lock.NoToken, k.compileLoop)
}

// compileLoop runs compiles until no request is outstanding.
// The drained check and the compiling=false transition happen under one
// critical section so a request can never join a loop that already decided
// to stop.
func (k *Kernel) compileLoop(ctx context.Context, token lock.Token) (err error) {
	k.mu.Lock()
	k.compiling = true
	k.mu.Unlock()

	drained := false
	defer func() {
		if drained {
			return
		}
		// Abnormal exit: the owner keeps its own error, the joiners retry
		// and one of them runs the outstanding compile.
		k.mu.Lock()
		k.compiling = false
		waiters := k.waiters
		k.waiters = nil
		k.mu.Unlock()
		flush(waiters, errLoopAborted)
	}()

	for {
		k.mu.Lock()
		if !k.needCompile {
			k.compiling = false
			waiters := k.waiters
			k.waiters = nil
			k.mu.Unlock()

			drained = true
			flush(waiters, nil)
			return nil
		}
		k.needCompile = false
		k.mu.Unlock()

		if err := ctx.Err(); err != nil {
			k.mu.Lock()
			k.needCompile = true
			k.mu.Unlock()
			return err
		}

		k.compileOnce(ctx, token)
	}
}

// compileOnce runs one compile iteration. Failures are logged and recorded
// on the dispatched document.
func (k *Kernel) compileOnce(ctx context.Context, token lock.Token) {
	start := time.Now()

	entry, err := k.ValidateEntryPath(ctx, token)
	if err != nil {
		if !isCorrection(err) {
			slog.Error("entry path validation failed", "error", err)
		}
		return
	}

	if err := k.UpdatePluginOptions(ctx, token); err != nil {
		slog.Warn("plugin options not applied", "error", err)
	}

	useCached := k.useCachedPrepPhase(entry)
	content, err := k.deps.Compiler.CompileDocument(ctx, entry, useCached)

	// Let goroutines queued behind the worker call (UI updates, file
	// requests) run before the result is dispatched.
	runtime.Gosched()

	doc := &Document{
		SessionID:  k.sessionID,
		EntryPath:  entry,
		UsedCache:  useCached,
		CompiledAt: k.now(),
	}
	if err != nil {
		err = &KernelError{Code: ErrCodeCompileFailed, Message: "compile document", EntryPath: entry, Err: err}
		doc.Error = err.Error()
		slog.Error("compile failed", "entry", entry, "error", err)
	} else {
		doc.Content = content
		k.compiled = true
		k.optionsChanged = false
		k.lastEntryPath = entry
		slog.Debug("compile finished", "entry", entry, "cached_prep", useCached, "elapsed", time.Since(start))
	}

	if k.observer != nil {
		k.observer.CompileFinished(time.Since(start), err)
	}

	if k.deps.Documents != nil {
		if perr := k.deps.Documents.PutDocument(ctx, doc); perr != nil {
			slog.Error("store compiled document", "entry", entry, "error", perr)
		}
	}
}

// Export runs one export under the kernel lock. It does not take part in
// compile batching.
//
// A failed export is returned as an ExportedDocument with Error set and a
// nil error. A corrected entry path is used for the export rather than
// skipping it, since nothing would re-issue the request.
func (k *Kernel) Export(ctx context.Context, req ExportRequest) (*ExportedDocument, error) {
	if !k.EnsureReady(ctx) {
		return nil, ErrNotReady
	}

	if _, err := k.ValidateEntryPath(ctx, lock.NoToken); err != nil && !isCorrection(err) {
		return nil, err
	}

	var out *ExportedDocument
	err := k.lock.LockedScope(ctx, lock.NoToken, func(ctx context.Context, token lock.Token) error {
		start := time.Now()

		entry, err := k.ValidateEntryPath(ctx, token)
		if err != nil && !isCorrection(err) {
			return err
		}
		if err := k.UpdatePluginOptions(ctx, token); err != nil {
			slog.Warn("plugin options not applied", "error", err)
		}

		exported, err := k.deps.Compiler.ExportDocument(ctx, entry, k.useCachedPrepPhase(entry), req)
		if err != nil {
			err = &KernelError{Code: ErrCodeExportFailed, Message: "export " + req.ExportID, EntryPath: entry, Err: err}
			slog.Error("export failed", "entry", entry, "plugin", req.PluginID, "error", err)
			out = &ExportedDocument{Error: err.Error()}
		} else {
			out = exported
			slog.Info("export finished", "entry", entry, "file", exported.FileName, "bytes", len(exported.Content))
		}
		if k.observer != nil {
			k.observer.ExportFinished(time.Since(start), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func flush(waiters []chan error, err error) {
	for _, w := range waiters {
		w <- err
	}
}
