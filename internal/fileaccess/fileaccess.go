// Package fileaccess serves project files to the worker.
//
// Paths arrive from the worker in project-relative form, optionally with a
// leading slash. They are NFC-normalized and confined to the project root.
// When the caller asks for change checking, a tracker decides whether the
// file is sent again or answered with ErrNotModified.
package fileaccess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/quill/internal/tracker"
)

// ErrNotModified is returned by GetFileContent when the tracker reports the
// file unchanged since it was last served.
var ErrNotModified = tracker.ErrNotModified

// ErrOutsideRoot rejects paths that resolve above the project root.
var ErrOutsideRoot = errors.New("path escapes project root")

// FS reads project files through an afero file system.
type FS struct {
	fs      afero.Fs
	tracker tracker.Tracker
}

// New serves files from fsys, checking changes with tr.
// A nil tracker reports every file as modified.
func New(fsys afero.Fs, tr tracker.Tracker) *FS {
	if tr == nil {
		tr = tracker.Noop{}
	}
	return &FS{fs: fsys, tracker: tr}
}

// NewOS serves files below root on the real file system.
func NewOS(root string, tr tracker.Tracker) *FS {
	return New(afero.NewBasePathFs(afero.NewOsFs(), root), tr)
}

// Fs returns the underlying file system.
func (f *FS) Fs() afero.Fs {
	return f.fs
}

// Clean normalizes a worker-supplied path to a root-relative slash path.
func Clean(p string) (string, error) {
	p = norm.NFC.String(p)
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideRoot)
	}
	return cleaned, nil
}

// GetFileContent returns the bytes of p.
//
// With checkChanged set, the tracker is consulted after the file has been
// read and ErrNotModified is returned for an unchanged file. A failed read
// leaves the tracker untouched. Without checkChanged the content is always
// returned and the tracker is not consulted.
func (f *FS) GetFileContent(ctx context.Context, p string, checkChanged bool) ([]byte, error) {
	name, err := Clean(p)
	if err != nil {
		return nil, err
	}

	info, err := f.fs.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", name)
	}

	data, err := afero.ReadFile(f.fs, name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	if checkChanged {
		tf := &trackedFile{name: name, modTime: info.ModTime(), data: data}
		if err := f.tracker.CheckModifiedSinceLastAccess(ctx, tf); err != nil {
			if errors.Is(err, ErrNotModified) {
				slog.Debug("file not modified", "path", name)
			}
			return nil, err
		}
	}

	slog.Debug("serving file", "path", name, "size", humanize.Bytes(uint64(len(data))))
	return data, nil
}

// Exists reports whether p names a regular file in the project.
func (f *FS) Exists(ctx context.Context, p string) bool {
	if ctx.Err() != nil {
		return false
	}
	name, err := Clean(p)
	if err != nil {
		return false
	}
	info, err := f.fs.Stat(name)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Debug("stat failed", "path", name, "error", err)
		}
		return false
	}
	return !info.IsDir()
}

// trackedFile presents content already read to the tracker, so the
// fingerprint always matches the bytes being served.
type trackedFile struct {
	name    string
	modTime time.Time
	data    []byte
}

func (t *trackedFile) Path() string       { return t.name }
func (t *trackedFile) ModTime() time.Time { return t.modTime }
func (t *trackedFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(t.data)), nil
}
